package mls

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	_ "crypto/sha256" // register SHA-256
	_ "crypto/sha512" // register SHA-512
	"fmt"
	"io"
	"math/big"

	"github.com/cisco/go-hpke"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256             CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	X448_AES256GCM_SHA512_Ed448            CipherSuite = 0x0004
	P521_AES256GCM_SHA512_P521             CipherSuite = 0x0005
	X448_CHACHA20POLY1305_SHA512_Ed448     CipherSuite = 0x0006
)

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case P256_AES128GCM_SHA256_P256:
		return "P256_AES128GCM_SHA256_P256"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	case X448_AES256GCM_SHA512_Ed448:
		return "X448_AES256GCM_SHA512_Ed448"
	case P521_AES256GCM_SHA512_P521:
		return "P521_AES256GCM_SHA512_P521"
	case X448_CHACHA20POLY1305_SHA512_Ed448:
		return "X448_CHACHA20POLY1305_SHA512_Ed448"
	default:
		return fmt.Sprintf("CipherSuite(0x%04x)", uint16(cs))
	}
}

type signatureScheme uint8

const (
	schemeEd25519 signatureScheme = iota
	schemeECDSAP256
	schemeECDSAP521
	schemeEd448
)

type suiteParams struct {
	kem       hpke.KEMID
	kdf       hpke.KDFID
	aead      hpke.AEADID
	hash      crypto.Hash
	scheme    signatureScheme
	keySize   int
	nonceSize int
}

var suiteTable = map[CipherSuite]suiteParams{
	X25519_AES128GCM_SHA256_Ed25519: {
		hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128,
		crypto.SHA256, schemeEd25519, 16, 12,
	},
	P256_AES128GCM_SHA256_P256: {
		hpke.DHKEM_P256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128,
		crypto.SHA256, schemeECDSAP256, 16, 12,
	},
	X25519_CHACHA20POLY1305_SHA256_Ed25519: {
		hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_CHACHA20POLY1305,
		crypto.SHA256, schemeEd25519, 32, 12,
	},
	X448_AES256GCM_SHA512_Ed448: {
		hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256,
		crypto.SHA512, schemeEd448, 32, 12,
	},
	P521_AES256GCM_SHA512_P521: {
		hpke.DHKEM_P521, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256,
		crypto.SHA512, schemeECDSAP521, 32, 12,
	},
	X448_CHACHA20POLY1305_SHA512_Ed448: {
		hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_CHACHA20POLY1305,
		crypto.SHA512, schemeEd448, 32, 12,
	},
}

///
/// Key types
///

type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return hmac.Equal(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

func (k *HPKEPrivateKey) zeroize() {
	zeroize(k.Data)
}

func (k HPKEPrivateKey) clone() HPKEPrivateKey {
	return HPKEPrivateKey{Data: dup(k.Data), PublicKey: HPKEPublicKey{dup(k.PublicKey.Data)}}
}

type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return hmac.Equal(k.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

///
/// Provider interfaces
///

// CipherSuiteConstants are the output sizes of the suite's primitives.
type CipherSuiteConstants struct {
	SecretSize int // Nh
	KeySize    int // Nk
	NonceSize  int // Nn
}

// CipherSuiteProvider is the set of primitives the protocol core consumes.
// All randomness used by the core is drawn from RandomBytes.
type CipherSuiteProvider interface {
	CipherSuite() CipherSuite
	Constants() CipherSuiteConstants

	Hash(data []byte) []byte
	MAC(key, data []byte) []byte
	KDFExtract(salt, ikm []byte) []byte
	KDFExpand(prk, info []byte, size int) ([]byte, error)

	AEADSeal(key, nonce, aad, pt []byte) ([]byte, error)
	AEADOpen(key, nonce, aad, ct []byte) ([]byte, error)

	HPKEGenerate() (HPKEPrivateKey, error)
	HPKEDerive(ikm []byte) (HPKEPrivateKey, error)
	HPKESeal(pub HPKEPublicKey, info, aad, pt []byte) (HPKECiphertext, error)
	HPKEOpen(priv HPKEPrivateKey, info, aad []byte, ct HPKECiphertext) ([]byte, error)
	HPKEExportSend(pub HPKEPublicKey, info, exporterContext []byte, size int) (kemOutput, secret []byte, err error)
	HPKEExportReceive(priv HPKEPrivateKey, kemOutput, info, exporterContext []byte, size int) ([]byte, error)

	SignatureGenerate() (SignaturePrivateKey, error)
	SignatureDerive(ikm []byte) (SignaturePrivateKey, error)
	Sign(priv SignaturePrivateKey, message []byte) ([]byte, error)
	Verify(pub SignaturePublicKey, message, signature []byte) bool

	RandomBytes(size int) ([]byte, error)
}

// CryptoProvider hands out a CipherSuiteProvider per supported suite.
type CryptoProvider interface {
	SupportedCipherSuites() []CipherSuite
	CipherSuiteProvider(suite CipherSuite) (CipherSuiteProvider, error)
}

type defaultCryptoProvider struct{}

// DefaultCryptoProvider implements every registered cipher suite with
// go-hpke, x/crypto, circl and the standard library.
func DefaultCryptoProvider() CryptoProvider {
	return defaultCryptoProvider{}
}

func (defaultCryptoProvider) SupportedCipherSuites() []CipherSuite {
	return []CipherSuite{
		X25519_AES128GCM_SHA256_Ed25519,
		P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519,
		X448_AES256GCM_SHA512_Ed448,
		P521_AES256GCM_SHA512_P521,
		X448_CHACHA20POLY1305_SHA512_Ed448,
	}
}

func (defaultCryptoProvider) CipherSuiteProvider(suite CipherSuite) (CipherSuiteProvider, error) {
	return NewCipherSuiteProvider(suite)
}

// NewCipherSuiteProvider returns the default implementation for one suite.
func NewCipherSuiteProvider(suite CipherSuite) (CipherSuiteProvider, error) {
	params, ok := suiteTable[suite]
	if !ok {
		return nil, cryptoError("suite", fmt.Errorf("%w: %v", ErrUnsupportedSuite, suite))
	}

	hpkeSuite, err := hpke.AssembleCipherSuite(params.kem, params.kdf, params.aead)
	if err != nil {
		return nil, cryptoError("suite", err)
	}

	return &suiteProvider{suite: suite, params: params, hpke: hpkeSuite}, nil
}

type suiteProvider struct {
	suite  CipherSuite
	params suiteParams
	hpke   hpke.CipherSuite
}

func (p *suiteProvider) CipherSuite() CipherSuite {
	return p.suite
}

func (p *suiteProvider) Constants() CipherSuiteConstants {
	return CipherSuiteConstants{
		SecretSize: p.params.hash.Size(),
		KeySize:    p.params.keySize,
		NonceSize:  p.params.nonceSize,
	}
}

func (p *suiteProvider) Hash(data []byte) []byte {
	h := p.params.hash.New()
	h.Write(data)
	return h.Sum(nil)
}

func (p *suiteProvider) MAC(key, data []byte) []byte {
	mac := hmac.New(p.params.hash.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (p *suiteProvider) KDFExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(p.params.hash.New, ikm, salt)
}

func (p *suiteProvider) KDFExpand(prk, info []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	r := hkdf.Expand(p.params.hash.New, prk, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, cryptoError("kdf", err)
	}
	return out, nil
}

func (p *suiteProvider) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != p.params.keySize {
		return nil, fmt.Errorf("invalid AEAD key size %d", len(key))
	}

	switch p.params.aead {
	case hpke.AEAD_CHACHA20POLY1305:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
}

func (p *suiteProvider) AEADSeal(key, nonce, aad, pt []byte) ([]byte, error) {
	aead, err := p.aead(key)
	if err != nil {
		return nil, cryptoError("aead", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, cryptoError("aead", fmt.Errorf("invalid nonce size %d", len(nonce)))
	}
	return aead.Seal(nil, nonce, pt, aad), nil
}

func (p *suiteProvider) AEADOpen(key, nonce, aad, ct []byte) ([]byte, error) {
	aead, err := p.aead(key)
	if err != nil {
		return nil, cryptoError("aead", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, cryptoError("aead", fmt.Errorf("invalid nonce size %d", len(nonce)))
	}

	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, cryptoError("aead", err)
	}
	return pt, nil
}

func (p *suiteProvider) HPKEGenerate() (HPKEPrivateKey, error) {
	ikm, err := p.RandomBytes(p.params.hash.Size())
	if err != nil {
		return HPKEPrivateKey{}, err
	}
	defer zeroize(ikm)

	return p.HPKEDerive(ikm)
}

func (p *suiteProvider) HPKEDerive(ikm []byte) (HPKEPrivateKey, error) {
	priv, pub, err := p.hpke.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, cryptoError("hpke", err)
	}

	return HPKEPrivateKey{
		Data:      p.hpke.KEM.SerializePrivate(priv),
		PublicKey: HPKEPublicKey{Data: p.hpke.KEM.Serialize(pub)},
	}, nil
}

func (p *suiteProvider) HPKESeal(pub HPKEPublicKey, info, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := p.hpke.KEM.Deserialize(pub.Data)
	if err != nil {
		return HPKECiphertext{}, cryptoError("hpke", err)
	}

	enc, ctx, err := hpke.SetupBaseS(p.hpke, rand.Reader, pkR, info)
	if err != nil {
		return HPKECiphertext{}, cryptoError("hpke", err)
	}

	return HPKECiphertext{KEMOutput: enc, Ciphertext: ctx.Seal(aad, pt)}, nil
}

func (p *suiteProvider) HPKEOpen(priv HPKEPrivateKey, info, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := p.hpke.KEM.DeserializePrivate(priv.Data)
	if err != nil {
		return nil, cryptoError("hpke", err)
	}

	ctx, err := hpke.SetupBaseR(p.hpke, skR, ct.KEMOutput, info)
	if err != nil {
		return nil, cryptoError("hpke", err)
	}

	pt, err := ctx.Open(aad, ct.Ciphertext)
	if err != nil {
		return nil, cryptoError("hpke", err)
	}
	return pt, nil
}

func (p *suiteProvider) HPKEExportSend(pub HPKEPublicKey, info, exporterContext []byte, size int) ([]byte, []byte, error) {
	pkR, err := p.hpke.KEM.Deserialize(pub.Data)
	if err != nil {
		return nil, nil, cryptoError("hpke", err)
	}

	enc, ctx, err := hpke.SetupBaseS(p.hpke, rand.Reader, pkR, info)
	if err != nil {
		return nil, nil, cryptoError("hpke", err)
	}

	return enc, ctx.Export(exporterContext, size), nil
}

func (p *suiteProvider) HPKEExportReceive(priv HPKEPrivateKey, kemOutput, info, exporterContext []byte, size int) ([]byte, error) {
	skR, err := p.hpke.KEM.DeserializePrivate(priv.Data)
	if err != nil {
		return nil, cryptoError("hpke", err)
	}

	ctx, err := hpke.SetupBaseR(p.hpke, skR, kemOutput, info)
	if err != nil {
		return nil, cryptoError("hpke", err)
	}

	return ctx.Export(exporterContext, size), nil
}

func (p *suiteProvider) curve() elliptic.Curve {
	if p.params.scheme == schemeECDSAP521 {
		return elliptic.P521()
	}
	return elliptic.P256()
}

func (p *suiteProvider) SignatureGenerate() (SignaturePrivateKey, error) {
	ikm, err := p.RandomBytes(p.params.hash.Size())
	if err != nil {
		return SignaturePrivateKey{}, err
	}
	defer zeroize(ikm)

	return p.SignatureDerive(ikm)
}

func (p *suiteProvider) SignatureDerive(ikm []byte) (SignaturePrivateKey, error) {
	prk := p.KDFExtract(nil, ikm)
	defer zeroize(prk)

	switch p.params.scheme {
	case schemeEd25519:
		seed, err := p.KDFExpand(prk, []byte("signature key"), ed25519.SeedSize)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		defer zeroize(seed)

		priv := ed25519.NewKeyFromSeed(seed)
		pub := priv.Public().(ed25519.PublicKey)
		return SignaturePrivateKey{Data: priv, PublicKey: SignaturePublicKey{Data: pub}}, nil

	case schemeEd448:
		seed, err := p.KDFExpand(prk, []byte("signature key"), ed448.SeedSize)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		defer zeroize(seed)

		priv := ed448.NewKeyFromSeed(seed)
		pub := priv.Public().(ed448.PublicKey)
		return SignaturePrivateKey{Data: priv, PublicKey: SignaturePublicKey{Data: pub}}, nil

	case schemeECDSAP256, schemeECDSAP521:
		curve := p.curve()
		params := curve.Params()
		byteLen := (params.BitSize + 7) / 8

		// Reduce into [1, N-1] from a wide uniform value.
		wide, err := p.KDFExpand(prk, []byte("signature key"), byteLen+16)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		defer zeroize(wide)

		nMinusOne := new(big.Int).Sub(params.N, big.NewInt(1))
		d := new(big.Int).SetBytes(wide)
		d.Mod(d, nMinusOne)
		d.Add(d, big.NewInt(1))

		x, y := curve.ScalarBaseMult(d.Bytes())
		priv := make([]byte, byteLen)
		d.FillBytes(priv)
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{Data: elliptic.Marshal(curve, x, y)},
		}, nil
	}

	return SignaturePrivateKey{}, cryptoError("signature", ErrUnsupportedSuite)
}

func (p *suiteProvider) ecdsaKey(priv SignaturePrivateKey) (*ecdsa.PrivateKey, error) {
	curve := p.curve()
	x, y := elliptic.Unmarshal(curve, priv.PublicKey.Data)
	if x == nil {
		return nil, fmt.Errorf("invalid ECDSA public key")
	}

	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         new(big.Int).SetBytes(priv.Data),
	}, nil
}

func (p *suiteProvider) Sign(priv SignaturePrivateKey, message []byte) ([]byte, error) {
	switch p.params.scheme {
	case schemeEd25519:
		if len(priv.Data) != ed25519.PrivateKeySize {
			return nil, cryptoError("sign", fmt.Errorf("invalid Ed25519 private key"))
		}
		return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil

	case schemeEd448:
		if len(priv.Data) != ed448.PrivateKeySize {
			return nil, cryptoError("sign", fmt.Errorf("invalid Ed448 private key"))
		}
		return ed448.Sign(ed448.PrivateKey(priv.Data), message, ""), nil

	case schemeECDSAP256, schemeECDSAP521:
		key, err := p.ecdsaKey(priv)
		if err != nil {
			return nil, cryptoError("sign", err)
		}

		sig, err := ecdsa.SignASN1(rand.Reader, key, p.Hash(message))
		if err != nil {
			return nil, cryptoError("sign", err)
		}
		return sig, nil
	}

	return nil, cryptoError("sign", ErrUnsupportedSuite)
}

func (p *suiteProvider) Verify(pub SignaturePublicKey, message, signature []byte) bool {
	switch p.params.scheme {
	case schemeEd25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)

	case schemeEd448:
		if len(pub.Data) != ed448.PublicKeySize {
			return false
		}
		return ed448.Verify(ed448.PublicKey(pub.Data), message, signature, "")

	case schemeECDSAP256, schemeECDSAP521:
		curve := p.curve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}
		key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		return ecdsa.VerifyASN1(key, p.Hash(message), signature)
	}

	return false
}

func (p *suiteProvider) RandomBytes(size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := rand.Read(out); err != nil {
		return nil, cryptoError("random", err)
	}
	return out, nil
}

///
/// Labeled operations
///

const mlsLabelPrefix = "MLS 1.0 "

type kdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func expandWithLabel(cs CipherSuiteProvider, secret []byte, label string, context []byte, length int) ([]byte, error) {
	info, err := marshal(kdfLabel{
		Length:  uint16(length),
		Label:   []byte(mlsLabelPrefix + label),
		Context: context,
	})
	if err != nil {
		return nil, err
	}
	return cs.KDFExpand(secret, info, length)
}

func deriveSecret(cs CipherSuiteProvider, secret []byte, label string) ([]byte, error) {
	return expandWithLabel(cs, secret, label, nil, cs.Constants().SecretSize)
}

func deriveTreeSecret(cs CipherSuiteProvider, secret []byte, label string, generation uint32, length int) ([]byte, error) {
	ctx, err := marshal(generation)
	if err != nil {
		return nil, err
	}
	return expandWithLabel(cs, secret, label, ctx, length)
}

type signContent struct {
	Label   []byte `tls:"head=1"`
	Content []byte `tls:"head=4"`
}

func signWithLabel(cs CipherSuiteProvider, priv SignaturePrivateKey, label string, content []byte) ([]byte, error) {
	tbs, err := marshal(signContent{Label: []byte(mlsLabelPrefix + label), Content: content})
	if err != nil {
		return nil, err
	}
	return cs.Sign(priv, tbs)
}

func verifyWithLabel(cs CipherSuiteProvider, pub SignaturePublicKey, label string, content, signature []byte) bool {
	tbs, err := marshal(signContent{Label: []byte(mlsLabelPrefix + label), Content: content})
	if err != nil {
		return false
	}
	return cs.Verify(pub, tbs, signature)
}

type encryptContext struct {
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func encryptWithLabel(cs CipherSuiteProvider, pub HPKEPublicKey, label string, context, pt []byte) (HPKECiphertext, error) {
	info, err := marshal(encryptContext{Label: []byte(mlsLabelPrefix + label), Context: context})
	if err != nil {
		return HPKECiphertext{}, err
	}
	return cs.HPKESeal(pub, info, nil, pt)
}

func decryptWithLabel(cs CipherSuiteProvider, priv HPKEPrivateKey, label string, context []byte, ct HPKECiphertext) ([]byte, error) {
	info, err := marshal(encryptContext{Label: []byte(mlsLabelPrefix + label), Context: context})
	if err != nil {
		return nil, err
	}
	return cs.HPKEOpen(priv, info, nil, ct)
}

type refHashInput struct {
	Label []byte `tls:"head=1"`
	Value []byte `tls:"head=4"`
}

func refHash(cs CipherSuiteProvider, label string, value []byte) ([]byte, error) {
	enc, err := marshal(refHashInput{Label: []byte(label), Value: value})
	if err != nil {
		return nil, err
	}
	return cs.Hash(enc), nil
}
