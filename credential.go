package mls

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"
)

type CredentialType uint16

const (
	CredentialTypeBasic CredentialType = 0x0001
	CredentialTypeX509  CredentialType = 0x0002
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic, CredentialTypeX509)
}

// struct {
//     opaque identity<0..2^16-1>;
// } BasicCredential;
type BasicCredential struct {
	Identity []byte `tls:"head=2"`
}

// case x509:
//     opaque cert_data<1..2^24-1>;
type X509Credential struct {
	Chain []*x509.Certificate
}

func (cred X509Credential) PublicKey() (*SignaturePublicKey, error) {
	switch pub := cred.Chain[0].PublicKey.(type) {
	case *ecdsa.PublicKey:
		keyData := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
		return &SignaturePublicKey{Data: keyData}, nil

	case ed25519.PublicKey:
		return &SignaturePublicKey{Data: pub}, nil
	}

	return nil, fmt.Errorf("unsupported public key type in certificate")
}

type certChainData struct {
	Data []byte `tls:"head=3"`
}

func (cred X509Credential) Equals(other *X509Credential) bool {
	if other == nil || len(cred.Chain) != len(other.Chain) {
		return false
	}

	for i, cert := range cred.Chain {
		if !cert.Equal(other.Chain[i]) {
			return false
		}
	}

	return true
}

func (cred X509Credential) MarshalTLS() ([]byte, error) {
	allCerts := []byte{}
	for _, cert := range cred.Chain {
		allCerts = append(allCerts, cert.Raw...)
	}

	return marshal(certChainData{allCerts})
}

func (cred *X509Credential) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	allCerts := new(certChainData)
	if _, err := s.Read(allCerts); err != nil {
		return 0, err
	}

	var err error
	cred.Chain, err = x509.ParseCertificates(allCerts.Data)
	if err != nil {
		return 0, codecError("credential", err)
	}
	if len(cred.Chain) == 0 {
		return 0, codecError("credential", fmt.Errorf("empty certificate chain"))
	}

	return s.Position(), nil
}

// certPool indexes trust anchors by key id and subject.
type certPool struct {
	byKeyID map[string]*x509.Certificate
	byName  map[string]*x509.Certificate
}

func newCertPool(trusted []*x509.Certificate) *certPool {
	pool := &certPool{
		byKeyID: map[string]*x509.Certificate{},
		byName:  map[string]*x509.Certificate{},
	}

	for _, cert := range trusted {
		ski := string(cert.SubjectKeyId)
		name := string(cert.RawSubject)

		pool.byName[name] = cert
		if len(ski) > 0 {
			pool.byKeyID[ski] = cert
		}
	}

	return pool
}

func (pool certPool) parent(cert *x509.Certificate) (*x509.Certificate, bool) {
	aki := string(cert.AuthorityKeyId)
	name := string(cert.RawIssuer)

	if parent, ok := pool.byKeyID[aki]; len(aki) > 0 && ok {
		return parent, true
	}

	if parent, ok := pool.byName[name]; ok {
		return parent, true
	}

	return nil, false
}

// Verify checks hop-by-hop signatures up to a trust anchor. Name constraints
// and other path policy are not evaluated.
func (cred X509Credential) Verify(trusted []*x509.Certificate) error {
	pool := newCertPool(trusted)

	var curr, next *x509.Certificate
	for i := 0; i < len(cred.Chain)-1; i++ {
		curr = cred.Chain[i]
		next = cred.Chain[i+1]

		// If there is a valid signature from a trusted certificate, the chain is valid
		parent, ok := pool.parent(curr)
		if ok && curr.CheckSignatureFrom(parent) == nil {
			return nil
		}

		// Otherwise the cert must be signed by the next cert in the chain
		if err := curr.CheckSignatureFrom(next); err != nil {
			return err
		}
	}

	last := cred.Chain[len(cred.Chain)-1]
	parent, ok := pool.parent(last)
	if !ok {
		return fmt.Errorf("no candidate trust anchor found")
	}

	return last.CheckSignatureFrom(parent)
}

//	struct {
//		CredentialType credential_type;
//		select (Credential.credential_type) {
//			case basic:
//				opaque identity<0..2^16-1>;
//			case x509:
//				opaque cert_data<1..2^24-1>;
//		};
//} Credential;
type Credential struct {
	X509  *X509Credential
	Basic *BasicCredential
}

func NewBasicCredential(identity []byte) Credential {
	return Credential{Basic: &BasicCredential{Identity: dup(identity)}}
}

func NewX509Credential(chain []*x509.Certificate) (Credential, error) {
	if len(chain) == 0 {
		return Credential{}, validationError("credential", fmt.Errorf("at least one certificate is required"))
	}

	return Credential{X509: &X509Credential{Chain: chain}}, nil
}

// compare the public aspects
func (c Credential) Equals(o Credential) bool {
	if c.Type() != o.Type() {
		return false
	}

	switch c.Type() {
	case CredentialTypeX509:
		return c.X509.Equals(o.X509)
	default:
		return bytes.Equal(c.Basic.Identity, o.Basic.Identity)
	}
}

func (c Credential) Type() CredentialType {
	if c.X509 != nil {
		return CredentialTypeX509
	}
	return CredentialTypeBasic
}

// Identity is the value used to detect duplicate members.
func (c Credential) Identity() []byte {
	switch {
	case c.X509 != nil && len(c.X509.Chain) > 0:
		return c.X509.Chain[0].RawSubject
	case c.Basic != nil:
		return c.Basic.Identity
	default:
		return nil
	}
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	credentialType := c.Type()
	err := s.Write(credentialType)
	if err != nil {
		return nil, err
	}

	switch credentialType {
	case CredentialTypeX509:
		err = s.Write(c.X509)
	case CredentialTypeBasic:
		if c.Basic == nil {
			return nil, codecError("credential", fmt.Errorf("empty credential"))
		}
		err = s.Write(c.Basic)
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var credentialType CredentialType
	_, err := s.Read(&credentialType)
	if err != nil {
		return 0, err
	}

	switch credentialType {
	case CredentialTypeX509:
		c.X509 = new(X509Credential)
		_, err = s.Read(c.X509)
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		_, err = s.Read(c.Basic)
	default:
		err = codecError("credential", fmt.Errorf("credential type not allowed %v", credentialType))
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// Identity validation
///

// IdentityValidator decides whether a credential may be used with a given
// signature key. The core only checks self-signatures; everything about who a
// credential names is delegated here.
type IdentityValidator interface {
	Validate(cred Credential, key SignaturePublicKey) error
}

// BasicIdentityValidator accepts any basic credential with a non-empty
// identity and rejects certificates.
type BasicIdentityValidator struct{}

func (BasicIdentityValidator) Validate(cred Credential, key SignaturePublicKey) error {
	if cred.Type() != CredentialTypeBasic || len(cred.Basic.Identity) == 0 {
		return validationError("credential", ErrInvalidCredential)
	}
	return nil
}

// X509IdentityValidator verifies certificate chains against trust anchors and
// requires the leaf certificate to certify the signature key. Basic
// credentials are accepted only when AllowBasic is set.
type X509IdentityValidator struct {
	Trusted    []*x509.Certificate
	AllowBasic bool
}

func (v X509IdentityValidator) Validate(cred Credential, key SignaturePublicKey) error {
	if cred.Type() == CredentialTypeBasic {
		if v.AllowBasic {
			return BasicIdentityValidator{}.Validate(cred, key)
		}
		return validationError("credential", ErrInvalidCredential)
	}

	if err := cred.X509.Verify(v.Trusted); err != nil {
		return validationError("credential", fmt.Errorf("%w: %v", ErrInvalidCredential, err))
	}

	certKey, err := cred.X509.PublicKey()
	if err != nil {
		return validationError("credential", fmt.Errorf("%w: %v", ErrInvalidCredential, err))
	}
	if !certKey.Equals(key) {
		return validationError("credential", fmt.Errorf("%w: certificate key does not match signature key", ErrInvalidCredential))
	}
	return nil
}
