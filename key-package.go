package mls

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

const keyPackageRefLabel = "MLS 1.0 KeyPackage Reference"

// DefaultKeyPackageValidity is the lifetime given to new key packages.
const DefaultKeyPackageValidity = 90 * 24 * time.Hour

type KeyPackageRef []byte

func (r KeyPackageRef) Equals(o KeyPackageRef) bool {
	return bytes.Equal(r, o)
}

// struct {
//     ProtocolVersion version;
//     CipherSuite cipher_suite;
//     HPKEPublicKey init_key;
//     LeafNode leaf_node;
//     Extension extensions<V>;
//     opaque signature<V>;
// } KeyPackage;
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  ExtensionList
	Signature   []byte `tls:"head=2"`
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  ExtensionList
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return marshal(keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		LeafNode:    kp.LeafNode,
		Extensions:  kp.Extensions,
	})
}

func (kp *KeyPackage) sign(cs CipherSuiteProvider, priv SignaturePrivateKey) error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	kp.Signature, err = signWithLabel(cs, priv, "KeyPackageTBS", tbs)
	return err
}

func (kp KeyPackage) verifySignature(cs CipherSuiteProvider) error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	if !verifyWithLabel(cs, kp.LeafNode.SignatureKey, "KeyPackageTBS", tbs, kp.Signature) {
		return validationError("key-package", ErrInvalidSignature)
	}
	return nil
}

// Ref identifies the key package in Welcome messages and Add ordering.
func (kp KeyPackage) Ref(cs CipherSuiteProvider) (KeyPackageRef, error) {
	enc, err := marshal(kp)
	if err != nil {
		return nil, err
	}
	return refHash(cs, keyPackageRefLabel, enc)
}

func (kp KeyPackage) validate(v leafValidation) error {
	if kp.Version != ProtocolVersionMLS10 || kp.CipherSuite != v.cs.CipherSuite() {
		return validationError("key-package", ErrSuiteMismatch)
	}

	if err := kp.verifySignature(v.cs); err != nil {
		return err
	}

	if kp.InitKey.Equals(kp.LeafNode.EncryptionKey) {
		return validationError("key-package", fmt.Errorf("init key equals leaf encryption key"))
	}

	v.source = LeafNodeSourceKeyPackage
	return kp.LeafNode.validate(v)
}

// KeyPackageBundle keeps the private halves of a key package with it.
type KeyPackageBundle struct {
	KeyPackage     KeyPackage
	InitPriv       HPKEPrivateKey
	EncryptionPriv HPKEPrivateKey
	SignaturePriv  SignaturePrivateKey
}

type KeyPackageOptions struct {
	Now            time.Time
	Validity       time.Duration
	Capabilities   *Capabilities
	Extensions     ExtensionList
	LeafExtensions ExtensionList
}

// NewKeyPackageBundle creates fresh init and leaf encryption keys and signs a
// key package for the credential.
func NewKeyPackageBundle(cs CipherSuiteProvider, cred Credential, sigPriv SignaturePrivateKey, opts KeyPackageOptions) (*KeyPackageBundle, error) {
	initPriv, err := cs.HPKEGenerate()
	if err != nil {
		return nil, err
	}

	encPriv, err := cs.HPKEGenerate()
	if err != nil {
		return nil, err
	}

	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Validity == 0 {
		opts.Validity = DefaultKeyPackageValidity
	}

	caps := DefaultCapabilities(cs.CipherSuite())
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}

	leafExts := opts.LeafExtensions
	if leafExts.Entries == nil {
		leafExts = NewExtensionList()
	}
	kpExts := opts.Extensions
	if kpExts.Entries == nil {
		kpExts = NewExtensionList()
	}

	leaf := LeafNode{
		EncryptionKey: encPriv.PublicKey,
		SignatureKey:  sigPriv.PublicKey,
		Credential:    cred,
		Capabilities:  caps,
		Source:        LeafNodeSourceKeyPackage,
		Lifetime:      NewLifetime(opts.Now, opts.Validity),
		Extensions:    leafExts,
	}
	if err := leaf.sign(cs, sigPriv, nil, 0); err != nil {
		return nil, err
	}

	kp := KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: cs.CipherSuite(),
		InitKey:     initPriv.PublicKey,
		LeafNode:    leaf,
		Extensions:  kpExts,
	}
	if err := kp.sign(cs, sigPriv); err != nil {
		return nil, err
	}

	return &KeyPackageBundle{
		KeyPackage:     kp,
		InitPriv:       initPriv,
		EncryptionPriv: encPriv,
		SignaturePriv:  sigPriv,
	}, nil
}

func (b *KeyPackageBundle) zeroize() {
	b.InitPriv.zeroize()
}

///
/// Key package stores
///

// KeyPackageStore holds the private halves of published key packages, looked
// up by reference when a Welcome arrives.
type KeyPackageStore interface {
	KeyPackage(ref KeyPackageRef) (*KeyPackageBundle, bool)
}

// MemoryKeyPackageStore is an in-memory KeyPackageStore safe for concurrent
// use.
type MemoryKeyPackageStore struct {
	mu      sync.RWMutex
	bundles map[string]*KeyPackageBundle
}

func NewMemoryKeyPackageStore() *MemoryKeyPackageStore {
	return &MemoryKeyPackageStore{bundles: map[string]*KeyPackageBundle{}}
}

// Add stores a bundle under its key package reference.
func (s *MemoryKeyPackageStore) Add(cs CipherSuiteProvider, b *KeyPackageBundle) (KeyPackageRef, error) {
	ref, err := b.KeyPackage.Ref(cs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[string(ref)] = b
	return ref, nil
}

// Remove drops a bundle and zeroizes its init key.
func (s *MemoryKeyPackageStore) Remove(ref KeyPackageRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bundles[string(ref)]; ok {
		b.zeroize()
		delete(s.bundles, string(ref))
	}
}

func (s *MemoryKeyPackageStore) KeyPackage(ref KeyPackageRef) (*KeyPackageBundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[string(ref)]
	return b, ok
}

func (s *MemoryKeyPackageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bundles)
}
