package mls

import (
	"fmt"
	"time"
)

type ProtocolVersion uint16

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x0001
)

func (v ProtocolVersion) ValidForTLS() error {
	return validateEnum(v, ProtocolVersionMLS10)
}

type Capabilities struct {
	Versions     []ProtocolVersion `tls:"head=1"`
	CipherSuites []CipherSuite     `tls:"head=1"`
	Extensions   []ExtensionType   `tls:"head=1"`
	Proposals    []ProposalType    `tls:"head=1"`
	Credentials  []CredentialType  `tls:"head=1"`
}

// DefaultCapabilities advertises the given suite, MLS 1.0 and both
// credential types.
func DefaultCapabilities(suite CipherSuite) Capabilities {
	return Capabilities{
		Versions:     []ProtocolVersion{ProtocolVersionMLS10},
		CipherSuites: []CipherSuite{suite},
		Extensions:   []ExtensionType{},
		Proposals:    []ProposalType{},
		Credentials:  []CredentialType{CredentialTypeBasic, CredentialTypeX509},
	}
}

func (c Capabilities) supportsExtension(t ExtensionType) bool {
	if isDefaultExtension(t) {
		return true
	}
	for _, e := range c.Extensions {
		if e == t {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsProposal(t ProposalType) bool {
	if t.isDefault() {
		return true
	}
	for _, p := range c.Proposals {
		if p == t {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsCredential(t CredentialType) bool {
	for _, ct := range c.Credentials {
		if ct == t {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsSuite(cs CipherSuite) bool {
	for _, s := range c.CipherSuites {
		if s == cs {
			return true
		}
	}
	return false
}

func (c Capabilities) meets(req RequiredCapabilitiesExtension) bool {
	for _, e := range req.Extensions {
		if !c.supportsExtension(e) {
			return false
		}
	}
	for _, p := range req.Proposals {
		if !c.supportsProposal(p) {
			return false
		}
	}
	for _, ct := range req.Credentials {
		if !c.supportsCredential(ct) {
			return false
		}
	}
	return true
}

// Lifetime bounds are Unix seconds and inclusive on both ends.
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

func NewLifetime(now time.Time, validity time.Duration) Lifetime {
	// Allow for some clock skew at the start of the window.
	start := now.Add(-time.Hour)
	return Lifetime{
		NotBefore: uint64(start.Unix()),
		NotAfter:  uint64(now.Add(validity).Unix()),
	}
}

func (l Lifetime) ValidAt(t time.Time) bool {
	if t.Unix() < 0 {
		return false
	}
	now := uint64(t.Unix())
	return l.NotBefore <= now && now <= l.NotAfter
}

type LeafNodeSource uint8

const (
	LeafNodeSourceKeyPackage LeafNodeSource = 0x01
	LeafNodeSourceUpdate     LeafNodeSource = 0x02
	LeafNodeSourceCommit     LeafNodeSource = 0x03
)

func (s LeafNodeSource) ValidForTLS() error {
	return validateEnum(s, LeafNodeSourceKeyPackage, LeafNodeSourceUpdate, LeafNodeSourceCommit)
}

// struct {
//     HPKEPublicKey encryption_key;
//     SignaturePublicKey signature_key;
//     Credential credential;
//     Capabilities capabilities;
//     LeafNodeSource leaf_node_source;
//     select (LeafNode.leaf_node_source) {
//         case key_package: Lifetime lifetime;
//         case update:      struct{};
//         case commit:      opaque parent_hash<V>;
//     };
//     Extension extensions<V>;
//     opaque signature<V>;
// } LeafNode;
type LeafNode struct {
	EncryptionKey HPKEPublicKey
	SignatureKey  SignaturePublicKey
	Credential    Credential
	Capabilities  Capabilities
	Source        LeafNodeSource
	Lifetime      Lifetime
	ParentHash    []byte
	Extensions    ExtensionList
	Signature     []byte
}

func (ln LeafNode) writeContent(s *WriteStream) error {
	err := s.WriteAll(ln.EncryptionKey, ln.SignatureKey, ln.Credential, ln.Capabilities, ln.Source)
	if err != nil {
		return err
	}

	switch ln.Source {
	case LeafNodeSourceKeyPackage:
		err = s.Write(ln.Lifetime)
	case LeafNodeSourceUpdate:
	case LeafNodeSourceCommit:
		err = s.Write(opaque1{ln.ParentHash})
	default:
		err = codecError("leaf-node", fmt.Errorf("unknown leaf node source %d", ln.Source))
	}
	if err != nil {
		return err
	}

	return s.Write(ln.Extensions)
}

func (ln LeafNode) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := ln.writeContent(s); err != nil {
		return nil, err
	}
	if err := s.Write(opaque2{ln.Signature}); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (ln *LeafNode) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	_, err := s.ReadAll(&ln.EncryptionKey, &ln.SignatureKey, &ln.Credential, &ln.Capabilities, &ln.Source)
	if err != nil {
		return 0, err
	}

	switch ln.Source {
	case LeafNodeSourceKeyPackage:
		_, err = s.Read(&ln.Lifetime)
	case LeafNodeSourceUpdate:
	case LeafNodeSourceCommit:
		var ph opaque1
		_, err = s.Read(&ph)
		ln.ParentHash = ph.Data
	}
	if err != nil {
		return 0, err
	}

	var sig opaque2
	if _, err = s.ReadAll(&ln.Extensions, &sig); err != nil {
		return 0, err
	}
	ln.Signature = sig.Data

	return s.Position(), nil
}

// The signed content binds update and commit leaves to a group position.
func (ln LeafNode) toBeSigned(groupID []byte, leaf LeafIndex) ([]byte, error) {
	s := NewWriteStream()
	if err := ln.writeContent(s); err != nil {
		return nil, err
	}

	if ln.Source == LeafNodeSourceUpdate || ln.Source == LeafNodeSourceCommit {
		if err := s.WriteAll(opaque1{groupID}, leaf); err != nil {
			return nil, err
		}
	}

	return s.Data(), nil
}

func (ln *LeafNode) sign(cs CipherSuiteProvider, priv SignaturePrivateKey, groupID []byte, leaf LeafIndex) error {
	if !priv.PublicKey.Equals(ln.SignatureKey) {
		return validationError("leaf-node", fmt.Errorf("signing key does not match leaf signature key"))
	}

	tbs, err := ln.toBeSigned(groupID, leaf)
	if err != nil {
		return err
	}

	ln.Signature, err = signWithLabel(cs, priv, "LeafNodeTBS", tbs)
	return err
}

func (ln LeafNode) verify(cs CipherSuiteProvider, groupID []byte, leaf LeafIndex) error {
	tbs, err := ln.toBeSigned(groupID, leaf)
	if err != nil {
		return err
	}

	if !verifyWithLabel(cs, ln.SignatureKey, "LeafNodeTBS", tbs, ln.Signature) {
		return validationError("leaf-node", ErrInvalidSignature)
	}
	return nil
}

// leafValidation is the group context a leaf node is checked against.
type leafValidation struct {
	cs        CipherSuiteProvider
	groupID   []byte
	leaf      LeafIndex
	source    LeafNodeSource
	now       time.Time
	lifetimes bool
	validator IdentityValidator
	required  *RequiredCapabilitiesExtension
	groupExts ExtensionList
}

func (ln LeafNode) validate(v leafValidation) error {
	if ln.Source != v.source {
		return validationError("leaf-node", fmt.Errorf("unexpected leaf node source %d", ln.Source))
	}

	if err := ln.verify(v.cs, v.groupID, v.leaf); err != nil {
		return err
	}

	if v.validator != nil {
		if err := v.validator.Validate(ln.Credential, ln.SignatureKey); err != nil {
			return err
		}
	}

	if !ln.Capabilities.supportsCredential(ln.Credential.Type()) {
		return validationError("leaf-node", fmt.Errorf("credential type %d not in capabilities", ln.Credential.Type()))
	}

	if !ln.Capabilities.supportsSuite(v.cs.CipherSuite()) {
		return validationError("leaf-node", fmt.Errorf("%w: leaf does not support %v", ErrSuiteMismatch, v.cs.CipherSuite()))
	}

	if v.source == LeafNodeSourceKeyPackage && v.lifetimes && !ln.Lifetime.ValidAt(v.now) {
		return validationError("leaf-node", ErrLifetime)
	}

	if v.required != nil && !ln.Capabilities.meets(*v.required) {
		return validationError("leaf-node", fmt.Errorf("leaf does not meet required capabilities"))
	}

	for _, t := range v.groupExts.Types() {
		if !ln.Capabilities.supportsExtension(t) {
			return validationError("leaf-node", fmt.Errorf("leaf does not support group extension %d", t))
		}
	}

	for _, t := range ln.Extensions.Types() {
		if !ln.Capabilities.supportsExtension(t) {
			return validationError("leaf-node", fmt.Errorf("leaf extension %d not in capabilities", t))
		}
	}

	return nil
}

func (ln LeafNode) Clone() LeafNode {
	out := ln
	out.EncryptionKey = HPKEPublicKey{dup(ln.EncryptionKey.Data)}
	out.SignatureKey = SignaturePublicKey{dup(ln.SignatureKey.Data)}
	out.ParentHash = dup(ln.ParentHash)
	out.Extensions = ln.Extensions.Clone()
	out.Signature = dup(ln.Signature)
	return out
}
