package mls

import (
	"fmt"
)

type ExtensionType uint16

const (
	ExtensionTypeApplicationID        ExtensionType = 0x0001
	ExtensionTypeRatchetTree          ExtensionType = 0x0002
	ExtensionTypeRequiredCapabilities ExtensionType = 0x0003
	ExtensionTypeExternalPub          ExtensionType = 0x0004
	ExtensionTypeExternalSenders      ExtensionType = 0x0005
)

// Extension types every implementation understands; they never need to be
// advertised in a leaf's capabilities.
var defaultExtensionTypes = []ExtensionType{
	ExtensionTypeApplicationID,
	ExtensionTypeRatchetTree,
	ExtensionTypeRequiredCapabilities,
	ExtensionTypeExternalPub,
	ExtensionTypeExternalSenders,
}

func isDefaultExtension(t ExtensionType) bool {
	for _, d := range defaultExtensionTypes {
		if d == t {
			return true
		}
	}
	return false
}

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=4"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=4"`
}

func NewExtensionList() ExtensionList {
	return ExtensionList{[]Extension{}}
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	// Otherwise append
	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Has(t ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == t {
			return true
		}
	}
	return false
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			if err := unmarshal(ext.ExtensionData, dst); err != nil {
				return true, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (el *ExtensionList) Remove(t ExtensionType) {
	kept := el.Entries[:0]
	for _, ext := range el.Entries {
		if ext.ExtensionType != t {
			kept = append(kept, ext)
		}
	}
	el.Entries = kept
}

func (el ExtensionList) Types() []ExtensionType {
	types := make([]ExtensionType, len(el.Entries))
	for i, ext := range el.Entries {
		types[i] = ext.ExtensionType
	}
	return types
}

func (el ExtensionList) Clone() ExtensionList {
	out := ExtensionList{Entries: make([]Extension, len(el.Entries))}
	for i, ext := range el.Entries {
		out.Entries[i] = Extension{ext.ExtensionType, dup(ext.ExtensionData)}
	}
	return out
}

// ValidForTLS rejects lists that repeat an extension type.
func (el ExtensionList) ValidForTLS() error {
	seen := map[ExtensionType]bool{}
	for _, ext := range el.Entries {
		if seen[ext.ExtensionType] {
			return fmt.Errorf("duplicate extension type %d", ext.ExtensionType)
		}
		seen[ext.ExtensionType] = true
	}
	return nil
}

//////////

type ApplicationIDExtension struct {
	ApplicationID []byte `tls:"head=2"`
}

func (ApplicationIDExtension) Type() ExtensionType {
	return ExtensionTypeApplicationID
}

// RatchetTreeExtension carries the public tree to joiners.
type RatchetTreeExtension struct {
	Tree *RatchetTree
}

func (RatchetTreeExtension) Type() ExtensionType {
	return ExtensionTypeRatchetTree
}

func (rte RatchetTreeExtension) MarshalTLS() ([]byte, error) {
	if rte.Tree == nil {
		return nil, fmt.Errorf("ratchet tree extension without tree")
	}
	return rte.Tree.MarshalTLS()
}

func (rte *RatchetTreeExtension) UnmarshalTLS(data []byte) (int, error) {
	rte.Tree = new(RatchetTree)
	return rte.Tree.UnmarshalTLS(data)
}

type RequiredCapabilitiesExtension struct {
	Extensions  []ExtensionType  `tls:"head=1"`
	Proposals   []ProposalType   `tls:"head=1"`
	Credentials []CredentialType `tls:"head=1"`
}

func (RequiredCapabilitiesExtension) Type() ExtensionType {
	return ExtensionTypeRequiredCapabilities
}

// ExternalPubExtension publishes the key external joiners encrypt to.
type ExternalPubExtension struct {
	ExternalPub HPKEPublicKey
}

func (ExternalPubExtension) Type() ExtensionType {
	return ExtensionTypeExternalPub
}

type ExternalSender struct {
	SignatureKey SignaturePublicKey
	Credential   Credential
}

type ExternalSendersExtension struct {
	Senders []ExternalSender `tls:"head=4"`
}

func (ExternalSendersExtension) Type() ExtensionType {
	return ExtensionTypeExternalSenders
}
