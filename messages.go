package mls

import (
	"bytes"
	"fmt"
)

///
/// Proposals
///

type ProposalType uint16

const (
	ProposalTypeAdd                    ProposalType = 0x0001
	ProposalTypeUpdate                 ProposalType = 0x0002
	ProposalTypeRemove                 ProposalType = 0x0003
	ProposalTypePSK                    ProposalType = 0x0004
	ProposalTypeReInit                 ProposalType = 0x0005
	ProposalTypeExternalInit           ProposalType = 0x0006
	ProposalTypeGroupContextExtensions ProposalType = 0x0007
)

func (pt ProposalType) ValidForTLS() error {
	return validateEnum(pt, ProposalTypeAdd, ProposalTypeUpdate, ProposalTypeRemove,
		ProposalTypePSK, ProposalTypeReInit, ProposalTypeExternalInit,
		ProposalTypeGroupContextExtensions)
}

func (pt ProposalType) isDefault() bool {
	return pt >= ProposalTypeAdd && pt <= ProposalTypeGroupContextExtensions
}

func (pt ProposalType) String() string {
	switch pt {
	case ProposalTypeAdd:
		return "add"
	case ProposalTypeUpdate:
		return "update"
	case ProposalTypeRemove:
		return "remove"
	case ProposalTypePSK:
		return "psk"
	case ProposalTypeReInit:
		return "reinit"
	case ProposalTypeExternalInit:
		return "external_init"
	case ProposalTypeGroupContextExtensions:
		return "group_context_extensions"
	default:
		return fmt.Sprintf("ProposalType(%d)", uint16(pt))
	}
}

type AddProposal struct {
	KeyPackage KeyPackage
}

type UpdateProposal struct {
	LeafNode LeafNode
}

type RemoveProposal struct {
	Removed LeafIndex
}

type PreSharedKeyProposal struct {
	PSK PreSharedKeyID
}

type ReInitProposal struct {
	GroupID     []byte `tls:"head=1"`
	Version     ProtocolVersion
	CipherSuite CipherSuite
	Extensions  ExtensionList
}

type ExternalInitProposal struct {
	KEMOutput []byte `tls:"head=2"`
}

type GroupContextExtensionsProposal struct {
	Extensions ExtensionList
}

// Proposal is a tagged union; exactly one field is set.
type Proposal struct {
	Add                    *AddProposal
	Update                 *UpdateProposal
	Remove                 *RemoveProposal
	PSK                    *PreSharedKeyProposal
	ReInit                 *ReInitProposal
	ExternalInit           *ExternalInitProposal
	GroupContextExtensions *GroupContextExtensionsProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	case p.PSK != nil:
		return ProposalTypePSK
	case p.ReInit != nil:
		return ProposalTypeReInit
	case p.ExternalInit != nil:
		return ProposalTypeExternalInit
	case p.GroupContextExtensions != nil:
		return ProposalTypeGroupContextExtensions
	default:
		return 0
	}
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	proposalType := p.Type()
	if proposalType == 0 {
		return nil, codecError("proposal", fmt.Errorf("empty proposal"))
	}

	if err := s.Write(proposalType); err != nil {
		return nil, err
	}

	var err error
	switch proposalType {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	case ProposalTypePSK:
		err = s.Write(p.PSK)
	case ProposalTypeReInit:
		err = s.Write(p.ReInit)
	case ProposalTypeExternalInit:
		err = s.Write(p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		err = s.Write(p.GroupContextExtensions)
	}
	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var proposalType ProposalType
	if _, err := s.Read(&proposalType); err != nil {
		return 0, err
	}

	var err error
	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	case ProposalTypePSK:
		p.PSK = new(PreSharedKeyProposal)
		_, err = s.Read(p.PSK)
	case ProposalTypeReInit:
		p.ReInit = new(ReInitProposal)
		_, err = s.Read(p.ReInit)
	case ProposalTypeExternalInit:
		p.ExternalInit = new(ExternalInitProposal)
		_, err = s.Read(p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		p.GroupContextExtensions = new(GroupContextExtensionsProposal)
		_, err = s.Read(p.GroupContextExtensions)
	default:
		err = codecError("proposal", fmt.Errorf("unknown proposal type %d", proposalType))
	}
	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

///
/// Proposal references
///

const proposalRefLabel = "MLS 1.0 Proposal Reference"

type ProposalRef []byte

func (r ProposalRef) Equals(o ProposalRef) bool {
	return bytes.Equal(r, o)
}

func (r ProposalRef) String() string {
	return fmt.Sprintf("%x", []byte(r))
}

type ProposalOrRefType uint8

const (
	ProposalOrRefTypeProposal  ProposalOrRefType = 0x01
	ProposalOrRefTypeReference ProposalOrRefType = 0x02
)

func (t ProposalOrRefType) ValidForTLS() error {
	return validateEnum(t, ProposalOrRefTypeProposal, ProposalOrRefTypeReference)
}

// ProposalOrRef carries a proposal inline or refers to an earlier proposal
// message of the same epoch.
type ProposalOrRef struct {
	Proposal  *Proposal
	Reference ProposalRef
}

func (p ProposalOrRef) Type() ProposalOrRefType {
	if p.Proposal != nil {
		return ProposalOrRefTypeProposal
	}
	return ProposalOrRefTypeReference
}

func (p ProposalOrRef) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := s.Write(p.Type()); err != nil {
		return nil, err
	}

	var err error
	switch p.Type() {
	case ProposalOrRefTypeProposal:
		err = s.Write(p.Proposal)
	case ProposalOrRefTypeReference:
		err = s.Write(opaque1{p.Reference})
	}
	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (p *ProposalOrRef) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var t ProposalOrRefType
	if _, err := s.Read(&t); err != nil {
		return 0, err
	}

	var err error
	switch t {
	case ProposalOrRefTypeProposal:
		p.Proposal = new(Proposal)
		_, err = s.Read(p.Proposal)
	case ProposalOrRefTypeReference:
		var ref opaque1
		_, err = s.Read(&ref)
		p.Reference = ref.Data
	default:
		err = codecError("proposal", fmt.Errorf("unknown proposal or ref type %d", t))
	}
	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

///
/// Commit
///

// struct {
//     ProposalOrRef proposals<V>;
//     optional<UpdatePath> path;
// } Commit;
type Commit struct {
	Proposals []ProposalOrRef `tls:"head=4"`
	Path      *UpdatePath     `tls:"optional"`
}
