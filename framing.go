package mls

import (
	"fmt"
)

type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 0x0001
	WireFormatPrivateMessage WireFormat = 0x0002
	WireFormatWelcome        WireFormat = 0x0003
	WireFormatGroupInfo      WireFormat = 0x0004
	WireFormatKeyPackage     WireFormat = 0x0005
)

func (wf WireFormat) ValidForTLS() error {
	return validateEnum(wf, WireFormatPublicMessage, WireFormatPrivateMessage,
		WireFormatWelcome, WireFormatGroupInfo, WireFormatKeyPackage)
}

func (wf WireFormat) String() string {
	switch wf {
	case WireFormatPublicMessage:
		return "public_message"
	case WireFormatPrivateMessage:
		return "private_message"
	case WireFormatWelcome:
		return "welcome"
	case WireFormatGroupInfo:
		return "group_info"
	case WireFormatKeyPackage:
		return "key_package"
	default:
		return fmt.Sprintf("WireFormat(%d)", uint16(wf))
	}
}

type ContentType uint8

const (
	ContentTypeApplication ContentType = 0x01
	ContentTypeProposal    ContentType = 0x02
	ContentTypeCommit      ContentType = 0x03
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

///
/// Sender
///

type SenderType uint8

const (
	SenderTypeMember            SenderType = 0x01
	SenderTypeExternal          SenderType = 0x02
	SenderTypeNewMemberProposal SenderType = 0x03
	SenderTypeNewMemberCommit   SenderType = 0x04
)

func (st SenderType) ValidForTLS() error {
	return validateEnum(st, SenderTypeMember, SenderTypeExternal,
		SenderTypeNewMemberProposal, SenderTypeNewMemberCommit)
}

// Sender identifies who framed a message. Leaf is meaningful for members,
// Index for external senders.
type Sender struct {
	Type  SenderType
	Leaf  LeafIndex
	Index uint32
}

func MemberSender(leaf LeafIndex) Sender {
	return Sender{Type: SenderTypeMember, Leaf: leaf}
}

func (s Sender) MarshalTLS() ([]byte, error) {
	w := NewWriteStream()
	if err := w.Write(s.Type); err != nil {
		return nil, err
	}

	var err error
	switch s.Type {
	case SenderTypeMember:
		err = w.Write(s.Leaf)
	case SenderTypeExternal:
		err = w.Write(s.Index)
	}
	if err != nil {
		return nil, err
	}
	return w.Data(), nil
}

func (s *Sender) UnmarshalTLS(data []byte) (int, error) {
	r := NewReadStream(data)
	if _, err := r.Read(&s.Type); err != nil {
		return 0, err
	}

	var err error
	switch s.Type {
	case SenderTypeMember:
		_, err = r.Read(&s.Leaf)
	case SenderTypeExternal:
		_, err = r.Read(&s.Index)
	}
	if err != nil {
		return 0, err
	}
	return r.Position(), nil
}

///
/// FramedContent
///

// struct {
//     opaque group_id<V>;
//     uint64 epoch;
//     Sender sender;
//     opaque authenticated_data<V>;
//     ContentType content_type;
//     select (FramedContent.content_type) {
//         case application: opaque application_data<V>;
//         case proposal:    Proposal proposal;
//         case commit:      Commit commit;
//     };
// } FramedContent;
type FramedContent struct {
	GroupID           []byte
	Epoch             uint64
	Sender            Sender
	AuthenticatedData []byte
	Application       []byte
	Proposal          *Proposal
	Commit            *Commit
}

func (c FramedContent) ContentType() ContentType {
	switch {
	case c.Proposal != nil:
		return ContentTypeProposal
	case c.Commit != nil:
		return ContentTypeCommit
	default:
		return ContentTypeApplication
	}
}

func writeContentBody(s *WriteStream, c FramedContent) error {
	switch c.ContentType() {
	case ContentTypeProposal:
		return s.Write(c.Proposal)
	case ContentTypeCommit:
		return s.Write(c.Commit)
	default:
		return s.Write(opaque4{c.Application})
	}
}

func readContentBody(s *ReadStream, ct ContentType, c *FramedContent) error {
	var err error
	switch ct {
	case ContentTypeProposal:
		c.Proposal = new(Proposal)
		_, err = s.Read(c.Proposal)
	case ContentTypeCommit:
		c.Commit = new(Commit)
		_, err = s.Read(c.Commit)
	case ContentTypeApplication:
		var app opaque4
		_, err = s.Read(&app)
		c.Application = app.Data
	default:
		err = codecError("framing", fmt.Errorf("unknown content type %d", ct))
	}
	return err
}

func (c FramedContent) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	err := s.WriteAll(opaque1{c.GroupID}, c.Epoch, c.Sender, opaque4{c.AuthenticatedData}, c.ContentType())
	if err != nil {
		return nil, err
	}
	if err := writeContentBody(s, c); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *FramedContent) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var groupID opaque1
	var authData opaque4
	var ct ContentType
	if _, err := s.ReadAll(&groupID, &c.Epoch, &c.Sender, &authData, &ct); err != nil {
		return 0, err
	}
	c.GroupID = groupID.Data
	c.AuthenticatedData = authData.Data

	if err := readContentBody(s, ct, c); err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// FramedContentAuthData carries the signature and, for commits, the
// confirmation tag. Its encoding depends on the content type.
type FramedContentAuthData struct {
	Signature       []byte
	ConfirmationTag []byte
}

func (a FramedContentAuthData) write(s *WriteStream, ct ContentType) error {
	if err := s.Write(opaque2{a.Signature}); err != nil {
		return err
	}
	if ct == ContentTypeCommit {
		return s.Write(opaque1{a.ConfirmationTag})
	}
	return nil
}

func (a *FramedContentAuthData) read(s *ReadStream, ct ContentType) error {
	var sig opaque2
	if _, err := s.Read(&sig); err != nil {
		return err
	}
	a.Signature = sig.Data

	if ct == ContentTypeCommit {
		var tag opaque1
		if _, err := s.Read(&tag); err != nil {
			return err
		}
		a.ConfirmationTag = tag.Data
	}
	return nil
}

// AuthenticatedContent is the unit that is signed, transcript-hashed and
// referenced by proposal refs.
type AuthenticatedContent struct {
	WireFormat WireFormat
	Content    FramedContent
	Auth       FramedContentAuthData
}

func (ac AuthenticatedContent) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := s.WriteAll(ac.WireFormat, ac.Content); err != nil {
		return nil, err
	}
	if err := ac.Auth.write(s, ac.Content.ContentType()); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (ac *AuthenticatedContent) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	if _, err := s.ReadAll(&ac.WireFormat, &ac.Content); err != nil {
		return 0, err
	}
	if err := ac.Auth.read(s, ac.Content.ContentType()); err != nil {
		return 0, err
	}
	return s.Position(), nil
}

func contentToBeSigned(wf WireFormat, content FramedContent, gc *GroupContext) ([]byte, error) {
	s := NewWriteStream()
	if err := s.WriteAll(ProtocolVersionMLS10, wf, content); err != nil {
		return nil, err
	}

	switch content.Sender.Type {
	case SenderTypeMember, SenderTypeNewMemberCommit:
		if gc == nil {
			return nil, stateError("framing", fmt.Errorf("group context required for sender type %d", content.Sender.Type))
		}
		if err := s.Write(gc); err != nil {
			return nil, err
		}
	}
	return s.Data(), nil
}

func (ac *AuthenticatedContent) sign(cs CipherSuiteProvider, priv SignaturePrivateKey, gc *GroupContext) error {
	tbs, err := contentToBeSigned(ac.WireFormat, ac.Content, gc)
	if err != nil {
		return err
	}

	ac.Auth.Signature, err = signWithLabel(cs, priv, "FramedContentTBS", tbs)
	return err
}

func (ac AuthenticatedContent) verify(cs CipherSuiteProvider, pub SignaturePublicKey, gc *GroupContext) error {
	tbs, err := contentToBeSigned(ac.WireFormat, ac.Content, gc)
	if err != nil {
		return err
	}

	if !verifyWithLabel(cs, pub, "FramedContentTBS", tbs, ac.Auth.Signature) {
		return validationError("framing", ErrInvalidSignature)
	}
	return nil
}

// Ref is the proposal reference of a proposal message.
func (ac AuthenticatedContent) proposalRef(cs CipherSuiteProvider) (ProposalRef, error) {
	enc, err := marshal(ac)
	if err != nil {
		return nil, err
	}
	return refHash(cs, proposalRefLabel, enc)
}

func (ac AuthenticatedContent) membershipTagInput(gc *GroupContext) ([]byte, error) {
	tbs, err := contentToBeSigned(ac.WireFormat, ac.Content, gc)
	if err != nil {
		return nil, err
	}

	s := NewWriteStream()
	if err := ac.Auth.write(s, ac.Content.ContentType()); err != nil {
		return nil, err
	}
	return append(tbs, s.Data()...), nil
}

///
/// PublicMessage
///

type PublicMessage struct {
	Content       FramedContent
	Auth          FramedContentAuthData
	MembershipTag []byte
}

func (pm PublicMessage) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := s.Write(pm.Content); err != nil {
		return nil, err
	}
	if err := pm.Auth.write(s, pm.Content.ContentType()); err != nil {
		return nil, err
	}
	if pm.Content.Sender.Type == SenderTypeMember {
		if err := s.Write(opaque1{pm.MembershipTag}); err != nil {
			return nil, err
		}
	}
	return s.Data(), nil
}

func (pm *PublicMessage) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	if _, err := s.Read(&pm.Content); err != nil {
		return 0, err
	}
	if err := pm.Auth.read(s, pm.Content.ContentType()); err != nil {
		return 0, err
	}
	if pm.Content.Sender.Type == SenderTypeMember {
		var tag opaque1
		if _, err := s.Read(&tag); err != nil {
			return 0, err
		}
		pm.MembershipTag = tag.Data
	}
	return s.Position(), nil
}

func (pm PublicMessage) authenticatedContent() AuthenticatedContent {
	return AuthenticatedContent{
		WireFormat: WireFormatPublicMessage,
		Content:    pm.Content,
		Auth:       pm.Auth,
	}
}

func newPublicMessage(cs CipherSuiteProvider, ac AuthenticatedContent, membershipKey []byte, gc *GroupContext) (*PublicMessage, error) {
	pm := &PublicMessage{Content: ac.Content, Auth: ac.Auth}
	if ac.Content.Sender.Type == SenderTypeMember {
		input, err := ac.membershipTagInput(gc)
		if err != nil {
			return nil, err
		}
		pm.MembershipTag = cs.MAC(membershipKey, input)
	}
	return pm, nil
}

func (pm PublicMessage) verifyMembershipTag(cs CipherSuiteProvider, membershipKey []byte, gc *GroupContext) error {
	if pm.Content.Sender.Type != SenderTypeMember {
		return nil
	}

	input, err := pm.authenticatedContent().membershipTagInput(gc)
	if err != nil {
		return err
	}
	if !constantTimeEqual(cs.MAC(membershipKey, input), pm.MembershipTag) {
		return validationError("framing", ErrInvalidMembershipTag)
	}
	return nil
}

///
/// PrivateMessage
///

type PrivateMessage struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               uint64
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

type senderData struct {
	Leaf       LeafIndex
	Generation uint32
	ReuseGuard [4]byte
}

type senderDataAAD struct {
	GroupID     []byte `tls:"head=1"`
	Epoch       uint64
	ContentType ContentType
}

type privateContentAAD struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             uint64
	ContentType       ContentType
	AuthenticatedData []byte `tls:"head=4"`
}

// privateMessageContent is the plaintext of a PrivateMessage: body, auth data
// and zero padding.
func marshalPrivateContent(content FramedContent, auth FramedContentAuthData, padding int) ([]byte, error) {
	s := NewWriteStream()
	if err := writeContentBody(s, content); err != nil {
		return nil, err
	}
	if err := auth.write(s, content.ContentType()); err != nil {
		return nil, err
	}
	return append(s.Data(), make([]byte, padding)...), nil
}

func unmarshalPrivateContent(data []byte, ct ContentType, content *FramedContent) (FramedContentAuthData, error) {
	var auth FramedContentAuthData
	s := NewReadStream(data)
	if err := readContentBody(s, ct, content); err != nil {
		return auth, err
	}
	if err := auth.read(s, ct); err != nil {
		return auth, err
	}
	if !isZero(data[s.Position():]) {
		return auth, codecError("framing", fmt.Errorf("non-zero padding"))
	}
	return auth, nil
}

///
/// MLSMessage
///

// MLSMessage is the outer envelope of everything sent on the wire.
type MLSMessage struct {
	Version        ProtocolVersion
	PublicMessage  *PublicMessage
	PrivateMessage *PrivateMessage
	Welcome        *Welcome
	GroupInfo      *GroupInfo
	KeyPackage     *KeyPackage
}

func (m MLSMessage) WireFormat() WireFormat {
	switch {
	case m.PublicMessage != nil:
		return WireFormatPublicMessage
	case m.PrivateMessage != nil:
		return WireFormatPrivateMessage
	case m.Welcome != nil:
		return WireFormatWelcome
	case m.GroupInfo != nil:
		return WireFormatGroupInfo
	case m.KeyPackage != nil:
		return WireFormatKeyPackage
	default:
		return 0
	}
}

func (m MLSMessage) MarshalTLS() ([]byte, error) {
	wf := m.WireFormat()
	if wf == 0 {
		return nil, codecError("message", fmt.Errorf("empty message"))
	}

	s := NewWriteStream()
	if err := s.WriteAll(m.Version, wf); err != nil {
		return nil, err
	}

	var err error
	switch wf {
	case WireFormatPublicMessage:
		err = s.Write(m.PublicMessage)
	case WireFormatPrivateMessage:
		err = s.Write(m.PrivateMessage)
	case WireFormatWelcome:
		err = s.Write(m.Welcome)
	case WireFormatGroupInfo:
		err = s.Write(m.GroupInfo)
	case WireFormatKeyPackage:
		err = s.Write(m.KeyPackage)
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var wf WireFormat
	if _, err := s.ReadAll(&m.Version, &wf); err != nil {
		return 0, err
	}

	var err error
	switch wf {
	case WireFormatPublicMessage:
		m.PublicMessage = new(PublicMessage)
		_, err = s.Read(m.PublicMessage)
	case WireFormatPrivateMessage:
		m.PrivateMessage = new(PrivateMessage)
		_, err = s.Read(m.PrivateMessage)
	case WireFormatWelcome:
		m.Welcome = new(Welcome)
		_, err = s.Read(m.Welcome)
	case WireFormatGroupInfo:
		m.GroupInfo = new(GroupInfo)
		_, err = s.Read(m.GroupInfo)
	case WireFormatKeyPackage:
		m.KeyPackage = new(KeyPackage)
		_, err = s.Read(m.KeyPackage)
	default:
		err = codecError("message", fmt.Errorf("unknown wire format %d", wf))
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// EncodeMessage serializes a message for transport.
func EncodeMessage(m *MLSMessage) ([]byte, error) {
	return marshal(m)
}

// DecodeMessage parses a message received from transport.
func DecodeMessage(data []byte) (*MLSMessage, error) {
	m := new(MLSMessage)
	if err := unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
