package mls

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/treekem/go-mls/log"
)

// Status is the lifecycle state of a group member.
type Status uint8

const (
	StatusActive Status = iota
	// StatusRemoved is terminal: a commit removed this member.
	StatusRemoved
	// StatusReInitPending is terminal: a ReInit was committed and the group
	// has to be restarted from the proposal's parameters.
	StatusReInitPending
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRemoved:
		return "removed"
	case StatusReInitPending:
		return "reinit-pending"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// groupState is everything a member knows about one epoch. Transitions build
// a new groupState and swap it in; a groupState is never mutated into the
// next epoch in place.
type groupState struct {
	cs        CipherSuiteProvider
	context   GroupContext
	tree      *RatchetTree
	priv      *TreeKEMPrivateKey
	keys      *keyScheduleEpoch
	interim   []byte
	tag       []byte
	index     LeafIndex
	sigPriv   SignaturePrivateKey
	proposals *proposalCache
	status    Status
	reinit    *ReInitProposal
}

func (s *groupState) zeroize() {
	if s.priv != nil {
		s.priv.Zeroize()
	}
	if s.keys != nil {
		s.keys.zeroize()
	}
	if s.proposals != nil {
		s.proposals.clear()
	}
}

// Member describes an occupied leaf.
type Member struct {
	Index        LeafIndex
	Credential   Credential
	SignatureKey SignaturePublicKey
}

// Group is one member's view of a group. All methods are safe for concurrent
// use; operations on one group are serialized.
type Group struct {
	mu         sync.Mutex
	cfg        *groupConfig
	log        log.Logger
	state      *groupState
	pending    *pendingCommit
	resumption *resumptionSecrets
}

type pendingCommit struct {
	next    *groupState
	encoded []byte
	added   []LeafIndex
}

func (p *pendingCommit) zeroize() {
	if p != nil && p.next != nil {
		p.next.zeroize()
	}
}

func newGroup(cfg *groupConfig, state *groupState) (*Group, error) {
	resumption, err := newResumptionSecrets(cfg.EpochRetention)
	if err != nil {
		return nil, err
	}

	g := &Group{
		cfg:        cfg,
		state:      state,
		resumption: resumption,
	}
	g.log = cfg.logger.Named("mls").With("group", fmt.Sprintf("%x", state.context.GroupID))
	resumption.add(state.context.GroupID, state.context.Epoch, state.keys.ResumptionPSK)
	cfg.metrics.transition(state.context.Epoch, state.tree.Size())
	return g, nil
}

func (c *groupConfig) suite(suite CipherSuite) (CipherSuiteProvider, error) {
	cs, err := c.crypto.CipherSuiteProvider(suite)
	if err != nil {
		return nil, cryptoError("group", fmt.Errorf("%w: %v", ErrUnsupportedSuite, suite))
	}
	return cs, nil
}

// NewGroup creates a one-member group at epoch 0 with the bundle's leaf.
func NewGroup(groupID []byte, bundle *KeyPackageBundle, opts ...Option) (*Group, error) {
	cfg := newGroupConfig(opts...)
	cs, err := cfg.suite(bundle.KeyPackage.CipherSuite)
	if err != nil {
		return nil, err
	}

	leaf := bundle.KeyPackage.LeafNode
	for _, t := range cfg.extensions.Types() {
		if !leaf.Capabilities.supportsExtension(t) {
			return nil, validationError("group", fmt.Errorf("creator does not support extension %d", t))
		}
	}

	tree := NewRatchetTree(cs)
	tree.SetMaxLeaves(cfg.MaxLeaves)
	if _, err := tree.AddLeaf(leaf); err != nil {
		return nil, err
	}

	treeHash, err := tree.TreeHash()
	if err != nil {
		return nil, err
	}

	epochSecret, err := cs.RandomBytes(cs.Constants().SecretSize)
	if err != nil {
		return nil, err
	}
	defer zeroize(epochSecret)

	keys, err := newKeyScheduleEpoch(cs, epochSecret, tree.Size(), cfg.MaxForwardRatchet)
	if err != nil {
		return nil, err
	}

	confirmed := []byte{}
	tag := confirmationTag(cs, keys.ConfirmationKey, confirmed)
	interim, err := interimTranscriptHash(cs, confirmed, tag)
	if err != nil {
		return nil, err
	}

	state := &groupState{
		cs: cs,
		context: GroupContext{
			Version:                 ProtocolVersionMLS10,
			CipherSuite:             cs.CipherSuite(),
			GroupID:                 dup(groupID),
			Epoch:                   0,
			TreeHash:                treeHash,
			ConfirmedTranscriptHash: confirmed,
			Extensions:              cfg.extensions.Clone(),
		},
		tree:      tree,
		priv:      NewTreeKEMPrivateKey(cs, 0, bundle.EncryptionPriv.clone()),
		keys:      keys,
		interim:   interim,
		tag:       tag,
		index:     0,
		sigPriv:   bundle.SignaturePriv,
		proposals: newProposalCache(),
	}

	g, err := newGroup(cfg, state)
	if err != nil {
		return nil, err
	}
	g.log.Debugw("group created", "suite", cs.CipherSuite().String())
	return g, nil
}

func (g *Group) active() error {
	if g.state.status != StatusActive {
		return stateError("group", fmt.Errorf("%w: %v", ErrInactive, g.state.status))
	}
	return nil
}

///
/// Accessors
///

func (g *Group) Context() GroupContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.context.Clone()
}

func (g *Group) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.context.Epoch
}

func (g *Group) GroupID() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return dup(g.state.context.GroupID)
}

func (g *Group) Index() LeafIndex {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.index
}

func (g *Group) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.status
}

// RatchetTree returns a copy of the public tree.
func (g *Group) RatchetTree() *RatchetTree {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.tree.Clone()
}

func (g *Group) Members() []Member {
	g.mu.Lock()
	defer g.mu.Unlock()

	tree := g.state.tree
	members := []Member{}
	for _, i := range tree.Members() {
		leaf, _ := tree.Leaf(i)
		members = append(members, Member{
			Index:        i,
			Credential:   leaf.Credential,
			SignatureKey: leaf.SignatureKey,
		})
	}
	return members
}

// ReInitProposal returns the committed ReInit once the group is waiting to
// be restarted.
func (g *Group) ReInitProposal() (*ReInitProposal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.reinit == nil {
		return nil, false
	}
	r := *g.state.reinit
	return &r, true
}

// Export derives a secret bound to the current epoch.
func (g *Group) Export(label string, context []byte, length int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.active(); err != nil {
		return nil, err
	}
	return g.state.keys.Export(label, context, length)
}

func (g *Group) EpochAuthenticator() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.keys == nil {
		return nil
	}
	return dup(g.state.keys.EpochAuthenticator)
}

// ResumptionSecret serves the resumption secrets of the retained epochs.
func (g *Group) ResumptionSecret(groupID []byte, epoch uint64) ([]byte, bool) {
	return g.resumption.ResumptionSecret(groupID, epoch)
}

// GroupInfoOptions selects what a published GroupInfo carries.
type GroupInfoOptions struct {
	RatchetTree bool
}

// GroupInfo returns a signed GroupInfo for the current epoch. It always
// carries the external_pub extension so that it can be used to join.
func (g *Group) GroupInfo(opts GroupInfoOptions) (*GroupInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.active(); err != nil {
		return nil, err
	}
	return g.state.groupInfo(opts.RatchetTree)
}

func (s *groupState) groupInfo(withTree bool) (*GroupInfo, error) {
	exts := NewExtensionList()
	if err := exts.Add(ExternalPubExtension{ExternalPub: s.keys.ExternalPriv.PublicKey}); err != nil {
		return nil, err
	}
	if withTree {
		if err := exts.Add(RatchetTreeExtension{Tree: s.tree}); err != nil {
			return nil, err
		}
	}

	gi := &GroupInfo{
		GroupContext:    s.context.Clone(),
		Extensions:      exts,
		ConfirmationTag: dup(s.tag),
		Signer:          s.index,
	}
	if err := gi.sign(s.cs, s.sigPriv); err != nil {
		return nil, err
	}
	return gi, nil
}

///
/// Framing
///

func (s *groupState) framedContent(authData []byte) FramedContent {
	return FramedContent{
		GroupID:           dup(s.context.GroupID),
		Epoch:             s.context.Epoch,
		Sender:            MemberSender(s.index),
		AuthenticatedData: dup(authData),
	}
}

func (s *groupState) sign(wf WireFormat, content FramedContent) (*AuthenticatedContent, error) {
	ac := &AuthenticatedContent{WireFormat: wf, Content: content}
	if err := ac.sign(s.cs, s.sigPriv, &s.context); err != nil {
		return nil, err
	}
	return ac, nil
}

// protect wraps signed content for the wire.
func (s *groupState) protect(ac *AuthenticatedContent, padding int) (*MLSMessage, error) {
	if ac.WireFormat == WireFormatPrivateMessage {
		pm, err := s.encrypt(ac, padding)
		if err != nil {
			return nil, err
		}
		return &MLSMessage{Version: ProtocolVersionMLS10, PrivateMessage: pm}, nil
	}

	pm, err := newPublicMessage(s.cs, *ac, s.keys.MembershipKey, &s.context)
	if err != nil {
		return nil, err
	}
	return &MLSMessage{Version: ProtocolVersionMLS10, PublicMessage: pm}, nil
}

func paddingFor(size, block int) int {
	if block <= 0 {
		return 0
	}
	return (block - size%block) % block
}

func (s *groupState) encrypt(ac *AuthenticatedContent, block int) (*PrivateMessage, error) {
	ct := ac.Content.ContentType()
	generation, kn, err := s.keys.keys.Next(s.index, ct)
	if err != nil {
		return nil, err
	}
	defer kn.zeroize()

	var guard [4]byte
	g, err := s.cs.RandomBytes(len(guard))
	if err != nil {
		return nil, err
	}
	copy(guard[:], g)

	unpadded, err := marshalPrivateContent(ac.Content, ac.Auth, 0)
	if err != nil {
		return nil, err
	}
	pt, err := marshalPrivateContent(ac.Content, ac.Auth, paddingFor(len(unpadded), block))
	if err != nil {
		return nil, err
	}

	aad, err := marshal(privateContentAAD{
		GroupID:           s.context.GroupID,
		Epoch:             s.context.Epoch,
		ContentType:       ct,
		AuthenticatedData: ac.Content.AuthenticatedData,
	})
	if err != nil {
		return nil, err
	}

	ciphertext, err := s.cs.AEADSeal(kn.Key, kn.applyReuseGuard(guard), aad, pt)
	if err != nil {
		return nil, err
	}

	sd, err := marshal(senderData{Leaf: s.index, Generation: generation, ReuseGuard: guard})
	if err != nil {
		return nil, err
	}
	sdAAD, err := marshal(senderDataAAD{GroupID: s.context.GroupID, Epoch: s.context.Epoch, ContentType: ct})
	if err != nil {
		return nil, err
	}

	sdKN, err := s.keys.senderDataKeyAndNonce(ciphertext)
	if err != nil {
		return nil, err
	}
	defer sdKN.zeroize()

	encSD, err := s.cs.AEADSeal(sdKN.Key, sdKN.Nonce, sdAAD, sd)
	if err != nil {
		return nil, err
	}

	return &PrivateMessage{
		GroupID:             dup(s.context.GroupID),
		Epoch:               s.context.Epoch,
		ContentType:         ct,
		AuthenticatedData:   dup(ac.Content.AuthenticatedData),
		EncryptedSenderData: encSD,
		Ciphertext:          ciphertext,
	}, nil
}

func (s *groupState) checkEpoch(groupID []byte, epoch uint64) error {
	if !bytes.Equal(groupID, s.context.GroupID) {
		return validationError("framing", ErrGroupMismatch)
	}
	if epoch != s.context.Epoch {
		return validationError("framing", fmt.Errorf("%w: have %d, got %d", ErrEpochMismatch, s.context.Epoch, epoch))
	}
	return nil
}

func (s *groupState) decrypt(pm *PrivateMessage) (*AuthenticatedContent, error) {
	if err := s.checkEpoch(pm.GroupID, pm.Epoch); err != nil {
		return nil, err
	}

	sdKN, err := s.keys.senderDataKeyAndNonce(pm.Ciphertext)
	if err != nil {
		return nil, err
	}
	defer sdKN.zeroize()

	sdAAD, err := marshal(senderDataAAD{GroupID: pm.GroupID, Epoch: pm.Epoch, ContentType: pm.ContentType})
	if err != nil {
		return nil, err
	}

	sdData, err := s.cs.AEADOpen(sdKN.Key, sdKN.Nonce, sdAAD, pm.EncryptedSenderData)
	if err != nil {
		return nil, err
	}

	var sd senderData
	if err := unmarshal(sdData, &sd); err != nil {
		return nil, err
	}

	if _, ok := s.tree.Leaf(sd.Leaf); !ok {
		return nil, validationError("framing", fmt.Errorf("%w: sender %d", ErrUnknownLeaf, sd.Leaf))
	}

	kn, err := s.keys.keys.Get(sd.Leaf, pm.ContentType, sd.Generation)
	if err != nil {
		return nil, err
	}
	defer kn.zeroize()

	aad, err := marshal(privateContentAAD{
		GroupID:           pm.GroupID,
		Epoch:             pm.Epoch,
		ContentType:       pm.ContentType,
		AuthenticatedData: pm.AuthenticatedData,
	})
	if err != nil {
		return nil, err
	}

	pt, err := s.cs.AEADOpen(kn.Key, kn.applyReuseGuard(sd.ReuseGuard), aad, pm.Ciphertext)
	if err != nil {
		s.keys.keys.restore(sd.Leaf, pm.ContentType, sd.Generation, kn.clone())
		return nil, err
	}
	defer zeroize(pt)

	content := FramedContent{
		GroupID:           dup(pm.GroupID),
		Epoch:             pm.Epoch,
		Sender:            MemberSender(sd.Leaf),
		AuthenticatedData: dup(pm.AuthenticatedData),
	}
	auth, err := unmarshalPrivateContent(pt, pm.ContentType, &content)
	if err != nil {
		return nil, err
	}

	return &AuthenticatedContent{
		WireFormat: WireFormatPrivateMessage,
		Content:    content,
		Auth:       auth,
	}, nil
}

// verifyContent checks that the sender may send this content and that the
// signature is valid.
func (s *groupState) verifyContent(ac *AuthenticatedContent) error {
	content := ac.Content
	ct := content.ContentType()

	switch content.Sender.Type {
	case SenderTypeMember:
		leaf, ok := s.tree.Leaf(content.Sender.Leaf)
		if !ok {
			return validationError("framing", fmt.Errorf("%w: sender %d", ErrUnknownLeaf, content.Sender.Leaf))
		}
		if ct == ContentTypeApplication && ac.WireFormat != WireFormatPrivateMessage {
			return validationError("framing", fmt.Errorf("%w: unencrypted application data", ErrInvalidSender))
		}
		return ac.verify(s.cs, leaf.SignatureKey, &s.context)

	case SenderTypeExternal:
		if ct != ContentTypeProposal {
			return validationError("framing", fmt.Errorf("%w: external sender sent %d", ErrInvalidSender, ct))
		}
		switch content.Proposal.Type() {
		case ProposalTypeAdd, ProposalTypeRemove, ProposalTypePSK, ProposalTypeReInit, ProposalTypeGroupContextExtensions:
		default:
			return validationError("framing", fmt.Errorf("%w: external %v proposal", ErrInvalidSender, content.Proposal.Type()))
		}

		var senders ExternalSendersExtension
		found, err := s.context.Extensions.Find(&senders)
		if err != nil {
			return err
		}
		if !found || int(content.Sender.Index) >= len(senders.Senders) {
			return validationError("framing", fmt.Errorf("%w: unknown external sender %d", ErrInvalidSender, content.Sender.Index))
		}
		return ac.verify(s.cs, senders.Senders[content.Sender.Index].SignatureKey, nil)

	case SenderTypeNewMemberProposal:
		if ct != ContentTypeProposal || content.Proposal.Add == nil {
			return validationError("framing", fmt.Errorf("%w: new member may only propose to add itself", ErrInvalidSender))
		}
		return ac.verify(s.cs, content.Proposal.Add.KeyPackage.LeafNode.SignatureKey, nil)

	case SenderTypeNewMemberCommit:
		if ct != ContentTypeCommit || content.Commit.Path == nil {
			return validationError("framing", fmt.Errorf("%w: external commit without path", ErrInvalidSender))
		}
		return ac.verify(s.cs, content.Commit.Path.LeafNode.SignatureKey, &s.context)
	}

	return validationError("framing", fmt.Errorf("%w: sender type %d", ErrInvalidSender, content.Sender.Type))
}

// open authenticates a received message and returns its content.
func (s *groupState) open(msg *MLSMessage) (*AuthenticatedContent, error) {
	var ac *AuthenticatedContent
	switch msg.WireFormat() {
	case WireFormatPublicMessage:
		pm := msg.PublicMessage
		if err := s.checkEpoch(pm.Content.GroupID, pm.Content.Epoch); err != nil {
			return nil, err
		}
		if err := pm.verifyMembershipTag(s.cs, s.keys.MembershipKey, &s.context); err != nil {
			return nil, err
		}
		content := pm.authenticatedContent()
		ac = &content

	case WireFormatPrivateMessage:
		var err error
		if ac, err = s.decrypt(msg.PrivateMessage); err != nil {
			return nil, err
		}

	default:
		return nil, validationError("framing", fmt.Errorf("%v is not a group message", msg.WireFormat()))
	}

	if err := s.verifyContent(ac); err != nil {
		return nil, err
	}
	return ac, nil
}

///
/// Proposals
///

func (g *Group) handshakeWireFormat() WireFormat {
	if g.cfg.EncryptHandshake {
		return WireFormatPrivateMessage
	}
	return WireFormatPublicMessage
}

// propose frames a proposal from this member and caches it.
func (g *Group) propose(p Proposal, leafPriv *HPKEPrivateKey) (*MLSMessage, error) {
	if err := g.active(); err != nil {
		return nil, err
	}

	s := g.state
	content := s.framedContent(nil)
	content.Proposal = &p

	ac, err := s.sign(g.handshakeWireFormat(), content)
	if err != nil {
		return nil, err
	}

	ref, err := ac.proposalRef(s.cs)
	if err != nil {
		return nil, err
	}

	msg, err := s.protect(ac, g.cfg.PaddingBlock)
	if err != nil {
		return nil, err
	}

	s.proposals.add(ProposalInfo{Proposal: p, Sender: content.Sender, Ref: ref}, leafPriv)
	g.cfg.metrics.proposalCached()
	g.cfg.metrics.message(ac.WireFormat, "out")
	g.log.Debugw("proposal sent", "type", p.Type().String(), "ref", ref.String())
	return msg, nil
}

func (g *Group) ProposeAdd(kp KeyPackage) (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.propose(Proposal{Add: &AddProposal{KeyPackage: kp}}, nil)
}

// ProposeUpdate proposes a fresh encryption key for this member's leaf.
func (g *Group) ProposeUpdate() (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.active(); err != nil {
		return nil, err
	}

	s := g.state
	leafPriv, err := s.cs.HPKEGenerate()
	if err != nil {
		return nil, err
	}

	current, _ := s.tree.Leaf(s.index)
	leaf := current.Clone()
	leaf.EncryptionKey = leafPriv.PublicKey
	leaf.Source = LeafNodeSourceUpdate
	leaf.ParentHash = nil
	leaf.Lifetime = Lifetime{}
	if err := leaf.sign(s.cs, s.sigPriv, s.context.GroupID, s.index); err != nil {
		return nil, err
	}

	return g.propose(Proposal{Update: &UpdateProposal{LeafNode: leaf}}, &leafPriv)
}

func (g *Group) ProposeRemove(leaf LeafIndex) (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.propose(Proposal{Remove: &RemoveProposal{Removed: leaf}}, nil)
}

func (g *Group) pskNonce() ([]byte, error) {
	return g.state.cs.RandomBytes(g.state.cs.Constants().SecretSize)
}

func (g *Group) ProposeExternalPSK(id []byte) (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nonce, err := g.pskNonce()
	if err != nil {
		return nil, err
	}
	psk := PreSharedKeyID{External: &ExternalPSK{PSKID: dup(id)}, Nonce: nonce}
	return g.propose(Proposal{PSK: &PreSharedKeyProposal{PSK: psk}}, nil)
}

// ProposeResumptionPSK injects the resumption secret of a past epoch of this
// group.
func (g *Group) ProposeResumptionPSK(epoch uint64) (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nonce, err := g.pskNonce()
	if err != nil {
		return nil, err
	}
	psk := PreSharedKeyID{
		Resumption: &ResumptionPSK{
			Usage:      ResumptionPSKUsageApplication,
			PSKGroupID: dup(g.state.context.GroupID),
			PSKEpoch:   epoch,
		},
		Nonce: nonce,
	}
	return g.propose(Proposal{PSK: &PreSharedKeyProposal{PSK: psk}}, nil)
}

func (g *Group) ProposeReInit(groupID []byte, suite CipherSuite, exts ExtensionList) (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.propose(Proposal{ReInit: &ReInitProposal{
		GroupID:     dup(groupID),
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite,
		Extensions:  exts.Clone(),
	}}, nil)
}

func (g *Group) ProposeGroupContextExtensions(exts ExtensionList) (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.propose(Proposal{GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: exts.Clone()}}, nil)
}

///
/// Application data
///

// Protect encrypts application data for the group.
func (g *Group) Protect(ctx context.Context, data, authData []byte) (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.active(); err != nil {
		return nil, err
	}

	s := g.state
	content := s.framedContent(authData)
	content.Application = dup(data)

	ac, err := s.sign(WireFormatPrivateMessage, content)
	if err != nil {
		return nil, err
	}

	msg, err := s.protect(ac, g.cfg.PaddingBlock)
	if err != nil {
		return nil, err
	}
	g.cfg.metrics.message(WireFormatPrivateMessage, "out")
	return msg, nil
}

///
/// Handling
///

// HandleResult reports what a received message did.
type HandleResult struct {
	Sender            Sender
	AuthenticatedData []byte
	ApplicationData   []byte
	Proposal          *ProposalInfo
	// Commit is set when the message advanced the epoch, or removed or
	// reinitialized this member.
	Commit bool
	Epoch  uint64
	Added  []LeafIndex
	Status Status
}

// Handle processes a received group message. A failed message leaves the
// group state untouched.
func (g *Group) Handle(ctx context.Context, msg *MLSMessage) (*HandleResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.active(); err != nil {
		return nil, err
	}

	wf := msg.WireFormat()
	g.cfg.metrics.message(wf, "in")

	if g.pending != nil {
		enc, err := marshal(msg)
		if err == nil && bytes.Equal(enc, g.pending.encoded) {
			return g.applyPending(ctx)
		}
	}

	s := g.state
	ac, err := s.open(msg)
	if err != nil {
		g.log.Debugw("message rejected", "wire_format", wf.String(), "err", err)
		return nil, err
	}

	result := &HandleResult{
		Sender:            ac.Content.Sender,
		AuthenticatedData: dup(ac.Content.AuthenticatedData),
		Epoch:             s.context.Epoch,
		Status:            s.status,
	}

	switch ac.Content.ContentType() {
	case ContentTypeApplication:
		result.ApplicationData = ac.Content.Application
		return result, nil

	case ContentTypeProposal:
		ref, err := ac.proposalRef(s.cs)
		if err != nil {
			return nil, err
		}
		info := ProposalInfo{Proposal: *ac.Content.Proposal, Sender: ac.Content.Sender, Ref: ref}
		s.proposals.add(info, nil)
		g.cfg.metrics.proposalCached()
		result.Proposal = &info
		return result, nil
	}

	sender := ac.Content.Sender
	if sender.Type == SenderTypeMember && sender.Leaf == s.index {
		return nil, stateError("group", fmt.Errorf("%w: own commit does not match the pending commit", ErrInvalidSender))
	}

	next, added, err := g.processCommit(ac)
	g.cfg.metrics.commit(err)
	if err != nil {
		g.log.Warnw("commit rejected", "epoch", s.context.Epoch, "sender", senderLabel(sender), "err", err)
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		next.zeroize()
		return nil, err
	}

	g.swap(next)
	result.Commit = true
	result.Epoch = next.context.Epoch
	result.Added = added
	result.Status = next.status
	return result, nil
}

// swap installs the next epoch and scrubs the previous one.
func (g *Group) swap(next *groupState) {
	prev := g.state
	g.state = next
	prev.zeroize()

	g.pending.zeroize()
	g.pending = nil

	if next.status == StatusRemoved {
		g.resumption.purge()
		g.log.Infow("removed from group", "epoch", prev.context.Epoch)
		return
	}

	g.resumption.add(next.context.GroupID, next.context.Epoch, next.keys.ResumptionPSK)
	g.cfg.metrics.transition(next.context.Epoch, next.tree.Size())
	g.log.Debugw("epoch advanced", "epoch", next.context.Epoch, "leaves", uint32(next.tree.Size()), "status", next.status.String())
}
