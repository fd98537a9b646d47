package mls

import (
	"context"
	"fmt"
	"sync"

	"github.com/treekem/go-mls/log"
)

// Observer follows a group's public state from outside the group, as a
// delivery service would. It tracks the tree and group context through
// PublicMessage handshakes but holds no group secrets, so membership and
// confirmation tags are not checked.
type Observer struct {
	mu    sync.Mutex
	cfg   *groupConfig
	log   log.Logger
	state *groupState
}

// ObserveGroup starts observing the group described by a GroupInfo. tree may
// be nil when the GroupInfo carries the ratchet tree.
func ObserveGroup(ctx context.Context, gi *GroupInfo, tree *RatchetTree, opts ...Option) (*Observer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := newGroupConfig(opts...)
	if err := checkGroupInfoSuite(gi, gi.GroupContext.CipherSuite); err != nil {
		return nil, err
	}
	cs, err := cfg.suite(gi.GroupContext.CipherSuite)
	if err != nil {
		return nil, err
	}

	tree, err = publicTree(cs, cfg, gi, tree)
	if err != nil {
		return nil, err
	}

	interim, err := interimTranscriptHash(cs, gi.GroupContext.ConfirmedTranscriptHash, gi.ConfirmationTag)
	if err != nil {
		return nil, err
	}

	o := &Observer{
		cfg: cfg,
		state: &groupState{
			cs:        cs,
			context:   gi.GroupContext.Clone(),
			tree:      tree,
			interim:   interim,
			tag:       dup(gi.ConfirmationTag),
			proposals: newProposalCache(),
		},
	}
	o.log = cfg.logger.Named("mls").With("group", fmt.Sprintf("%x", gi.GroupContext.GroupID), "observer", true)
	o.log.Debugw("observing group", "epoch", gi.GroupContext.Epoch, "leaves", uint32(tree.Size()))
	return o, nil
}

func (o *Observer) Context() GroupContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.context.Clone()
}

func (o *Observer) Epoch() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.context.Epoch
}

func (o *Observer) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.status
}

// RatchetTree returns a copy of the public tree.
func (o *Observer) RatchetTree() *RatchetTree {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.tree.Clone()
}

func (o *Observer) Members() []Member {
	o.mu.Lock()
	defer o.mu.Unlock()

	tree := o.state.tree
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

// Handle processes a PublicMessage proposal or commit. PrivateMessages
// cannot be read without group secrets and are rejected. A failed message
// leaves the observed state untouched.
func (o *Observer) Handle(ctx context.Context, msg *MLSMessage) (*HandleResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.state
	if s.status != StatusActive {
		return nil, stateError("observer", fmt.Errorf("%w: %v", ErrInactive, s.status))
	}

	wf := msg.WireFormat()
	o.cfg.metrics.message(wf, "in")
	if wf != WireFormatPublicMessage {
		return nil, validationError("observer", fmt.Errorf("%w: %v is not readable without group secrets", ErrInvalidSender, wf))
	}

	pm := msg.PublicMessage
	if err := s.checkEpoch(pm.Content.GroupID, pm.Content.Epoch); err != nil {
		return nil, err
	}
	ac := pm.authenticatedContent()
	if err := s.verifyContent(&ac); err != nil {
		o.log.Debugw("message rejected", "err", err)
		return nil, err
	}

	result := &HandleResult{
		Sender:            ac.Content.Sender,
		AuthenticatedData: dup(ac.Content.AuthenticatedData),
		Epoch:             s.context.Epoch,
		Status:            s.status,
	}

	if ac.Content.ContentType() == ContentTypeProposal {
		ref, err := ac.proposalRef(s.cs)
		if err != nil {
			return nil, err
		}
		info := ProposalInfo{Proposal: *ac.Content.Proposal, Sender: ac.Content.Sender, Ref: ref}
		s.proposals.add(info, nil)
		o.cfg.metrics.proposalCached()
		result.Proposal = &info
		return result, nil
	}

	next, added, err := o.processCommit(&ac)
	o.cfg.metrics.commit(err)
	if err != nil {
		o.log.Warnw("commit rejected", "epoch", s.context.Epoch, "sender", senderLabel(ac.Content.Sender), "err", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.state = next
	s.zeroize()
	o.cfg.metrics.transition(next.context.Epoch, next.tree.Size())
	o.log.Debugw("epoch advanced", "epoch", next.context.Epoch, "leaves", uint32(next.tree.Size()), "status", next.status.String())

	result.Commit = true
	result.Epoch = next.context.Epoch
	result.Added = added
	result.Status = next.status
	return result, nil
}

func (o *Observer) resolveContext(committer Sender) resolveContext {
	s := o.state
	return resolveContext{
		cs:        s.cs,
		tree:      s.tree,
		context:   s.context,
		committer: committer,
		now:       o.cfg.clock.Now(),
		lifetimes: o.cfg.CheckLifetimes,
		validator: o.cfg.validator,
		public:    true,
	}
}

// processCommit applies the public effects of a commit: proposals, the
// committer's path keys and the transcript.
func (o *Observer) processCommit(ac *AuthenticatedContent) (*groupState, []LeafIndex, error) {
	s := o.state
	cs := s.cs
	commit := ac.Content.Commit
	sender := ac.Content.Sender
	external := sender.Type == SenderTypeNewMemberCommit

	if len(ac.Auth.ConfirmationTag) == 0 {
		return nil, nil, validationError("commit", fmt.Errorf("%w: missing", ErrConfirmationTagMismatch))
	}

	proposals, err := s.proposals.resolve(commit.Proposals, sender)
	if err != nil {
		return nil, nil, err
	}

	byReference := false
	for _, p := range commit.Proposals {
		if p.Proposal == nil {
			byReference = true
		}
	}

	proposals, err = filterProposals(o.cfg.filter, ProposalFilterContext{
		Committer:    sender,
		Receiving:    true,
		GroupContext: s.context.Clone(),
	}, proposals)
	if err != nil {
		return nil, nil, err
	}

	rc := o.resolveContext(sender)
	plan, err := rc.validateProposals(proposals, byReference)
	if err != nil {
		return nil, nil, err
	}
	if plan.pathRequired && commit.Path == nil {
		return nil, nil, validationError("commit", fmt.Errorf("%w: commit requires a path", ErrInvalidUpdatePath))
	}
	if external {
		if err := checkResync(s.tree, plan.removes, commit.Path.LeafNode); err != nil {
			return nil, nil, err
		}
	}

	tree := s.tree.Clone()
	added, err := plan.apply(tree)
	if err != nil {
		return nil, nil, err
	}
	exts := plan.groupExtensions(s.context.Extensions)

	from := sender.Leaf
	if external {
		if from, err = tree.AddLeaf(commit.Path.LeafNode); err != nil {
			return nil, nil, err
		}
	}

	if commit.Path != nil {
		if err := checkPathLeaf(rc, tree, from, external, commit.Path.LeafNode, exts); err != nil {
			return nil, nil, err
		}
		if err := tree.MergePath(from, *commit.Path); err != nil {
			return nil, nil, err
		}
	}

	treeHash, err := tree.TreeHash()
	if err != nil {
		return nil, nil, err
	}
	confirmed, err := confirmedTranscriptHash(cs, s.interim, ac.WireFormat, ac.Content, ac.Auth.Signature)
	if err != nil {
		return nil, nil, err
	}
	interim, err := interimTranscriptHash(cs, confirmed, ac.Auth.ConfirmationTag)
	if err != nil {
		return nil, nil, err
	}

	next := &groupState{
		cs: cs,
		context: GroupContext{
			Version:                 s.context.Version,
			CipherSuite:             s.context.CipherSuite,
			GroupID:                 dup(s.context.GroupID),
			Epoch:                   s.context.Epoch + 1,
			TreeHash:                treeHash,
			ConfirmedTranscriptHash: confirmed,
			Extensions:              exts.Clone(),
		},
		tree:      tree,
		interim:   interim,
		tag:       dup(ac.Auth.ConfirmationTag),
		proposals: newProposalCache(),
	}
	if plan.reinit != nil {
		next.status = StatusReInitPending
		next.reinit = plan.reinit
	}
	return next, added, nil
}
