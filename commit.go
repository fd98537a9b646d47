package mls

import (
	"bytes"
	"context"
	"fmt"
)

// CommitOptions controls what a commit carries beyond the cached proposals.
type CommitOptions struct {
	// Proposals are included by value.
	Proposals []Proposal
	// ForcePath sends an update path even when the proposals do not need
	// one.
	ForcePath         bool
	AuthenticatedData []byte
}

// CommitOutput is what a committer distributes. Welcome is nil when nobody
// was added.
type CommitOutput struct {
	Message   *MLSMessage
	Welcome   *Welcome
	GroupInfo *GroupInfo
}

func (g *Group) resolveContext(committer Sender) resolveContext {
	s := g.state
	return resolveContext{
		cs:        s.cs,
		tree:      s.tree,
		context:   s.context,
		committer: committer,
		now:       g.cfg.clock.Now(),
		lifetimes: g.cfg.CheckLifetimes,
		validator: g.cfg.validator,
		psks:      g.cfg.pskResolver(g.resumption),
	}
}

// provisionalContext is the context path secrets are encrypted under: the
// next epoch and tree hash, the current transcript and the next extensions.
func (s *groupState) provisionalContext(tree *RatchetTree, exts ExtensionList) func() ([]byte, error) {
	return func() ([]byte, error) {
		treeHash, err := tree.TreeHash()
		if err != nil {
			return nil, err
		}
		return marshal(GroupContext{
			Version:                 s.context.Version,
			CipherSuite:             s.context.CipherSuite,
			GroupID:                 s.context.GroupID,
			Epoch:                   s.context.Epoch + 1,
			TreeHash:                treeHash,
			ConfirmedTranscriptHash: s.context.ConfirmedTranscriptHash,
			Extensions:              exts,
		})
	}
}

type epochInput struct {
	ac           *AuthenticatedContent
	tree         *RatchetTree
	priv         *TreeKEMPrivateKey
	index        LeafIndex
	extensions   ExtensionList
	commitSecret []byte
	psks         []PreSharedKeyID
	// initSecret replaces the current epoch's init secret for external
	// commits.
	initSecret []byte
}

// next derives the state of the epoch that the commit in.ac creates. The
// confirmation tag is computed, not checked.
func (s *groupState) next(in epochInput, cfg *groupConfig, psks pskResolver) (*groupState, *nextEpoch, error) {
	cs := s.cs
	treeHash, err := in.tree.TreeHash()
	if err != nil {
		return nil, nil, err
	}

	confirmed, err := confirmedTranscriptHash(cs, s.interim, in.ac.WireFormat, in.ac.Content, in.ac.Auth.Signature)
	if err != nil {
		return nil, nil, err
	}

	gc := GroupContext{
		Version:                 s.context.Version,
		CipherSuite:             s.context.CipherSuite,
		GroupID:                 dup(s.context.GroupID),
		Epoch:                   s.context.Epoch + 1,
		TreeHash:                treeHash,
		ConfirmedTranscriptHash: confirmed,
		Extensions:              in.extensions.Clone(),
	}
	encoded, err := marshal(gc)
	if err != nil {
		return nil, nil, err
	}

	psk, err := pskSecret(cs, in.psks, psks)
	if err != nil {
		return nil, nil, err
	}
	defer zeroize(psk)

	var ne *nextEpoch
	if in.initSecret != nil {
		joiner, err := deriveJoinerSecret(cs, in.initSecret, in.commitSecret, encoded)
		if err != nil {
			return nil, nil, err
		}
		ne, err = epochFromJoiner(cs, joiner, psk, encoded, in.tree.Size(), cfg.MaxForwardRatchet)
		zeroize(joiner)
		if err != nil {
			return nil, nil, err
		}
	} else {
		ne, err = s.keys.Next(in.commitSecret, psk, encoded, in.tree.Size(), cfg.MaxForwardRatchet)
		if err != nil {
			return nil, nil, err
		}
	}

	tag := confirmationTag(cs, ne.epoch.ConfirmationKey, confirmed)
	interim, err := interimTranscriptHash(cs, confirmed, tag)
	if err != nil {
		ne.zeroizeJoin()
		ne.epoch.zeroize()
		return nil, nil, err
	}

	return &groupState{
		cs:        cs,
		context:   gc,
		tree:      in.tree,
		priv:      in.priv,
		keys:      ne.epoch,
		interim:   interim,
		tag:       tag,
		index:     in.index,
		sigPriv:   s.sigPriv,
		proposals: newProposalCache(),
		status:    StatusActive,
	}, ne, nil
}

func excludeSet(leaves []LeafIndex) map[LeafIndex]bool {
	out := make(map[LeafIndex]bool, len(leaves))
	for _, l := range leaves {
		out[l] = true
	}
	return out
}

// Commit commits every cached proposal plus opts.Proposals. The new epoch is
// staged; it takes effect once ApplyPendingCommit is called or the commit
// message is handed back to Handle.
func (g *Group) Commit(ctx context.Context, opts CommitOptions) (*CommitOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.active(); err != nil {
		return nil, err
	}

	out, pending, err := g.commit(opts)
	g.cfg.metrics.commit(err)
	if err != nil {
		g.log.Warnw("commit failed", "epoch", g.state.context.Epoch, "err", err)
		return nil, err
	}

	g.pending.zeroize()
	g.pending = pending
	g.cfg.metrics.message(out.Message.WireFormat(), "out")
	return out, nil
}

func (g *Group) commit(opts CommitOptions) (*CommitOutput, *pendingCommit, error) {
	s := g.state
	cs := s.cs
	committer := MemberSender(s.index)

	proposals := s.proposals.all()
	for _, p := range opts.Proposals {
		proposals = append(proposals, ProposalInfo{Proposal: p, Sender: committer})
	}

	proposals, err := filterProposals(g.cfg.filter, ProposalFilterContext{
		Committer:    committer,
		GroupContext: s.context.Clone(),
	}, proposals)
	if err != nil {
		return nil, nil, err
	}

	plan, err := g.resolveContext(committer).validateProposals(proposals, false)
	if err != nil {
		return nil, nil, err
	}

	list := make([]ProposalOrRef, len(proposals))
	for i, info := range proposals {
		if len(info.Ref) > 0 {
			list[i] = ProposalOrRef{Reference: info.Ref}
			continue
		}
		p := info.Proposal
		list[i] = ProposalOrRef{Proposal: &p}
	}

	tree := s.tree.Clone()
	added, err := plan.apply(tree)
	if err != nil {
		return nil, nil, err
	}
	exts := plan.groupExtensions(s.context.Extensions)

	var path *UpdatePath
	var priv *TreeKEMPrivateKey
	commitSecret := make([]byte, cs.Constants().SecretSize)
	if plan.pathRequired || opts.ForcePath {
		leafPriv, err := cs.HPKEGenerate()
		if err != nil {
			return nil, nil, err
		}
		current, _ := s.tree.Leaf(s.index)

		path, priv, commitSecret, err = tree.Encap(encapRequest{
			from:     s.index,
			groupID:  s.context.GroupID,
			leaf:     *current,
			leafPriv: leafPriv,
			sigPriv:  s.sigPriv,
			exclude:  excludeSet(added),
			context:  s.provisionalContext(tree, exts),
		})
		if err != nil {
			return nil, nil, err
		}
	} else {
		priv = s.priv.Clone()
		priv.prune(tree)
	}
	defer zeroize(commitSecret)

	content := s.framedContent(opts.AuthenticatedData)
	content.Commit = &Commit{Proposals: list, Path: path}

	ac, err := s.sign(g.handshakeWireFormat(), content)
	if err != nil {
		priv.Zeroize()
		return nil, nil, err
	}

	next, ne, err := s.next(epochInput{
		ac:           ac,
		tree:         tree,
		priv:         priv,
		index:        s.index,
		extensions:   exts,
		commitSecret: commitSecret,
		psks:         plan.psks,
	}, g.cfg, g.resolveContext(committer).psks)
	if err != nil {
		priv.Zeroize()
		return nil, nil, err
	}
	defer ne.zeroizeJoin()

	if plan.reinit != nil {
		next.status = StatusReInitPending
		next.reinit = plan.reinit
	}

	out := &CommitOutput{}
	if out.GroupInfo, err = next.groupInfo(g.cfg.RatchetTreeInWelcome); err != nil {
		next.zeroize()
		return nil, nil, err
	}

	if len(plan.adds) > 0 {
		welcome, err := newWelcome(cs, ne.welcomeSecret, out.GroupInfo)
		if err != nil {
			next.zeroize()
			return nil, nil, err
		}

		for i, a := range plan.adds {
			gs := GroupSecrets{JoinerSecret: ne.joinerSecret, PSKs: plan.psks}
			if path != nil {
				if _, secret, ok := priv.PathSecret(added[i]); ok {
					gs.PathSecret = &PathSecret{Secret: secret}
				}
			}
			if err := welcome.encryptTo(cs, a.keyPackage, gs); err != nil {
				next.zeroize()
				return nil, nil, err
			}
		}
		out.Welcome = welcome
	}

	// Protecting a PrivateMessage advances the live handshake ratchet, so it
	// runs once nothing else can fail.
	ac.Auth.ConfirmationTag = next.tag
	msg, err := s.protect(ac, g.cfg.PaddingBlock)
	if err != nil {
		next.zeroize()
		return nil, nil, err
	}
	encoded, err := marshal(msg)
	if err != nil {
		next.zeroize()
		return nil, nil, err
	}
	out.Message = msg

	g.log.Debugw("commit staged",
		"epoch", next.context.Epoch,
		"proposals", plan.proposalCount(),
		"adds", len(plan.adds),
		"removes", len(plan.removes),
		"path", path != nil)

	return out, &pendingCommit{next: next, encoded: encoded, added: added}, nil
}

// ApplyPendingCommit moves to the epoch staged by the last Commit.
func (g *Group) ApplyPendingCommit(ctx context.Context) (*HandleResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyPending(ctx)
}

// ClearPendingCommit discards the staged epoch, for example when another
// member's commit won.
func (g *Group) ClearPendingCommit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending.zeroize()
	g.pending = nil
}

func (g *Group) applyPending(ctx context.Context) (*HandleResult, error) {
	if g.pending == nil {
		return nil, stateError("group", ErrNoPendingCommit)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next, added := g.pending.next, g.pending.added
	g.pending = nil
	g.swap(next)

	return &HandleResult{
		Sender: MemberSender(next.index),
		Commit: true,
		Epoch:  next.context.Epoch,
		Added:  added,
		Status: next.status,
	}, nil
}

// updateKey finds the private key of one of our cached Update proposals.
func (pc *proposalCache) updateKey(pub HPKEPublicKey) (HPKEPrivateKey, bool) {
	for _, e := range pc.entries {
		if e.leafPriv != nil && e.leafPriv.PublicKey.Equals(pub) {
			return e.leafPriv.clone(), true
		}
	}
	return HPKEPrivateKey{}, false
}

// processCommit validates a commit from another member or a new member and
// builds the resulting state. The current state is not modified.
func (g *Group) processCommit(ac *AuthenticatedContent) (*groupState, []LeafIndex, error) {
	s := g.state
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

	proposals, err = filterProposals(g.cfg.filter, ProposalFilterContext{
		Committer:    sender,
		Receiving:    true,
		GroupContext: s.context.Clone(),
	}, proposals)
	if err != nil {
		return nil, nil, err
	}

	rc := g.resolveContext(sender)
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

	if plan.isRemoved(s.index) {
		return s.removed(), nil, nil
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

	priv := s.priv.Clone()
	for _, u := range plan.updates {
		if u.leaf != s.index {
			continue
		}
		leafPriv, ok := s.proposals.updateKey(u.node.EncryptionKey)
		if !ok {
			priv.Zeroize()
			return nil, nil, stateError("commit", fmt.Errorf("%w: no key for our own update", ErrInvalidUpdatePath))
		}
		priv.setLeafKey(leafPriv)
	}
	priv.prune(tree)

	commitSecret := make([]byte, cs.Constants().SecretSize)
	if commit.Path != nil {
		if err := checkPathLeaf(g.resolveContext(MemberSender(from)), tree, from, external, commit.Path.LeafNode, exts); err != nil {
			priv.Zeroize()
			return nil, nil, err
		}

		newPriv, secret, err := tree.Decap(priv, decapRequest{
			from:    from,
			path:    *commit.Path,
			exclude: excludeSet(added),
			context: s.provisionalContext(tree, exts),
		})
		priv.Zeroize()
		if err != nil {
			return nil, nil, err
		}
		priv, commitSecret = newPriv, secret
	}
	defer zeroize(commitSecret)

	var initSecret []byte
	if external {
		if initSecret, err = s.keys.receiveExternalInit(plan.externalInit.KEMOutput); err != nil {
			priv.Zeroize()
			return nil, nil, err
		}
		defer zeroize(initSecret)
	}

	next, ne, err := s.next(epochInput{
		ac:           ac,
		tree:         tree,
		priv:         priv,
		index:        s.index,
		extensions:   exts,
		commitSecret: commitSecret,
		psks:         plan.psks,
		initSecret:   initSecret,
	}, g.cfg, rc.psks)
	if err != nil {
		priv.Zeroize()
		return nil, nil, err
	}
	ne.zeroizeJoin()

	if !constantTimeEqual(next.tag, ac.Auth.ConfirmationTag) {
		next.zeroize()
		return nil, nil, validationError("commit", ErrConfirmationTagMismatch)
	}

	if plan.reinit != nil {
		next.status = StatusReInitPending
		next.reinit = plan.reinit
	}
	return next, added, nil
}

// checkResync holds an external joiner to its own identity: it may only remove
// the leaf that already carries it, and without a Remove that identity must
// not be in the tree.
func checkResync(tree *RatchetTree, removes []LeafIndex, leaf LeafNode) error {
	identity := leaf.Credential.Identity()
	for _, r := range removes {
		old, ok := tree.Leaf(r)
		if !ok || !bytes.Equal(old.Credential.Identity(), identity) {
			return validationError("commit", fmt.Errorf("%w: external commit removes leaf %d of another identity", ErrInvalidProposal, r))
		}
	}
	if len(removes) == 0 {
		if held, ok := tree.FindIdentity(identity); ok {
			return validationError("commit", fmt.Errorf("%w: identity already held by leaf %d", ErrInvalidProposal, held))
		}
	}
	return nil
}

// checkPathLeaf validates the leaf node a commit path installs. rc.tree is
// the tree before the commit and tree the one it produces.
func checkPathLeaf(rc resolveContext, tree *RatchetTree, from LeafIndex, external bool, leaf LeafNode, exts ExtensionList) error {
	v := rc.leafValidation(from, LeafNodeSourceCommit)
	v.groupExts = exts
	v.required = nil
	var req RequiredCapabilitiesExtension
	if ok, err := exts.Find(&req); err == nil && ok {
		v.required = &req
	}

	if err := leaf.validate(v); err != nil {
		return err
	}

	if external {
		return nil
	}

	old, ok := rc.tree.Leaf(from)
	if !ok {
		return validationError("commit", fmt.Errorf("%w: committer %d", ErrUnknownLeaf, from))
	}
	if !bytes.Equal(old.Credential.Identity(), leaf.Credential.Identity()) {
		return validationError("commit", fmt.Errorf("%w: committer changed identity", ErrInvalidCredential))
	}

	for _, m := range tree.Members() {
		if m == from {
			continue
		}
		other, _ := tree.Leaf(m)
		if other.EncryptionKey.Equals(leaf.EncryptionKey) {
			return validationError("commit", fmt.Errorf("%w: encryption key reused by leaf %d", ErrInvalidUpdatePath, m))
		}
	}
	return nil
}

// removed is the terminal state of a member that a commit removed. It only
// keeps what is needed to answer accessors.
func (s *groupState) removed() *groupState {
	return &groupState{
		cs:        s.cs,
		context:   s.context.Clone(),
		tree:      s.tree.Clone(),
		priv:      NewTreeKEMPrivateKey(s.cs, s.index, HPKEPrivateKey{}),
		index:     s.index,
		proposals: newProposalCache(),
		status:    StatusRemoved,
	}
}
