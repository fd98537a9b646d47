package mls

import (
	"bytes"
	"context"
	"fmt"
)

// publicTree picks the tree a joiner works from and checks it against the
// signed GroupInfo.
func publicTree(cs CipherSuiteProvider, cfg *groupConfig, gi *GroupInfo, tree *RatchetTree) (*RatchetTree, error) {
	if tree == nil {
		var err error
		if tree, err = gi.ratchetTree(); err != nil {
			return nil, err
		}
	}
	if tree == nil {
		return nil, stateError("join", ErrMissingRatchetTree)
	}

	tree = tree.Clone()
	tree.SetCipherSuite(cs)
	tree.SetMaxLeaves(cfg.MaxLeaves)

	if err := gi.verify(cs, tree); err != nil {
		return nil, err
	}

	treeHash, err := tree.RecomputeTreeHash()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(treeHash, gi.GroupContext.TreeHash) {
		return nil, validationError("join", ErrTreeHashMismatch)
	}

	if err := tree.VerifyParentHashes(); err != nil {
		return nil, err
	}
	if err := tree.verifyLeaves(gi.GroupContext.GroupID); err != nil {
		return nil, validationError("join", err)
	}
	return tree, nil
}

func checkGroupInfoSuite(gi *GroupInfo, suite CipherSuite) error {
	if gi.GroupContext.Version != ProtocolVersionMLS10 || gi.GroupContext.CipherSuite != suite {
		return validationError("join", ErrSuiteMismatch)
	}
	return nil
}

// Join enters a group from a Welcome addressed to one of our key packages.
// tree may be nil when the GroupInfo carries the ratchet tree.
func Join(ctx context.Context, welcome *Welcome, bundle *KeyPackageBundle, tree *RatchetTree, opts ...Option) (*Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := newGroupConfig(opts...)
	if welcome.CipherSuite != bundle.KeyPackage.CipherSuite {
		return nil, validationError("join", ErrSuiteMismatch)
	}
	cs, err := cfg.suite(welcome.CipherSuite)
	if err != nil {
		return nil, err
	}

	gs, err := welcome.decryptSecrets(cs, bundle.KeyPackage, bundle.InitPriv)
	if err != nil {
		return nil, err
	}
	defer gs.zeroize()

	psk, err := pskSecret(cs, gs.PSKs, cfg.pskResolver())
	if err != nil {
		return nil, err
	}
	defer zeroize(psk)

	member := deriveMemberSecret(cs, gs.JoinerSecret, psk)
	welcomeSecret, err := deriveWelcomeSecret(cs, member)
	zeroize(member)
	if err != nil {
		return nil, err
	}
	gi, err := welcome.decryptGroupInfo(cs, welcomeSecret)
	zeroize(welcomeSecret)
	if err != nil {
		return nil, err
	}

	if err := checkGroupInfoSuite(gi, welcome.CipherSuite); err != nil {
		return nil, err
	}

	tree, err = publicTree(cs, cfg, gi, tree)
	if err != nil {
		return nil, err
	}

	index, ok := tree.FindLeaf(bundle.KeyPackage.LeafNode)
	if !ok {
		return nil, validationError("join", fmt.Errorf("%w: our leaf is not in the tree", ErrKeyPackageNotFound))
	}

	var pathSecret []byte
	if gs.PathSecret != nil {
		pathSecret = gs.PathSecret.Secret
	}
	priv, err := NewJoinerPrivateKey(tree, index, bundle.EncryptionPriv.clone(), gi.Signer, pathSecret)
	if err != nil {
		return nil, err
	}

	encoded, err := marshal(gi.GroupContext)
	if err != nil {
		priv.Zeroize()
		return nil, err
	}

	ne, err := epochFromJoiner(cs, gs.JoinerSecret, psk, encoded, tree.Size(), cfg.MaxForwardRatchet)
	if err != nil {
		priv.Zeroize()
		return nil, err
	}
	ne.zeroizeJoin()

	if !verifyConfirmationTag(cs, ne.epoch.ConfirmationKey, gi.GroupContext.ConfirmedTranscriptHash, gi.ConfirmationTag) {
		priv.Zeroize()
		ne.epoch.zeroize()
		return nil, validationError("join", ErrConfirmationTagMismatch)
	}

	interim, err := interimTranscriptHash(cs, gi.GroupContext.ConfirmedTranscriptHash, gi.ConfirmationTag)
	if err != nil {
		priv.Zeroize()
		ne.epoch.zeroize()
		return nil, err
	}

	state := &groupState{
		cs:        cs,
		context:   gi.GroupContext.Clone(),
		tree:      tree,
		priv:      priv,
		keys:      ne.epoch,
		interim:   interim,
		tag:       dup(gi.ConfirmationTag),
		index:     index,
		sigPriv:   bundle.SignaturePriv,
		proposals: newProposalCache(),
	}

	g, err := newGroup(cfg, state)
	if err != nil {
		state.zeroize()
		return nil, err
	}
	g.log.Infow("joined group", "epoch", state.context.Epoch, "leaf", uint32(index))
	return g, nil
}

// JoinWithStore joins from a Welcome using whichever stored key package it is
// addressed to. Key packages are single use: on success the used one is
// removed from stores that support removal.
func JoinWithStore(ctx context.Context, welcome *Welcome, store KeyPackageStore, tree *RatchetTree, opts ...Option) (*Group, error) {
	var ref KeyPackageRef
	var bundle *KeyPackageBundle
	for _, s := range welcome.Secrets {
		if b, ok := store.KeyPackage(s.NewMember); ok {
			ref, bundle = s.NewMember, b
			break
		}
	}
	if bundle == nil {
		return nil, validationError("join", ErrKeyPackageNotFound)
	}

	g, err := Join(ctx, welcome, bundle, tree, opts...)
	if err != nil {
		return nil, err
	}
	if r, ok := store.(interface{ Remove(KeyPackageRef) }); ok {
		r.Remove(ref)
	}
	return g, nil
}

// ExternalJoin builds an external commit that adds us to the group described
// by gi. If our identity is already in the tree, the old leaf is removed in
// the same commit. The returned group is already in the new epoch; the
// message has to be delivered to the other members.
func ExternalJoin(ctx context.Context, gi *GroupInfo, tree *RatchetTree, bundle *KeyPackageBundle, opts ...Option) (*Group, *MLSMessage, error) {
	return externalJoin(ctx, gi, tree, bundle, resyncLeaf, opts...)
}

// resyncLeaf finds the leaf an external joiner replaces, if any.
func resyncLeaf(tree *RatchetTree, leaf LeafNode) (LeafIndex, bool) {
	return tree.FindIdentity(leaf.Credential.Identity())
}

func externalJoin(ctx context.Context, gi *GroupInfo, tree *RatchetTree, bundle *KeyPackageBundle,
	resync func(*RatchetTree, LeafNode) (LeafIndex, bool), opts ...Option) (*Group, *MLSMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cfg := newGroupConfig(opts...)
	if err := checkGroupInfoSuite(gi, bundle.KeyPackage.CipherSuite); err != nil {
		return nil, nil, err
	}
	cs, err := cfg.suite(gi.GroupContext.CipherSuite)
	if err != nil {
		return nil, nil, err
	}

	tree, err = publicTree(cs, cfg, gi, tree)
	if err != nil {
		return nil, nil, err
	}

	externalPub, err := gi.externalPub()
	if err != nil {
		return nil, nil, err
	}
	kemOutput, initSecret, err := externalInitSecret(cs, externalPub)
	if err != nil {
		return nil, nil, err
	}
	defer zeroize(initSecret)

	interim, err := interimTranscriptHash(cs, gi.GroupContext.ConfirmedTranscriptHash, gi.ConfirmationTag)
	if err != nil {
		return nil, nil, err
	}

	// The current epoch as seen from outside: no key schedule and no
	// private tree state.
	current := &groupState{
		cs:      cs,
		context: gi.GroupContext.Clone(),
		tree:    tree,
		interim: interim,
		sigPriv: bundle.SignaturePriv,
	}

	proposals := []Proposal{{ExternalInit: &ExternalInitProposal{KEMOutput: kemOutput}}}
	leafNode := bundle.KeyPackage.LeafNode
	if old, ok := resync(tree, leafNode); ok {
		proposals = append(proposals, Proposal{Remove: &RemoveProposal{Removed: old}})
	}

	sender := Sender{Type: SenderTypeNewMemberCommit}
	infos := make([]ProposalInfo, len(proposals))
	list := make([]ProposalOrRef, len(proposals))
	for i := range proposals {
		infos[i] = ProposalInfo{Proposal: proposals[i], Sender: sender}
		list[i] = ProposalOrRef{Proposal: &proposals[i]}
	}

	rc := resolveContext{
		cs:        cs,
		tree:      tree,
		context:   current.context,
		committer: sender,
		now:       cfg.clock.Now(),
		lifetimes: cfg.CheckLifetimes,
		validator: cfg.validator,
		psks:      cfg.pskResolver(),
	}
	plan, err := rc.validateProposals(infos, false)
	if err != nil {
		return nil, nil, err
	}

	next := tree.Clone()
	if _, err := plan.apply(next); err != nil {
		return nil, nil, err
	}
	exts := plan.groupExtensions(current.context.Extensions)

	index, err := next.AddLeaf(leafNode)
	if err != nil {
		return nil, nil, err
	}

	leafPriv, err := cs.HPKEGenerate()
	if err != nil {
		return nil, nil, err
	}
	path, priv, commitSecret, err := next.Encap(encapRequest{
		from:     index,
		groupID:  current.context.GroupID,
		leaf:     leafNode,
		leafPriv: leafPriv,
		sigPriv:  bundle.SignaturePriv,
		exclude:  map[LeafIndex]bool{},
		context:  current.provisionalContext(next, exts),
	})
	if err != nil {
		return nil, nil, err
	}
	defer zeroize(commitSecret)

	content := FramedContent{
		GroupID: dup(current.context.GroupID),
		Epoch:   current.context.Epoch,
		Sender:  sender,
		Commit:  &Commit{Proposals: list, Path: path},
	}
	ac, err := current.sign(WireFormatPublicMessage, content)
	if err != nil {
		priv.Zeroize()
		return nil, nil, err
	}

	state, ne, err := current.next(epochInput{
		ac:           ac,
		tree:         next,
		priv:         priv,
		index:        index,
		extensions:   exts,
		commitSecret: commitSecret,
		initSecret:   initSecret,
	}, cfg, rc.psks)
	if err != nil {
		priv.Zeroize()
		return nil, nil, err
	}
	ne.zeroizeJoin()

	ac.Auth.ConfirmationTag = state.tag
	pm, err := newPublicMessage(cs, *ac, nil, &current.context)
	if err != nil {
		state.zeroize()
		return nil, nil, err
	}

	g, err := newGroup(cfg, state)
	if err != nil {
		state.zeroize()
		return nil, nil, err
	}
	g.log.Infow("joined group by external commit", "epoch", state.context.Epoch, "leaf", uint32(index))
	return g, &MLSMessage{Version: ProtocolVersionMLS10, PublicMessage: pm}, nil
}
