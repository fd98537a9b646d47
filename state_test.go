package mls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	groupID     = []byte{0x01, 0x02, 0x03, 0x04}
	testMessage = unhex("01020304")
)

// groupTest drives a set of members through the protocol, delivering every
// message over the wire encoding.
type groupTest struct {
	t       testing.TB
	ctx     context.Context
	suite   CipherSuite
	cs      CipherSuiteProvider
	opts    []Option
	members []*Group
	names   []string
}

func newGroupTest(t testing.TB, suite CipherSuite, opts ...Option) *groupTest {
	cs, err := NewCipherSuiteProvider(suite)
	require.Nil(t, err)

	return &groupTest{
		t:     t,
		ctx:   context.Background(),
		suite: suite,
		cs:    cs,
		opts:  append([]Option{WithLogger(testLogger())}, opts...),
	}
}

func (gt *groupTest) newBundle(name string) *KeyPackageBundle {
	sigPriv, err := gt.cs.SignatureGenerate()
	require.Nil(gt.t, err)

	bundle, err := NewKeyPackageBundle(gt.cs, NewBasicCredential([]byte(name)), sigPriv, KeyPackageOptions{})
	require.Nil(gt.t, err)
	return bundle
}

func (gt *groupTest) create(name string) {
	g, err := NewGroup(groupID, gt.newBundle(name), gt.opts...)
	require.Nil(gt.t, err)
	gt.members = []*Group{g}
	gt.names = []string{name}
}

// wire sends msg through the codec, as a transport would.
func (gt *groupTest) wire(msg *MLSMessage) *MLSMessage {
	data, err := EncodeMessage(msg)
	require.Nil(gt.t, err)

	out, err := DecodeMessage(data)
	require.Nil(gt.t, err)
	return out
}

// deliverProposal hands a proposal to everyone but its sender.
func (gt *groupTest) deliverProposal(from int, msg *MLSMessage) {
	for i, m := range gt.members {
		if i == from {
			continue
		}
		res, err := m.Handle(gt.ctx, gt.wire(msg))
		require.Nil(gt.t, err)
		require.NotNil(gt.t, res.Proposal)
		require.False(gt.t, res.Commit)
	}
}

// deliverCommit hands a commit to every member, the committer included.
func (gt *groupTest) deliverCommit(msg *MLSMessage) map[int]*HandleResult {
	results := map[int]*HandleResult{}
	for i, m := range gt.members {
		before := m.Epoch()
		res, err := m.Handle(gt.ctx, gt.wire(msg))
		require.Nil(gt.t, err, "member %d", i)
		require.True(gt.t, res.Commit)
		if res.Status == StatusActive {
			require.Equal(gt.t, before+1, m.Epoch(), "member %d", i)
		}
		results[i] = res
	}
	return results
}

func (gt *groupTest) join(out *CommitOutput, bundle *KeyPackageBundle, name string) {
	require.NotNil(gt.t, out.Welcome)

	g, err := Join(gt.ctx, out.Welcome, bundle, nil, gt.opts...)
	require.Nil(gt.t, err)
	gt.members = append(gt.members, g)
	gt.names = append(gt.names, name)
}

func (gt *groupTest) add(from int, name string) {
	bundle := gt.newBundle(name)
	out, err := gt.members[from].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Add: &AddProposal{KeyPackage: bundle.KeyPackage}}},
	})
	require.Nil(gt.t, err)

	gt.deliverCommit(out.Message)
	gt.join(out, bundle, name)
	gt.check()
}

func (gt *groupTest) drop(i int) {
	gt.members = append(gt.members[:i], gt.members[i+1:]...)
	gt.names = append(gt.names[:i], gt.names[i+1:]...)
}

// check verifies that every member is in the same epoch with the same keys,
// and that application data flows between all of them.
func (gt *groupTest) check() {
	ref := gt.members[0]
	refTree := ref.RatchetTree()
	for i, m := range gt.members {
		require.Equal(gt.t, StatusActive, m.Status())
		require.True(gt.t, m.Context().Equals(ref.Context()), "member %d context", i)
		require.Equal(gt.t, ref.EpochAuthenticator(), m.EpochAuthenticator(), "member %d", i)
		require.True(gt.t, refTree.Equals(m.RatchetTree()), "member %d tree", i)

		fresh, err := m.RatchetTree().RecomputeTreeHash()
		require.Nil(gt.t, err)
		require.Equal(gt.t, m.Context().TreeHash, fresh, "member %d tree hash", i)
	}

	for i, sender := range gt.members {
		ad := []byte(fmt.Sprintf("from %d", i))
		msg, err := sender.Protect(gt.ctx, testMessage, ad)
		require.Nil(gt.t, err)

		for j, receiver := range gt.members {
			if i == j {
				continue
			}
			res, err := receiver.Handle(gt.ctx, gt.wire(msg))
			require.Nil(gt.t, err, "%d -> %d", i, j)
			require.Equal(gt.t, testMessage, res.ApplicationData)
			require.Equal(gt.t, ad, res.AuthenticatedData)
			require.Equal(gt.t, sender.Index(), res.Sender.Leaf)
		}
	}
}

func (gt *groupTest) grow(size int) {
	if len(gt.members) == 0 {
		gt.create("member-0")
	}
	for len(gt.members) < size {
		gt.add(len(gt.members)-1, fmt.Sprintf("member-%d", len(gt.members)))
	}
}

func TestGroupCreate(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.create("alice")

	g := gt.members[0]
	require.Equal(t, uint64(0), g.Epoch())
	require.Equal(t, StatusActive, g.Status())
	require.Equal(t, groupID, g.GroupID())
	require.Equal(t, LeafIndex(0), g.Index())
	require.Len(t, g.Members(), 1)
	require.Equal(t, []byte("alice"), g.Members()[0].Credential.Identity())
	require.NotEmpty(t, g.EpochAuthenticator())

	gi, err := g.GroupInfo(GroupInfoOptions{RatchetTree: true})
	require.Nil(t, err)
	require.Nil(t, gi.verify(gt.cs, g.RatchetTree()))
	require.True(t, gi.Extensions.Has(ExtensionTypeExternalPub))
	require.True(t, gi.Extensions.Has(ExtensionTypeRatchetTree))

	_, ok := g.ReInitProposal()
	require.False(t, ok)
}

func TestGroupCreateUnsupportedExtension(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)

	exts := NewExtensionList()
	exts.Entries = append(exts.Entries, Extension{ExtensionType: 0xff00, ExtensionData: []byte{}})
	_, err := NewGroup(groupID, gt.newBundle("alice"), WithGroupExtensions(exts))
	require.Error(t, err)
	require.Equal(t, KindValidation, KindOf(err))
}

func TestGroupAddMembers(t *testing.T) {
	for _, suite := range DefaultCryptoProvider().SupportedCipherSuites() {
		t.Run(suite.String(), func(t *testing.T) {
			gt := newGroupTest(t, suite)
			gt.grow(4)

			for _, m := range gt.members {
				require.Equal(t, uint64(3), m.Epoch())
				require.Len(t, m.Members(), 4)
			}
		})
	}
}

func TestGroupJoinWithoutTreeExtension(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatchetTreeInWelcome = false
	gt := newGroupTest(t, P256_AES128GCM_SHA256_P256, WithConfig(cfg))
	gt.create("alice")

	bundle := gt.newBundle("bob")
	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Add: &AddProposal{KeyPackage: bundle.KeyPackage}}},
	})
	require.Nil(t, err)
	gt.deliverCommit(out.Message)

	_, err = Join(gt.ctx, out.Welcome, bundle, nil, gt.opts...)
	require.True(t, errors.Is(err, ErrMissingRatchetTree))

	g, err := Join(gt.ctx, out.Welcome, bundle, gt.members[0].RatchetTree(), gt.opts...)
	require.Nil(t, err)
	gt.members = append(gt.members, g)
	gt.check()
}

func TestGroupJoinWrongKeyPackage(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.create("alice")

	bundle := gt.newBundle("bob")
	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Add: &AddProposal{KeyPackage: bundle.KeyPackage}}},
	})
	require.Nil(t, err)

	_, err = Join(gt.ctx, out.Welcome, gt.newBundle("carol"), nil, gt.opts...)
	require.True(t, errors.Is(err, ErrKeyPackageNotFound))
}

func TestGroupUpdates(t *testing.T) {
	gt := newGroupTest(t, X25519_CHACHA20POLY1305_SHA256_Ed25519)
	gt.grow(4)

	// Everyone proposes an update and each member in turn commits the
	// update of the next one.
	for i := range gt.members {
		up, err := gt.members[i].ProposeUpdate()
		require.Nil(t, err)
		gt.deliverProposal(i, up)

		committer := (i + len(gt.members) - 1) % len(gt.members)
		out, err := gt.members[committer].Commit(gt.ctx, CommitOptions{})
		require.Nil(t, err)
		require.Nil(t, out.Welcome)

		gt.deliverCommit(out.Message)
		gt.check()
	}
}

func TestGroupSelfUpdateFoldsIntoPath(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	before := gt.members[1].RatchetTree()
	up, err := gt.members[1].ProposeUpdate()
	require.Nil(t, err)
	gt.deliverProposal(1, up)

	out, err := gt.members[1].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	require.NotNil(t, out.Message.PublicMessage.Content.Commit.Path)
	gt.deliverCommit(out.Message)
	gt.check()

	old, _ := before.Leaf(1)
	now, _ := gt.members[0].RatchetTree().Leaf(1)
	require.False(t, old.EncryptionKey.Equals(now.EncryptionKey))
}

func TestGroupEmptyCommit(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	auth := gt.members[0].EpochAuthenticator()
	out, err := gt.members[2].Commit(gt.ctx, CommitOptions{AuthenticatedData: []byte("empty")})
	require.Nil(t, err)
	require.NotNil(t, out.Message.PublicMessage.Content.Commit.Path)

	results := gt.deliverCommit(out.Message)
	require.Equal(t, []byte("empty"), results[0].AuthenticatedData)
	gt.check()
	require.NotEqual(t, auth, gt.members[0].EpochAuthenticator())
}

func TestGroupRemoveAndAdd(t *testing.T) {
	gt := newGroupTest(t, P256_AES128GCM_SHA256_P256)
	gt.grow(4)

	removed := gt.members[2]
	removedLeaf := removed.Index()
	bundle := gt.newBundle("dave")

	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{
			{Remove: &RemoveProposal{Removed: removedLeaf}},
			{Add: &AddProposal{KeyPackage: bundle.KeyPackage}},
		},
	})
	require.Nil(t, err)

	results := gt.deliverCommit(out.Message)
	require.Equal(t, StatusRemoved, results[2].Status)
	require.Equal(t, StatusRemoved, removed.Status())
	require.Equal(t, []LeafIndex{removedLeaf}, results[0].Added)

	gt.drop(2)
	gt.join(out, bundle, "dave")
	gt.check()

	// The new member reuses the blank leaf and the tree does not grow.
	require.Equal(t, removedLeaf, gt.members[len(gt.members)-1].Index())
	require.Equal(t, LeafCount(4), gt.members[0].RatchetTree().Size())

	msg, err := gt.members[0].Protect(gt.ctx, testMessage, nil)
	require.Nil(t, err)
	_, err = removed.Handle(gt.ctx, msg)
	require.True(t, errors.Is(err, ErrInactive))
	require.Equal(t, KindProtocolState, KindOf(err))

	_, err = removed.Protect(gt.ctx, testMessage, nil)
	require.True(t, errors.Is(err, ErrInactive))
	_, err = removed.Export("test", nil, 32)
	require.True(t, errors.Is(err, ErrInactive))
}

func TestGroupRemoveByProposal(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	rm, err := gt.members[1].ProposeRemove(gt.members[2].Index())
	require.Nil(t, err)
	gt.deliverProposal(1, rm)

	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	gt.deliverCommit(out.Message)
	gt.drop(2)
	gt.check()
	require.Len(t, gt.members[0].Members(), 2)
}

func TestGroupRejectsInvalidBundle(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)
	epoch := gt.members[0].Epoch()

	_, err := gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{
			{Remove: &RemoveProposal{Removed: 1}},
			{Remove: &RemoveProposal{Removed: 1}},
			{Remove: &RemoveProposal{Removed: 0}},
			{Remove: &RemoveProposal{Removed: 7}},
		},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidProposal))
	require.Equal(t, KindValidation, KindOf(err))
	require.Len(t, Violations(err), 3)

	require.Equal(t, epoch, gt.members[0].Epoch())
	_, err = gt.members[0].ApplyPendingCommit(gt.ctx)
	require.True(t, errors.Is(err, ErrNoPendingCommit))
	gt.check()
}

func TestGroupRejectsDuplicateIdentity(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(2)

	dup := gt.newBundle(gt.names[1])
	_, err := gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Add: &AddProposal{KeyPackage: dup.KeyPackage}}},
	})
	require.True(t, errors.Is(err, ErrInvalidProposal))
}

func TestGroupRejectsTamperedCommit(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)

	bad := gt.wire(out.Message)
	bad.PublicMessage.Auth.ConfirmationTag[0] ^= 0xff
	_, err = gt.members[1].Handle(gt.ctx, bad)
	require.Error(t, err)
	require.Equal(t, uint64(2), gt.members[1].Epoch())

	gt.deliverCommit(out.Message)
	gt.check()
}

func TestGroupRejectsWrongConfirmationTag(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)

	// The tag is outside the signature; the membership tag is recomputed so
	// only the confirmation check can catch it.
	committer := gt.members[0].state
	size := len(out.Message.PublicMessage.Auth.ConfirmationTag)
	for i := 0; i < size; i++ {
		ac := gt.wire(out.Message).PublicMessage.authenticatedContent()
		ac.Auth.ConfirmationTag[i] ^= 0x01
		pm, err := newPublicMessage(gt.cs, ac, committer.keys.MembershipKey, &committer.context)
		require.Nil(t, err)

		_, err = gt.members[1].Handle(gt.ctx, &MLSMessage{Version: ProtocolVersionMLS10, PublicMessage: pm})
		require.True(t, errors.Is(err, ErrConfirmationTagMismatch), "byte %d", i)
		require.Equal(t, KindValidation, KindOf(err))
		require.Equal(t, uint64(2), gt.members[1].Epoch())
	}

	gt.deliverCommit(out.Message)
	gt.check()
}

func TestGroupRejectsStaleEpoch(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(2)

	stale, err := gt.members[0].Protect(gt.ctx, testMessage, nil)
	require.Nil(t, err)

	out, err := gt.members[1].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	gt.deliverCommit(out.Message)

	_, err = gt.members[1].Handle(gt.ctx, stale)
	require.True(t, errors.Is(err, ErrEpochMismatch))
}

func TestGroupOwnCommitMismatch(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(2)

	first, err := gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	_, err = gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)

	// Only the latest staged commit is recognized as ours.
	_, err = gt.members[0].Handle(gt.ctx, gt.wire(first.Message))
	require.True(t, errors.Is(err, ErrInvalidSender))
}

func TestGroupClearPendingCommit(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	_, err := gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	gt.members[0].ClearPendingCommit()

	_, err = gt.members[0].ApplyPendingCommit(gt.ctx)
	require.True(t, errors.Is(err, ErrNoPendingCommit))

	out, err := gt.members[1].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	gt.deliverCommit(out.Message)
	gt.check()
}

func TestGroupApplyPendingCommit(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(2)

	bundle := gt.newBundle("carol")
	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Add: &AddProposal{KeyPackage: bundle.KeyPackage}}},
	})
	require.Nil(t, err)

	res, err := gt.members[0].ApplyPendingCommit(gt.ctx)
	require.Nil(t, err)
	require.True(t, res.Commit)
	require.Equal(t, []LeafIndex{2}, res.Added)

	_, err = gt.members[1].Handle(gt.ctx, gt.wire(out.Message))
	require.Nil(t, err)
	gt.join(out, bundle, "carol")
	gt.check()
}

func TestGroupCanceledContext(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(2)

	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(gt.ctx)
	cancel()
	_, err = gt.members[1].Handle(ctx, gt.wire(out.Message))
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, uint64(1), gt.members[1].Epoch())

	_, err = gt.members[0].Commit(ctx, CommitOptions{})
	require.True(t, errors.Is(err, context.Canceled))

	gt.deliverCommit(out.Message)
	gt.check()
}

func TestGroupEncryptedHandshake(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EncryptHandshake = true
	cfg.PaddingBlock = 32
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519, WithConfig(cfg))
	gt.grow(3)

	up, err := gt.members[2].ProposeUpdate()
	require.Nil(t, err)
	require.Equal(t, WireFormatPrivateMessage, up.WireFormat())
	gt.deliverProposal(2, up)

	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	require.Equal(t, WireFormatPrivateMessage, out.Message.WireFormat())
	gt.deliverCommit(out.Message)
	gt.check()
}

// sealRefusingSuite fails HPKE encryption to one chosen key.
type sealRefusingSuite struct {
	CipherSuiteProvider
	refuse *HPKEPublicKey
}

func (s sealRefusingSuite) HPKESeal(pub HPKEPublicKey, info, aad, pt []byte) (HPKECiphertext, error) {
	if s.refuse.Equals(pub) {
		return HPKECiphertext{}, errors.New("seal refused")
	}
	return s.CipherSuiteProvider.HPKESeal(pub, info, aad, pt)
}

type sealRefusingProvider struct {
	CryptoProvider
	refuse *HPKEPublicKey
}

func (p sealRefusingProvider) CipherSuiteProvider(suite CipherSuite) (CipherSuiteProvider, error) {
	cs, err := p.CryptoProvider.CipherSuiteProvider(suite)
	if err != nil {
		return nil, err
	}
	return sealRefusingSuite{CipherSuiteProvider: cs, refuse: p.refuse}, nil
}

func TestGroupFailedCommitKeepsRatchet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EncryptHandshake = true
	refuse := &HPKEPublicKey{}
	provider := sealRefusingProvider{CryptoProvider: DefaultCryptoProvider(), refuse: refuse}
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519, WithConfig(cfg), WithCryptoProvider(provider))
	gt.grow(2)

	alice := gt.members[0]
	generation := func() uint32 {
		r, ok := alice.state.keys.keys.handshake[alice.state.index]
		if !ok {
			return 0
		}
		return r.nextGeneration
	}
	require.Equal(t, uint32(0), generation())

	// The Welcome to carol cannot be built
	carol := gt.newBundle("carol")
	*refuse = carol.KeyPackage.InitKey
	_, err := alice.Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Add: &AddProposal{KeyPackage: carol.KeyPackage}}},
	})
	require.Error(t, err)
	require.Equal(t, uint32(0), generation())
	require.Equal(t, uint64(1), alice.Epoch())

	*refuse = HPKEPublicKey{}
	out, err := alice.Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	require.Equal(t, uint32(1), generation())
	gt.deliverCommit(out.Message)
	gt.check()
}

func TestGroupApplicationData(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(2)

	msg, err := gt.members[0].Protect(gt.ctx, testMessage, []byte("ad"))
	require.Nil(t, err)
	require.Equal(t, WireFormatPrivateMessage, msg.WireFormat())

	bad := gt.wire(msg)
	bad.PrivateMessage.Ciphertext[0] ^= 0x01
	_, err = gt.members[1].Handle(gt.ctx, bad)
	require.Error(t, err)

	bad = gt.wire(msg)
	bad.PrivateMessage.AuthenticatedData = []byte("other")
	_, err = gt.members[1].Handle(gt.ctx, bad)
	require.Error(t, err)

	res, err := gt.members[1].Handle(gt.ctx, gt.wire(msg))
	require.Nil(t, err)
	require.Equal(t, testMessage, res.ApplicationData)
	require.Equal(t, []byte("ad"), res.AuthenticatedData)

	// A second delivery hits a consumed generation.
	_, err = gt.members[1].Handle(gt.ctx, gt.wire(msg))
	require.True(t, errors.Is(err, ErrGenerationExpired))
}

func TestGroupConcurrentProtect(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(2)

	const count = 32
	msgs := make([]*MLSMessage, count)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := gt.members[0].Protect(gt.ctx, []byte{byte(i)}, nil)
			if err == nil {
				msgs[i] = msg
			}
		}(i)
	}
	wg.Wait()

	// Out of order delivery within the forward window.
	for i := count - 1; i >= 0; i-- {
		require.NotNil(t, msgs[i])
		res, err := gt.members[1].Handle(gt.ctx, gt.wire(msgs[i]))
		require.Nil(t, err)
		require.Equal(t, []byte{byte(i)}, res.ApplicationData)
	}
}

func TestGroupExport(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	ref, err := gt.members[0].Export("exporter test", []byte("ctx"), 42)
	require.Nil(t, err)
	require.Len(t, ref, 42)

	for _, m := range gt.members[1:] {
		out, err := m.Export("exporter test", []byte("ctx"), 42)
		require.Nil(t, err)
		require.Equal(t, ref, out)
	}

	other, err := gt.members[0].Export("another label", []byte("ctx"), 42)
	require.Nil(t, err)
	require.NotEqual(t, ref, other)
}

func TestGroupContextExtensions(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	exts := NewExtensionList()
	require.Nil(t, exts.Add(ApplicationIDExtension{ApplicationID: []byte("chat")}))
	gce, err := gt.members[1].ProposeGroupContextExtensions(exts)
	require.Nil(t, err)
	gt.deliverProposal(1, gce)

	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	gt.deliverCommit(out.Message)
	gt.check()

	var app ApplicationIDExtension
	found, err := gt.members[2].Context().Extensions.Find(&app)
	require.Nil(t, err)
	require.True(t, found)
	require.Equal(t, []byte("chat"), app.ApplicationID)

	// Nobody can meet this requirement.
	required := NewExtensionList()
	require.Nil(t, required.Add(RequiredCapabilitiesExtension{
		Extensions:  []ExtensionType{0xff00},
		Proposals:   []ProposalType{},
		Credentials: []CredentialType{},
	}))
	_, err = gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: required}}},
	})
	require.True(t, errors.Is(err, ErrInvalidProposal))
}

func TestGroupExternalPSK(t *testing.T) {
	store := NewMemoryPSKStore()
	store.Add([]byte("psk-id"), []byte("shared secret"))
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519, WithPSKStore(store))
	gt.grow(2)

	psk, err := gt.members[0].ProposeExternalPSK([]byte("psk-id"))
	require.Nil(t, err)
	gt.deliverProposal(0, psk)

	bundle := gt.newBundle("carol")
	out, err := gt.members[1].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Add: &AddProposal{KeyPackage: bundle.KeyPackage}}},
	})
	require.Nil(t, err)
	gt.deliverCommit(out.Message)
	gt.join(out, bundle, "carol")
	gt.check()

	unknown, err := gt.members[0].ProposeExternalPSK([]byte("missing"))
	require.Nil(t, err)
	gt.deliverProposal(0, unknown)
	_, err = gt.members[1].Commit(gt.ctx, CommitOptions{})
	require.True(t, errors.Is(err, ErrInvalidProposal))
}

func TestGroupResumptionPSK(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	epoch := gt.members[0].Epoch()
	secret, ok := gt.members[2].ResumptionSecret(groupID, epoch)
	require.True(t, ok)
	require.NotEmpty(t, secret)

	psk, err := gt.members[2].ProposeResumptionPSK(epoch)
	require.Nil(t, err)
	gt.deliverProposal(2, psk)

	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	gt.deliverCommit(out.Message)
	gt.check()

	// The joiner of the last epoch never saw epoch 0.
	_, ok = gt.members[2].ResumptionSecret(groupID, 0)
	require.False(t, ok)
	_, ok = gt.members[0].ResumptionSecret(groupID, 0)
	require.True(t, ok)
}

func TestGroupReInit(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	reinit, err := gt.members[1].ProposeReInit([]byte("next-group"), P256_AES128GCM_SHA256_P256, NewExtensionList())
	require.Nil(t, err)
	gt.deliverProposal(1, reinit)

	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{})
	require.Nil(t, err)
	require.Nil(t, out.Message.PublicMessage.Content.Commit.Path)

	results := gt.deliverCommit(out.Message)
	for i, m := range gt.members {
		require.Equal(t, StatusReInitPending, results[i].Status)
		require.Equal(t, StatusReInitPending, m.Status())

		p, ok := m.ReInitProposal()
		require.True(t, ok)
		require.Equal(t, []byte("next-group"), p.GroupID)
		require.Equal(t, P256_AES128GCM_SHA256_P256, p.CipherSuite)

		_, err := m.Protect(gt.ctx, testMessage, nil)
		require.True(t, errors.Is(err, ErrInactive))
	}
}

func TestGroupReInitCombined(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	_, err := gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{
			{ReInit: &ReInitProposal{GroupID: []byte("g"), Version: ProtocolVersionMLS10, CipherSuite: gt.suite, Extensions: NewExtensionList()}},
			{Remove: &RemoveProposal{Removed: 2}},
		},
	})
	require.True(t, errors.Is(err, ErrInvalidProposal))
}

func TestGroupReceiverFilter(t *testing.T) {
	noRemoves := ProposalFilterFunc(func(ctx ProposalFilterContext, proposals []ProposalInfo) ([]ProposalInfo, error) {
		out := []ProposalInfo{}
		for _, p := range proposals {
			if p.Proposal.Type() != ProposalTypeRemove {
				out = append(out, p)
			}
		}
		return out, nil
	})

	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(2)

	bundle := gt.newBundle("carol")
	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Add: &AddProposal{KeyPackage: bundle.KeyPackage}}},
	})
	require.Nil(t, err)
	gt.deliverCommit(out.Message)

	picky, err := Join(gt.ctx, out.Welcome, bundle, nil, append(gt.opts, WithProposalFilter(noRemoves))...)
	require.Nil(t, err)
	gt.members = append(gt.members, picky)
	gt.check()

	out, err = gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Remove: &RemoveProposal{Removed: 1}}},
	})
	require.Nil(t, err)
	_, err = picky.Handle(gt.ctx, gt.wire(out.Message))
	require.True(t, errors.Is(err, ErrInvalidProposal))
	require.Equal(t, uint64(2), picky.Epoch())
}

func TestGroupExternalJoin(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	gi, err := gt.members[1].GroupInfo(GroupInfoOptions{RatchetTree: true})
	require.Nil(t, err)

	bundle := gt.newBundle("eve")
	g, msg, err := ExternalJoin(gt.ctx, gi, nil, bundle, gt.opts...)
	require.Nil(t, err)
	require.Equal(t, WireFormatPublicMessage, msg.WireFormat())
	require.Equal(t, SenderTypeNewMemberCommit, msg.PublicMessage.Content.Sender.Type)

	gt.deliverCommit(msg)
	gt.members = append(gt.members, g)
	gt.names = append(gt.names, "eve")
	gt.check()
	require.Len(t, gt.members[0].Members(), 4)
}

func TestGroupExternalRejoin(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	gi, err := gt.members[0].GroupInfo(GroupInfoOptions{})
	require.Nil(t, err)

	// The member at position 2 lost its state and comes back.
	old := gt.members[2]
	g, msg, err := ExternalJoin(gt.ctx, gi, gt.members[0].RatchetTree(), gt.newBundle(gt.names[2]), gt.opts...)
	require.Nil(t, err)

	res, err := old.Handle(gt.ctx, gt.wire(msg))
	require.Nil(t, err)
	require.Equal(t, StatusRemoved, res.Status)

	gt.drop(2)
	gt.deliverCommit(msg)
	gt.members = append(gt.members, g)
	gt.check()
	require.Len(t, gt.members[0].Members(), 3)
}

func TestGroupJoinWithStore(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(2)

	store := NewMemoryKeyPackageStore()
	unused := gt.newBundle("carol")
	bundle := gt.newBundle("carol")
	for _, b := range []*KeyPackageBundle{unused, bundle} {
		_, err := store.Add(gt.cs, b)
		require.Nil(t, err)
	}

	out, err := gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Add: &AddProposal{KeyPackage: bundle.KeyPackage}}},
	})
	require.Nil(t, err)
	gt.deliverCommit(out.Message)

	_, err = JoinWithStore(gt.ctx, out.Welcome, NewMemoryKeyPackageStore(), nil, gt.opts...)
	require.True(t, errors.Is(err, ErrKeyPackageNotFound))

	g, err := JoinWithStore(gt.ctx, out.Welcome, store, nil, gt.opts...)
	require.Nil(t, err)
	require.Equal(t, 1, store.Len())
	ref, err := bundle.KeyPackage.Ref(gt.cs)
	require.Nil(t, err)
	_, ok := store.KeyPackage(ref)
	require.False(t, ok)

	gt.members = append(gt.members, g)
	gt.names = append(gt.names, "carol")
	gt.check()
}

func TestGroupExternalJoinResyncRules(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(3)

	gi, err := gt.members[0].GroupInfo(GroupInfoOptions{RatchetTree: true})
	require.Nil(t, err)

	rejected := func(msg *MLSMessage) {
		for i, m := range gt.members {
			_, err := m.Handle(gt.ctx, gt.wire(msg))
			require.True(t, errors.Is(err, ErrInvalidProposal), "member %d", i)
			require.Equal(t, uint64(2), m.Epoch())
			require.Equal(t, StatusActive, m.Status())
		}
	}

	// A new identity cannot evict someone else's leaf
	evict := func(*RatchetTree, LeafNode) (LeafIndex, bool) { return 1, true }
	_, msg, err := externalJoin(gt.ctx, gi, nil, gt.newBundle("mallory"), evict, gt.opts...)
	require.Nil(t, err)
	rejected(msg)

	// A live identity cannot take a second leaf
	keep := func(*RatchetTree, LeafNode) (LeafIndex, bool) { return 0, false }
	_, msg, err = externalJoin(gt.ctx, gi, nil, gt.newBundle(gt.names[2]), keep, gt.opts...)
	require.Nil(t, err)
	rejected(msg)

	require.Len(t, gt.members[0].Members(), 3)
	gt.check()
}

func TestGroupExternalJoinTamperedGroupInfo(t *testing.T) {
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519)
	gt.grow(2)

	gi, err := gt.members[0].GroupInfo(GroupInfoOptions{RatchetTree: true})
	require.Nil(t, err)
	gi.ConfirmationTag[0] ^= 0xff

	_, _, err = ExternalJoin(gt.ctx, gi, nil, gt.newBundle("mallory"), gt.opts...)
	require.True(t, errors.Is(err, ErrInvalidSignature))

	gi, err = gt.members[0].GroupInfo(GroupInfoOptions{})
	require.Nil(t, err)
	_, _, err = ExternalJoin(gt.ctx, gi, nil, gt.newBundle("mallory"), gt.opts...)
	require.True(t, errors.Is(err, ErrMissingRatchetTree))
}

func TestGroupMaxLeaves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLeaves = 2
	gt := newGroupTest(t, X25519_AES128GCM_SHA256_Ed25519, WithConfig(cfg))
	gt.grow(2)

	bundle := gt.newBundle("carol")
	_, err := gt.members[0].Commit(gt.ctx, CommitOptions{
		Proposals: []Proposal{{Add: &AddProposal{KeyPackage: bundle.KeyPackage}}},
	})
	require.True(t, errors.Is(err, ErrCapacity))
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "active", StatusActive.String())
	require.Equal(t, "removed", StatusRemoved.String())
	require.Equal(t, "reinit-pending", StatusReInitPending.String())
	require.Equal(t, "Status(9)", Status(9).String())
}
