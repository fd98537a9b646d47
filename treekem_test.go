package mls

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type treeKEMMember struct {
	bundle *KeyPackageBundle
	tree   *RatchetTree
	priv   *TreeKEMPrivateKey
}

type treeKEMTest struct {
	t        *testing.T
	cs       CipherSuiteProvider
	members  []*treeKEMMember
	lastPath *UpdatePath
}

var treeKEMContext = func() ([]byte, error) { return []byte("group context"), nil }

func newTreeKEMTest(t *testing.T, cs CipherSuiteProvider, size int) *treeKEMTest {
	tt := &treeKEMTest{t: t, cs: cs}
	tree := NewRatchetTree(cs)
	for i := 0; i < size; i++ {
		bundle := newTestKeyPackage(t, cs, fmt.Sprintf("member-%d", i), KeyPackageOptions{})
		index, err := tree.AddLeaf(bundle.KeyPackage.LeafNode)
		require.Nil(t, err)

		tt.members = append(tt.members, &treeKEMMember{
			bundle: bundle,
			priv:   NewTreeKEMPrivateKey(cs, index, bundle.EncryptionPriv),
		})
	}

	for _, m := range tt.members {
		m.tree = tree.Clone()
	}
	return tt
}

// add puts a new leaf into every member's tree and returns the joiner.
func (tt *treeKEMTest) add(name string) *treeKEMMember {
	bundle := newTestKeyPackage(tt.t, tt.cs, name, KeyPackageOptions{})

	var index LeafIndex
	var err error
	for _, m := range tt.members {
		index, err = m.tree.AddLeaf(bundle.KeyPackage.LeafNode)
		require.Nil(tt.t, err)
	}

	joiner := &treeKEMMember{
		bundle: bundle,
		tree:   tt.members[0].tree.Clone(),
		priv:   NewTreeKEMPrivateKey(tt.cs, index, bundle.EncryptionPriv),
	}
	tt.members = append(tt.members, joiner)
	return joiner
}

func (tt *treeKEMTest) encap(from int, exclude map[LeafIndex]bool) (*UpdatePath, []byte) {
	sender := tt.members[from]
	leafPriv, err := tt.cs.HPKEGenerate()
	require.Nil(tt.t, err)

	leaf, ok := sender.tree.Leaf(sender.priv.Index)
	require.True(tt.t, ok)

	path, priv, commitSecret, err := sender.tree.Encap(encapRequest{
		from:     sender.priv.Index,
		groupID:  groupID,
		leaf:     *leaf,
		leafPriv: leafPriv,
		sigPriv:  sender.bundle.SignaturePriv,
		exclude:  exclude,
		context:  treeKEMContext,
	})
	require.Nil(tt.t, err)
	require.True(tt.t, priv.Consistent(sender.tree))
	sender.priv = priv
	tt.lastPath = path
	return path, commitSecret
}

// commit runs one full path update from sender and checks that every other
// member arrives at the same tree and commit secret.
func (tt *treeKEMTest) commit(from int) []byte {
	path, commitSecret := tt.encap(from, nil)
	sender := tt.members[from]

	for i, m := range tt.members {
		if i == from {
			continue
		}

		priv, secret, err := m.tree.Decap(m.priv, decapRequest{
			from:    sender.priv.Index,
			path:    *path,
			context: treeKEMContext,
		})
		require.Nil(tt.t, err, "member %d", i)
		require.Equal(tt.t, commitSecret, secret, "member %d", i)
		require.True(tt.t, priv.Consistent(m.tree), "member %d", i)
		require.True(tt.t, m.tree.Equals(sender.tree), "member %d", i)
		m.priv = priv
	}

	for _, m := range tt.members {
		require.Nil(tt.t, m.tree.VerifyParentHashes())
		require.Nil(tt.t, m.tree.verifyLeaves(groupID))
	}
	return commitSecret
}

func TestTreeKEM(t *testing.T) {
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			tt := newTreeKEMTest(t, newSuiteProvider(t, suite), 3)

			s1 := tt.commit(0)
			tt.add("member-3")
			s2 := tt.commit(1)
			s3 := tt.commit(3)
			require.NotEqual(t, s1, s2)
			require.NotEqual(t, s2, s3)
		})
	}
}

func TestTreeKEMLargeGroup(t *testing.T) {
	tt := newTreeKEMTest(t, newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519), 10)
	for _, m := range []int{0, 9, 4} {
		tt.commit(m)
	}

	tt.members = append(tt.members[:7], tt.members[8:]...)
	for _, m := range tt.members {
		require.Nil(t, m.tree.RemoveLeaf(7))
		m.priv.prune(m.tree)
		require.True(t, m.priv.Consistent(m.tree))
	}
	tt.commit(2)
}

func TestTreeKEMFourMembers(t *testing.T) {
	tt := newTreeKEMTest(t, newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519), 4)
	tt.commit(0)

	// Leaf 2 reaches leaf 3 through node 5 and leaves 0 and 1 through node 1
	tt.commit(2)
	require.Len(t, tt.lastPath.Nodes, 2)
	for _, n := range tt.lastPath.Nodes {
		require.Len(t, n.EncryptedPathSecret, 1)
	}
	for _, i := range []int{0, 1, 3} {
		m := tt.members[i]
		held := 0
		for _, n := range []NodeIndex{1, 6} {
			if _, ok := m.priv.PrivateKeys[n]; ok {
				held++
			}
		}
		require.Equal(t, 1, held, "member %d", i)
	}
}

func TestTreeKEMRemovedMemberLocked(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	tt := newTreeKEMTest(t, cs, 4)
	tt.commit(0)
	tt.commit(3)

	gone := tt.members[2]
	leaf := gone.priv.Index
	oldPriv, oldTree := gone.priv.Clone(), gone.tree.Clone()

	tt.members = append(tt.members[:2], tt.members[3:]...)
	for _, m := range tt.members {
		require.Nil(t, m.tree.RemoveLeaf(leaf))
		m.priv.prune(m.tree)
	}
	before := tt.members[1].tree.Clone()
	secret := tt.commit(0)

	// Neither the stale view of the tree nor the updated one lets the old
	// keys reach the new commit secret
	for _, tree := range []*RatchetTree{oldTree, before} {
		_, got, err := tree.Decap(oldPriv, decapRequest{
			from:    tt.members[0].priv.Index,
			path:    *tt.lastPath,
			context: treeKEMContext,
		})
		if err == nil {
			require.NotEqual(t, secret, got)
		}
	}
}

func TestTreeKEMJoiner(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	tt := newTreeKEMTest(t, cs, 3)
	tt.commit(0)

	// The joiner is excluded from the path and takes its secret directly
	joiner := tt.add("member-3")
	path, _ := tt.encap(1, map[LeafIndex]bool{joiner.priv.Index: true})
	sender := tt.members[1]

	require.Len(t, path.Nodes, 2)
	require.Len(t, path.Nodes[1].EncryptedPathSecret, 1)

	_, pathSecret, ok := sender.priv.PathSecret(joiner.priv.Index)
	require.True(t, ok)

	priv, err := NewJoinerPrivateKey(sender.tree, joiner.priv.Index, joiner.bundle.EncryptionPriv, sender.priv.Index, pathSecret)
	require.Nil(t, err)
	require.True(t, priv.Consistent(sender.tree))

	root := sender.tree.rootIndex()
	require.Equal(t, sender.priv.PathSecrets[root], priv.PathSecrets[root])

	_, err = NewJoinerPrivateKey(sender.tree, joiner.priv.Index, joiner.bundle.EncryptionPriv, sender.priv.Index, randomBytes(len(pathSecret)))
	require.True(t, errors.Is(err, ErrInvalidUpdatePath))
}

func TestTreeKEMRejectsBadPath(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	tt := newTreeKEMTest(t, cs, 4)
	path, _ := tt.encap(0, nil)
	receiver := tt.members[3]
	from := tt.members[0].priv.Index

	decap := func(p UpdatePath) error {
		_, _, err := receiver.tree.Clone().Decap(receiver.priv, decapRequest{from: from, path: p, context: treeKEMContext})
		return err
	}

	short := *path
	short.Nodes = short.Nodes[:1]
	require.True(t, errors.Is(decap(short), ErrInvalidUpdatePath))

	badHash := *path
	badHash.LeafNode = path.LeafNode.Clone()
	badHash.LeafNode.ParentHash = randomBytes(cs.Constants().SecretSize)
	require.True(t, errors.Is(decap(badHash), ErrParentHashMismatch))

	badKey := *path
	badKey.Nodes = append([]UpdatePathNode{}, path.Nodes...)
	badKey.Nodes[1].EncryptionKey = tt.members[1].bundle.EncryptionPriv.PublicKey
	require.Error(t, decap(badKey))

	// The receiver's state is untouched by the failed attempts
	require.True(t, receiver.priv.Consistent(receiver.tree))
	require.Nil(t, decap(*path))
}

func TestTreeKEMParentHashTamper(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	tt := newTreeKEMTest(t, cs, 4)
	tt.commit(0)

	tree := tt.members[1].tree.Clone()
	parent := tree.parentNode(tree.rootIndex())
	require.NotNil(t, parent)
	parent.EncryptionKey = tt.members[2].bundle.EncryptionPriv.PublicKey
	tree.clearAllHashes()

	err := tree.VerifyParentHashes()
	require.True(t, errors.Is(err, ErrParentHashMismatch))
}

func TestTreeKEMPrivateKeyZeroize(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	tt := newTreeKEMTest(t, cs, 2)
	tt.commit(0)

	priv := tt.members[0].priv.Clone()
	var secrets [][]byte
	for _, s := range priv.PathSecrets {
		secrets = append(secrets, s)
	}
	require.NotEmpty(t, secrets)

	priv.Zeroize()
	require.Empty(t, priv.PathSecrets)
	require.Empty(t, priv.PrivateKeys)
	for _, s := range secrets {
		require.True(t, isZero(s))
	}

	// The original is a separate copy
	require.True(t, tt.members[0].priv.Consistent(tt.members[0].tree))
}
