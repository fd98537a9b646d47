package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestGroupInfo(t *testing.T, cs CipherSuiteProvider) (*GroupInfo, *RatchetTree, []*KeyPackageBundle) {
	bundles := []*KeyPackageBundle{
		newTestKeyPackage(t, cs, "alice", KeyPackageOptions{}),
		newTestKeyPackage(t, cs, "bob", KeyPackageOptions{}),
	}
	tree := NewRatchetTree(cs)
	for _, b := range bundles {
		_, err := tree.AddLeaf(b.KeyPackage.LeafNode)
		require.Nil(t, err)
	}

	treeHash, err := tree.TreeHash()
	require.Nil(t, err)

	exts := NewExtensionList()
	require.Nil(t, exts.Add(RatchetTreeExtension{Tree: tree}))

	gi := &GroupInfo{
		GroupContext: GroupContext{
			Version:                 ProtocolVersionMLS10,
			CipherSuite:             cs.CipherSuite(),
			GroupID:                 groupID,
			Epoch:                   1,
			TreeHash:                treeHash,
			ConfirmedTranscriptHash: randomBytes(cs.Constants().SecretSize),
			Extensions:              NewExtensionList(),
		},
		Extensions:      exts,
		ConfirmationTag: randomBytes(cs.Constants().SecretSize),
		Signer:          1,
	}
	require.Nil(t, gi.sign(cs, bundles[1].SignaturePriv))
	return gi, tree, bundles
}

func TestGroupInfo(t *testing.T) {
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			cs := newSuiteProvider(t, suite)
			gi, tree, _ := newTestGroupInfo(t, cs)
			require.Nil(t, gi.verify(cs, tree))

			enc, err := marshal(gi)
			require.Nil(t, err)
			var decoded GroupInfo
			require.Nil(t, unmarshal(enc, &decoded))

			decodedTree, err := decoded.ratchetTree()
			require.Nil(t, err)
			require.NotNil(t, decodedTree)
			require.True(t, tree.Equals(decodedTree))
			decodedTree.SetCipherSuite(cs)
			require.Nil(t, decoded.verify(cs, decodedTree))

			treeHash, err := decodedTree.TreeHash()
			require.Nil(t, err)
			require.Equal(t, decoded.GroupContext.TreeHash, treeHash)

			// The signature covers the confirmation tag
			decoded.ConfirmationTag[0] ^= 0xff
			require.True(t, errors.Is(decoded.verify(cs, decodedTree), ErrInvalidSignature))

			decoded.Signer = 7
			require.True(t, errors.Is(decoded.verify(cs, decodedTree), ErrUnknownLeaf))
		})
	}
}

func TestGroupInfoExtensions(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	gi, _, _ := newTestGroupInfo(t, cs)

	_, err := gi.externalPub()
	require.True(t, errors.Is(err, ErrMissingExtension))

	pub := HPKEPublicKey{randomBytes(32)}
	require.Nil(t, gi.Extensions.Add(ExternalPubExtension{ExternalPub: pub}))
	found, err := gi.externalPub()
	require.Nil(t, err)
	require.Equal(t, pub, found)

	gi.Extensions.Remove(ExtensionTypeRatchetTree)
	tree, err := gi.ratchetTree()
	require.Nil(t, err)
	require.Nil(t, tree)
}

func TestWelcome(t *testing.T) {
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			cs := newSuiteProvider(t, suite)
			nh := cs.Constants().SecretSize
			gi, _, _ := newTestGroupInfo(t, cs)
			welcomeSecret := randomBytes(nh)

			welcome, err := newWelcome(cs, welcomeSecret, gi)
			require.Nil(t, err)
			require.Equal(t, cs.CipherSuite(), welcome.CipherSuite)

			carol := newTestKeyPackage(t, cs, "carol", KeyPackageOptions{})
			dave := newTestKeyPackage(t, cs, "dave", KeyPackageOptions{})
			eve := newTestKeyPackage(t, cs, "eve", KeyPackageOptions{})

			joinerSecret := randomBytes(nh)
			pathSecret := randomBytes(nh)
			require.Nil(t, welcome.encryptTo(cs, carol.KeyPackage, GroupSecrets{
				JoinerSecret: joinerSecret,
				PSKs:         []PreSharedKeyID{},
			}))
			require.Nil(t, welcome.encryptTo(cs, dave.KeyPackage, GroupSecrets{
				JoinerSecret: joinerSecret,
				PathSecret:   &PathSecret{Secret: pathSecret},
				PSKs:         []PreSharedKeyID{},
			}))
			require.Len(t, welcome.Secrets, 2)

			enc, err := marshal(welcome)
			require.Nil(t, err)
			var decoded Welcome
			require.Nil(t, unmarshal(enc, &decoded))

			gs, err := decoded.decryptSecrets(cs, carol.KeyPackage, carol.InitPriv)
			require.Nil(t, err)
			require.Equal(t, joinerSecret, gs.JoinerSecret)
			require.Nil(t, gs.PathSecret)

			gs, err = decoded.decryptSecrets(cs, dave.KeyPackage, dave.InitPriv)
			require.Nil(t, err)
			require.Equal(t, joinerSecret, gs.JoinerSecret)
			require.NotNil(t, gs.PathSecret)
			require.Equal(t, pathSecret, gs.PathSecret.Secret)

			gs.zeroize()
			require.True(t, isZero(gs.JoinerSecret))
			require.True(t, isZero(gs.PathSecret.Secret))

			_, err = decoded.decryptSecrets(cs, eve.KeyPackage, eve.InitPriv)
			require.True(t, errors.Is(err, ErrKeyPackageNotFound))

			_, err = decoded.decryptSecrets(cs, carol.KeyPackage, dave.InitPriv)
			require.Error(t, err)

			opened, err := decoded.decryptGroupInfo(cs, welcomeSecret)
			require.Nil(t, err)
			expected, err := marshal(gi)
			require.Nil(t, err)
			actual, err := marshal(opened)
			require.Nil(t, err)
			require.Equal(t, expected, actual)

			_, err = decoded.decryptGroupInfo(cs, randomBytes(nh))
			require.Error(t, err)
		})
	}
}
