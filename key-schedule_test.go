package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var ratchetSecret = unhex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

func TestHashRatchet(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	c := cs.Constants()

	sender := newHashRatchet(cs, dup(ratchetSecret), 4)
	sent := make([]keyAndNonce, 3)
	for i := range sent {
		gen, kn, err := sender.Next()
		require.Nil(t, err)
		require.Equal(t, uint32(i), gen)
		require.Len(t, kn.Key, c.KeySize)
		require.Len(t, kn.Nonce, c.NonceSize)
		sent[i] = kn
	}
	require.NotEqual(t, sent[0].Key, sent[1].Key)

	receiver := newHashRatchet(cs, dup(ratchetSecret), 4)
	kn, err := receiver.Get(2)
	require.Nil(t, err)
	require.Equal(t, sent[2], kn)

	// Skipped generations stay available exactly once
	kn, err = receiver.Get(0)
	require.Nil(t, err)
	require.Equal(t, sent[0], kn)

	_, err = receiver.Get(0)
	require.True(t, errors.Is(err, ErrGenerationExpired))
	require.Equal(t, KindProtocolState, KindOf(err))

	kn, err = receiver.Get(1)
	require.Nil(t, err)
	require.Equal(t, sent[1], kn)

	_, err = receiver.Get(2)
	require.True(t, errors.Is(err, ErrGenerationExpired))

	// Only maxForward generations may be skipped
	_, err = receiver.Get(8)
	require.Equal(t, KindValidation, KindOf(err))
	_, err = receiver.Get(7)
	require.Nil(t, err)
}

func TestHashRatchetRestore(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	r := newHashRatchet(cs, dup(ratchetSecret), 0)

	kn, err := r.Get(0)
	require.Nil(t, err)
	r.restore(0, kn.clone())

	again, err := r.Get(0)
	require.Nil(t, err)
	require.Equal(t, kn, again)

	// Generations that were never handed out cannot be planted
	r.restore(5, kn.clone())
	_, ok := r.cache[5]
	require.False(t, ok)

	r.zeroize()
	require.Empty(t, r.cache)
	require.True(t, isZero(r.nextSecret))
}

func TestReuseGuard(t *testing.T) {
	kn := keyAndNonce{Key: []byte{1}, Nonce: unhex("00000000ffff")}
	nonce := kn.applyReuseGuard([4]byte{1, 2, 3, 4})
	require.Equal(t, unhex("01020304ffff"), nonce)
	require.Equal(t, unhex("00000000ffff"), kn.Nonce)
}

func TestSecretTree(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	size := LeafCount(8)
	forward := newSecretTree(cs, size, ratchetSecret)
	backward := newSecretTree(cs, size, ratchetSecret)

	hs := make([][]byte, size)
	app := make([][]byte, size)
	for i := LeafIndex(0); LeafCount(i) < size; i++ {
		var err error
		hs[i], app[i], err = forward.leafSecrets(i)
		require.Nil(t, err)
		require.NotEqual(t, hs[i], app[i])
	}
	require.Empty(t, forward.secrets)

	for i := int(size) - 1; i >= 0; i-- {
		h, a, err := backward.leafSecrets(LeafIndex(i))
		require.Nil(t, err)
		require.Equal(t, hs[i], h)
		require.Equal(t, app[i], a)
	}

	_, _, err := backward.leafSecrets(3)
	require.Equal(t, KindProtocolState, KindOf(err))

	_, _, err = backward.leafSecrets(8)
	require.True(t, errors.Is(err, ErrUnknownLeaf))
}

func TestGroupKeySource(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	sender := newGroupKeySource(newSecretTree(cs, 4, ratchetSecret), 16)
	receiver := newGroupKeySource(newSecretTree(cs, 4, ratchetSecret), 16)

	gen, appKey, err := sender.Next(1, ContentTypeApplication)
	require.Nil(t, err)
	require.Equal(t, uint32(0), gen)

	gen, hsKey, err := sender.Next(1, ContentTypeCommit)
	require.Nil(t, err)
	require.Equal(t, uint32(0), gen)
	require.NotEqual(t, appKey, hsKey)

	kn, err := receiver.Get(1, ContentTypeApplication, 0)
	require.Nil(t, err)
	require.Equal(t, appKey, kn)

	receiver.restore(1, ContentTypeApplication, 0, kn.clone())
	kn, err = receiver.Get(1, ContentTypeApplication, 0)
	require.Nil(t, err)
	require.Equal(t, appKey, kn)

	kn, err = receiver.Get(1, ContentTypeProposal, 0)
	require.Nil(t, err)
	require.Equal(t, hsKey, kn)

	_, _, err = sender.Next(4, ContentTypeApplication)
	require.True(t, errors.Is(err, ErrUnknownLeaf))

	receiver.zeroize()
	require.Empty(t, receiver.tree.secrets)
}

func TestKeyScheduleEpoch(t *testing.T) {
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			cs := newSuiteProvider(t, suite)
			nh := cs.Constants().SecretSize
			epochSecret := randomBytes(nh)

			a, err := newKeyScheduleEpoch(cs, epochSecret, 4, 0)
			require.Nil(t, err)
			b, err := newKeyScheduleEpoch(cs, epochSecret, 4, 0)
			require.Nil(t, err)

			for _, s := range [][]byte{a.SenderDataSecret, a.EncryptionSecret, a.ExporterSecret,
				a.ExternalSecret, a.ConfirmationKey, a.MembershipKey, a.ResumptionPSK,
				a.EpochAuthenticator, a.InitSecret} {
				require.Len(t, s, nh)
			}
			require.NotEqual(t, a.InitSecret, a.EpochAuthenticator)
			require.Equal(t, a.InitSecret, b.InitSecret)

			commitSecret := randomBytes(nh)
			context := []byte("next context")
			nextA, err := a.Next(commitSecret, nil, context, 4, 0)
			require.Nil(t, err)
			nextB, err := b.Next(commitSecret, make([]byte, nh), context, 4, 0)
			require.Nil(t, err)
			require.Equal(t, nextA.epoch.EpochAuthenticator, nextB.epoch.EpochAuthenticator)
			require.Equal(t, nextA.welcomeSecret, nextB.welcomeSecret)

			// A joiner starting from the joiner secret lands in the same epoch
			joined, err := epochFromJoiner(cs, nextA.joinerSecret, nil, context, 4, 0)
			require.Nil(t, err)
			require.Equal(t, nextA.epoch.InitSecret, joined.epoch.InitSecret)
			require.Equal(t, nextA.epoch.ConfirmationKey, joined.epoch.ConfirmationKey)

			other, err := a.Next(commitSecret, nil, []byte("other context"), 4, 0)
			require.Nil(t, err)
			require.NotEqual(t, nextA.epoch.EpochAuthenticator, other.epoch.EpochAuthenticator)

			withPSK, err := a.Next(commitSecret, randomBytes(nh), context, 4, 0)
			require.Nil(t, err)
			require.NotEqual(t, nextA.epoch.EpochAuthenticator, withPSK.epoch.EpochAuthenticator)

			nextA.zeroizeJoin()
			require.True(t, isZero(nextA.joinerSecret))
			require.True(t, isZero(nextA.welcomeSecret))
		})
	}
}

func TestKeyScheduleExport(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	kse, err := newKeyScheduleEpoch(cs, dup(ratchetSecret), 2, 0)
	require.Nil(t, err)

	out1, err := kse.Export("label", []byte("context"), 42)
	require.Nil(t, err)
	require.Len(t, out1, 42)

	out2, err := kse.Export("label", []byte("context"), 42)
	require.Nil(t, err)
	require.Equal(t, out1, out2)

	out3, err := kse.Export("other", []byte("context"), 42)
	require.Nil(t, err)
	require.NotEqual(t, out1, out3)
}

func TestSenderDataKey(t *testing.T) {
	cs := newSuiteProvider(t, X25519_AES128GCM_SHA256_Ed25519)
	nh := cs.Constants().SecretSize
	kse, err := newKeyScheduleEpoch(cs, dup(ratchetSecret), 2, 0)
	require.Nil(t, err)

	ct := randomBytes(2 * nh)
	k1, err := kse.senderDataKeyAndNonce(ct)
	require.Nil(t, err)
	require.Len(t, k1.Key, cs.Constants().KeySize)
	require.Len(t, k1.Nonce, cs.Constants().NonceSize)

	// Only the leading sample of the ciphertext matters
	tail := dup(ct)
	tail[len(tail)-1] ^= 0xff
	k2, err := kse.senderDataKeyAndNonce(tail)
	require.Nil(t, err)
	require.Equal(t, k1, k2)

	head := dup(ct)
	head[0] ^= 0xff
	k3, err := kse.senderDataKeyAndNonce(head)
	require.Nil(t, err)
	require.NotEqual(t, k1.Key, k3.Key)

	_, err = kse.senderDataKeyAndNonce(ct[:4])
	require.Nil(t, err)
}

func TestExternalInit(t *testing.T) {
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			cs := newSuiteProvider(t, suite)
			kse, err := newKeyScheduleEpoch(cs, randomBytes(cs.Constants().SecretSize), 2, 0)
			require.Nil(t, err)

			kemOutput, secret, err := externalInitSecret(cs, kse.ExternalPriv.PublicKey)
			require.Nil(t, err)
			require.Len(t, secret, cs.Constants().SecretSize)

			received, err := kse.receiveExternalInit(kemOutput)
			require.Nil(t, err)
			require.Equal(t, secret, received)

			kse.zeroize()
			require.True(t, isZero(kse.InitSecret))
			require.True(t, isZero(kse.ExternalPriv.Data))
		})
	}
}
