package mls

import (
	"fmt"
)

type keyAndNonce struct {
	Key   []byte
	Nonce []byte
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

func (k keyAndNonce) zeroize() {
	zeroizeAll(k.Key, k.Nonce)
}

// applyReuseGuard XORs the guard into the first bytes of the nonce.
func (k keyAndNonce) applyReuseGuard(guard [4]byte) []byte {
	nonce := dup(k.Nonce)
	for i := range guard {
		nonce[i] ^= guard[i]
	}
	return nonce
}

///
/// Hash ratchet
///

// hashRatchet produces the per-generation keys of one sender and content
// type. Keys handed out for decryption are erased from the ratchet.
type hashRatchet struct {
	cs             CipherSuiteProvider
	nextSecret     []byte
	nextGeneration uint32
	cache          map[uint32]keyAndNonce
	maxForward     uint32
}

func newHashRatchet(cs CipherSuiteProvider, baseSecret []byte, maxForward uint32) *hashRatchet {
	return &hashRatchet{
		cs:         cs,
		nextSecret: baseSecret,
		cache:      map[uint32]keyAndNonce{},
		maxForward: maxForward,
	}
}

func (hr *hashRatchet) derive() (uint32, keyAndNonce, error) {
	c := hr.cs.Constants()
	generation := hr.nextGeneration

	key, err := deriveTreeSecret(hr.cs, hr.nextSecret, "key", generation, c.KeySize)
	if err != nil {
		return 0, keyAndNonce{}, err
	}
	nonce, err := deriveTreeSecret(hr.cs, hr.nextSecret, "nonce", generation, c.NonceSize)
	if err != nil {
		return 0, keyAndNonce{}, err
	}
	secret, err := deriveTreeSecret(hr.cs, hr.nextSecret, "secret", generation, c.SecretSize)
	if err != nil {
		return 0, keyAndNonce{}, err
	}

	hr.nextGeneration++
	zeroize(hr.nextSecret)
	hr.nextSecret = secret

	return generation, keyAndNonce{key, nonce}, nil
}

// Next returns the keys for the next generation to send with.
func (hr *hashRatchet) Next() (uint32, keyAndNonce, error) {
	return hr.derive()
}

// Get returns the keys of a received generation, skipping forward at most
// maxForward generations. Skipped keys are cached until used.
func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if kn, ok := hr.cache[generation]; ok {
		delete(hr.cache, generation)
		return kn, nil
	}

	if hr.nextGeneration > generation {
		return keyAndNonce{}, stateError("key-schedule", fmt.Errorf("%w: generation %d", ErrGenerationExpired, generation))
	}

	if hr.maxForward > 0 && generation-hr.nextGeneration > hr.maxForward {
		return keyAndNonce{}, validationError("key-schedule", fmt.Errorf("generation %d is too far ahead of %d", generation, hr.nextGeneration))
	}

	for hr.nextGeneration < generation {
		g, kn, err := hr.derive()
		if err != nil {
			return keyAndNonce{}, err
		}
		hr.cache[g] = kn
	}

	_, kn, err := hr.derive()
	return kn, err
}

// restore puts back a key handed out by Get whose message failed to decrypt.
func (hr *hashRatchet) restore(generation uint32, kn keyAndNonce) {
	if generation < hr.nextGeneration {
		hr.cache[generation] = kn
	}
}

func (hr *hashRatchet) zeroize() {
	zeroize(hr.nextSecret)
	for g, kn := range hr.cache {
		kn.zeroize()
		delete(hr.cache, g)
	}
}

///
/// Secret tree
///

// secretTree hands out the ratchet roots of each leaf. Interior secrets are
// erased as soon as both children have been derived.
type secretTree struct {
	cs      CipherSuiteProvider
	size    LeafCount
	secrets map[NodeIndex][]byte
}

func newSecretTree(cs CipherSuiteProvider, size LeafCount, encryptionSecret []byte) *secretTree {
	st := &secretTree{
		cs:      cs,
		size:    size,
		secrets: map[NodeIndex][]byte{},
	}
	st.secrets[root(size)] = dup(encryptionSecret)
	return st
}

// leafSecrets returns the handshake and application ratchet roots for the
// leaf. The leaf secret can be taken only once.
func (st *secretTree) leafSecrets(leaf LeafIndex) ([]byte, []byte, error) {
	if LeafCount(leaf) >= st.size {
		return nil, nil, validationError("key-schedule", fmt.Errorf("%w: %d", ErrUnknownLeaf, leaf))
	}

	// Find the closest populated ancestor
	n := toNodeIndex(leaf)
	path := append([]NodeIndex{n}, dirpath(n, st.size)...)
	curr := -1
	for i, node := range path {
		if _, ok := st.secrets[node]; ok {
			curr = i
			break
		}
	}
	if curr < 0 {
		return nil, nil, stateError("key-schedule", fmt.Errorf("secrets for leaf %d already consumed", leaf))
	}

	// Derive down
	nh := st.cs.Constants().SecretSize
	for ; curr > 0; curr-- {
		node := path[curr]
		secret := st.secrets[node]

		l, err := expandWithLabel(st.cs, secret, "tree", []byte("left"), nh)
		if err != nil {
			return nil, nil, err
		}
		r, err := expandWithLabel(st.cs, secret, "tree", []byte("right"), nh)
		if err != nil {
			return nil, nil, err
		}

		st.secrets[left(node)] = l
		st.secrets[right(node)] = r
		zeroize(secret)
		delete(st.secrets, node)
	}

	leafSecret := st.secrets[n]
	defer func() {
		zeroize(leafSecret)
		delete(st.secrets, n)
	}()

	handshake, err := expandWithLabel(st.cs, leafSecret, "handshake", nil, nh)
	if err != nil {
		return nil, nil, err
	}
	application, err := expandWithLabel(st.cs, leafSecret, "application", nil, nh)
	if err != nil {
		return nil, nil, err
	}
	return handshake, application, nil
}

func (st *secretTree) zeroize() {
	for n, s := range st.secrets {
		zeroize(s)
		delete(st.secrets, n)
	}
}

///
/// Group key source
///

type groupKeySource struct {
	tree        *secretTree
	handshake   map[LeafIndex]*hashRatchet
	application map[LeafIndex]*hashRatchet
	maxForward  uint32
}

func newGroupKeySource(tree *secretTree, maxForward uint32) *groupKeySource {
	return &groupKeySource{
		tree:        tree,
		handshake:   map[LeafIndex]*hashRatchet{},
		application: map[LeafIndex]*hashRatchet{},
		maxForward:  maxForward,
	}
}

func (gks *groupKeySource) ratchet(sender LeafIndex, ct ContentType) (*hashRatchet, error) {
	ratchets := gks.handshake
	if ct == ContentTypeApplication {
		ratchets = gks.application
	}

	if r, ok := ratchets[sender]; ok {
		return r, nil
	}

	hs, app, err := gks.tree.leafSecrets(sender)
	if err != nil {
		return nil, err
	}

	gks.handshake[sender] = newHashRatchet(gks.tree.cs, hs, gks.maxForward)
	gks.application[sender] = newHashRatchet(gks.tree.cs, app, gks.maxForward)
	return ratchets[sender], nil
}

func (gks *groupKeySource) Next(sender LeafIndex, ct ContentType) (uint32, keyAndNonce, error) {
	r, err := gks.ratchet(sender, ct)
	if err != nil {
		return 0, keyAndNonce{}, err
	}
	return r.Next()
}

func (gks *groupKeySource) Get(sender LeafIndex, ct ContentType, generation uint32) (keyAndNonce, error) {
	r, err := gks.ratchet(sender, ct)
	if err != nil {
		return keyAndNonce{}, err
	}
	return r.Get(generation)
}

func (gks *groupKeySource) restore(sender LeafIndex, ct ContentType, generation uint32, kn keyAndNonce) {
	if r, err := gks.ratchet(sender, ct); err == nil {
		r.restore(generation, kn)
	}
}

func (gks *groupKeySource) zeroize() {
	gks.tree.zeroize()
	for _, r := range gks.handshake {
		r.zeroize()
	}
	for _, r := range gks.application {
		r.zeroize()
	}
}

///
/// Key schedule epoch
///

// deriveJoinerSecret folds a commit secret into the previous epoch's init
// secret under the new group context.
func deriveJoinerSecret(cs CipherSuiteProvider, initSecret, commitSecret, context []byte) ([]byte, error) {
	prk := cs.KDFExtract(initSecret, commitSecret)
	defer zeroize(prk)
	return expandWithLabel(cs, prk, "joiner", context, cs.Constants().SecretSize)
}

func deriveMemberSecret(cs CipherSuiteProvider, joinerSecret, pskSecret []byte) []byte {
	if pskSecret == nil {
		pskSecret = make([]byte, cs.Constants().SecretSize)
	}
	return cs.KDFExtract(joinerSecret, pskSecret)
}

func deriveWelcomeSecret(cs CipherSuiteProvider, memberSecret []byte) ([]byte, error) {
	return deriveSecret(cs, memberSecret, "welcome")
}

func deriveEpochSecret(cs CipherSuiteProvider, memberSecret, context []byte) ([]byte, error) {
	return expandWithLabel(cs, memberSecret, "epoch", context, cs.Constants().SecretSize)
}

// welcomeKeyAndNonce protects the GroupInfo inside a Welcome.
func welcomeKeyAndNonce(cs CipherSuiteProvider, welcomeSecret []byte) (keyAndNonce, error) {
	c := cs.Constants()
	key, err := expandWithLabel(cs, welcomeSecret, "key", nil, c.KeySize)
	if err != nil {
		return keyAndNonce{}, err
	}
	nonce, err := expandWithLabel(cs, welcomeSecret, "nonce", nil, c.NonceSize)
	if err != nil {
		return keyAndNonce{}, err
	}
	return keyAndNonce{key, nonce}, nil
}

// keyScheduleEpoch holds every secret derived from one epoch secret.
type keyScheduleEpoch struct {
	cs CipherSuiteProvider

	SenderDataSecret   []byte
	EncryptionSecret   []byte
	ExporterSecret     []byte
	ExternalSecret     []byte
	ConfirmationKey    []byte
	MembershipKey      []byte
	ResumptionPSK      []byte
	EpochAuthenticator []byte
	InitSecret         []byte
	ExternalPriv       HPKEPrivateKey
	keys               *groupKeySource
}

func newKeyScheduleEpoch(cs CipherSuiteProvider, epochSecret []byte, size LeafCount, maxForward uint32) (*keyScheduleEpoch, error) {
	kse := &keyScheduleEpoch{cs: cs}

	targets := []struct {
		label string
		dst   *[]byte
	}{
		{"sender data", &kse.SenderDataSecret},
		{"encryption", &kse.EncryptionSecret},
		{"exporter", &kse.ExporterSecret},
		{"external", &kse.ExternalSecret},
		{"confirm", &kse.ConfirmationKey},
		{"membership", &kse.MembershipKey},
		{"resumption", &kse.ResumptionPSK},
		{"authentication", &kse.EpochAuthenticator},
		{"init", &kse.InitSecret},
	}
	for _, t := range targets {
		secret, err := deriveSecret(cs, epochSecret, t.label)
		if err != nil {
			kse.zeroize()
			return nil, err
		}
		*t.dst = secret
	}

	var err error
	kse.ExternalPriv, err = cs.HPKEDerive(kse.ExternalSecret)
	if err != nil {
		kse.zeroize()
		return nil, err
	}

	kse.keys = newGroupKeySource(newSecretTree(cs, size, kse.EncryptionSecret), maxForward)
	return kse, nil
}

// nextEpoch is the outcome of advancing the key schedule by one commit.
type nextEpoch struct {
	joinerSecret  []byte
	welcomeSecret []byte
	epoch         *keyScheduleEpoch
}

func (ne *nextEpoch) zeroizeJoin() {
	zeroizeAll(ne.joinerSecret, ne.welcomeSecret)
}

// Next derives the next epoch from this epoch's init secret. context is the
// encoded GroupContext of the new epoch.
func (kse *keyScheduleEpoch) Next(commitSecret, pskSecret, context []byte, size LeafCount, maxForward uint32) (*nextEpoch, error) {
	joiner, err := deriveJoinerSecret(kse.cs, kse.InitSecret, commitSecret, context)
	if err != nil {
		return nil, err
	}
	return epochFromJoiner(kse.cs, joiner, pskSecret, context, size, maxForward)
}

func epochFromJoiner(cs CipherSuiteProvider, joiner, pskSecret, context []byte, size LeafCount, maxForward uint32) (*nextEpoch, error) {
	member := deriveMemberSecret(cs, joiner, pskSecret)
	defer zeroize(member)

	welcome, err := deriveWelcomeSecret(cs, member)
	if err != nil {
		return nil, err
	}

	epochSecret, err := deriveEpochSecret(cs, member, context)
	if err != nil {
		return nil, err
	}
	defer zeroize(epochSecret)

	epoch, err := newKeyScheduleEpoch(cs, epochSecret, size, maxForward)
	if err != nil {
		return nil, err
	}

	return &nextEpoch{
		joinerSecret:  dup(joiner),
		welcomeSecret: welcome,
		epoch:         epoch,
	}, nil
}

// senderDataKeyAndNonce protects the sender data of a PrivateMessage. The
// key is bound to a sample of the content ciphertext.
func (kse *keyScheduleEpoch) senderDataKeyAndNonce(ciphertext []byte) (keyAndNonce, error) {
	c := kse.cs.Constants()
	sample := ciphertext
	if len(sample) > c.SecretSize {
		sample = sample[:c.SecretSize]
	}

	key, err := expandWithLabel(kse.cs, kse.SenderDataSecret, "key", sample, c.KeySize)
	if err != nil {
		return keyAndNonce{}, err
	}
	nonce, err := expandWithLabel(kse.cs, kse.SenderDataSecret, "nonce", sample, c.NonceSize)
	if err != nil {
		return keyAndNonce{}, err
	}
	return keyAndNonce{key, nonce}, nil
}

// Export derives a secret for use outside the group protocol.
func (kse *keyScheduleEpoch) Export(label string, context []byte, length int) ([]byte, error) {
	base, err := deriveSecret(kse.cs, kse.ExporterSecret, label)
	if err != nil {
		return nil, err
	}
	defer zeroize(base)

	return expandWithLabel(kse.cs, base, "exported", kse.cs.Hash(context), length)
}

func (kse *keyScheduleEpoch) zeroize() {
	zeroizeAll(kse.SenderDataSecret, kse.EncryptionSecret, kse.ExporterSecret,
		kse.ExternalSecret, kse.ConfirmationKey, kse.MembershipKey,
		kse.ResumptionPSK, kse.EpochAuthenticator, kse.InitSecret)
	kse.ExternalPriv.zeroize()
	if kse.keys != nil {
		kse.keys.zeroize()
	}
}

///
/// External init
///

const externalInitLabel = "MLS 1.0 external init secret"

// externalInitSecret is run by a joiner against the group's external public
// key. It returns the KEM output to publish and the init secret to use.
func externalInitSecret(cs CipherSuiteProvider, externalPub HPKEPublicKey) ([]byte, []byte, error) {
	return cs.HPKEExportSend(externalPub, nil, []byte(externalInitLabel), cs.Constants().SecretSize)
}

func (kse *keyScheduleEpoch) receiveExternalInit(kemOutput []byte) ([]byte, error) {
	return kse.cs.HPKEExportReceive(kse.ExternalPriv, kemOutput, nil, []byte(externalInitLabel), kse.cs.Constants().SecretSize)
}
