package mls

import (
	"bytes"
	"fmt"
	"reflect"
)

// Known-answer vectors for the deterministic parts of the protocol. They are
// plain structs so they can be written as JSON and checked by other
// implementations.

func checkEqual(label string, actual, expected interface{}) error {
	if !reflect.DeepEqual(actual, expected) {
		return fmt.Errorf("%s: %v != %v", label, actual, expected)
	}
	return nil
}

func checkBytes(label string, actual, expected []byte) error {
	if !bytes.Equal(actual, expected) {
		return fmt.Errorf("%s: %x != %x", label, actual, expected)
	}
	return nil
}

func vectorSuite(suite CipherSuite) (CipherSuiteProvider, error) {
	return DefaultCryptoProvider().CipherSuiteProvider(suite)
}

func randomSecret(cs CipherSuiteProvider) []byte {
	b, err := cs.RandomBytes(cs.Constants().SecretSize)
	if err != nil {
		panic(err)
	}
	return b
}

///
/// Tree math
///

type TreeMathVector struct {
	NLeaves LeafCount    `json:"n_leaves"`
	NNodes  NodeCount    `json:"n_nodes"`
	Root    NodeIndex    `json:"root"`
	Left    []*NodeIndex `json:"left"`
	Right   []*NodeIndex `json:"right"`
	Parent  []*NodeIndex `json:"parent"`
	Sibling []*NodeIndex `json:"sibling"`
}

func treeMathRelations(n LeafCount) (l, r, p, s []*NodeIndex) {
	w := nodeWidth(n)
	rt := root(n)
	l = make([]*NodeIndex, w)
	r = make([]*NodeIndex, w)
	p = make([]*NodeIndex, w)
	s = make([]*NodeIndex, w)

	for i := NodeIndex(0); i < NodeIndex(w); i++ {
		if !isLeaf(i) {
			li, ri := left(i), right(i)
			l[i], r[i] = &li, &ri
		}
		if i != rt {
			pi, si := parent(i, n), sibling(i, n)
			p[i], s[i] = &pi, &si
		}
	}
	return
}

// NewTreeMathVector describes a tree with n leaves. n has to be a power of
// two.
func NewTreeMathVector(n uint32) (TreeMathVector, error) {
	leaves := LeafCount(n)
	if leaves == 0 || leaves&(leaves-1) != 0 {
		return TreeMathVector{}, fmt.Errorf("tree math: %d is not a power of two", n)
	}

	vec := TreeMathVector{
		NLeaves: leaves,
		NNodes:  nodeWidth(leaves),
		Root:    root(leaves),
	}
	vec.Left, vec.Right, vec.Parent, vec.Sibling = treeMathRelations(leaves)
	return vec, nil
}

func (vec TreeMathVector) Verify() error {
	if err := checkEqual("n_nodes", vec.NNodes, nodeWidth(vec.NLeaves)); err != nil {
		return err
	}
	if err := checkEqual("root", vec.Root, root(vec.NLeaves)); err != nil {
		return err
	}

	l, r, p, s := treeMathRelations(vec.NLeaves)
	for _, c := range []struct {
		label    string
		got, exp []*NodeIndex
	}{
		{"left", vec.Left, l},
		{"right", vec.Right, r},
		{"parent", vec.Parent, p},
		{"sibling", vec.Sibling, s},
	} {
		if err := checkEqual(c.label, c.got, c.exp); err != nil {
			return err
		}
	}
	return nil
}

///
/// Crypto basics
///

type RefHashVector struct {
	Label string `json:"label"`
	Value []byte `json:"value"`
	Out   []byte `json:"out"`
}

type ExpandWithLabelVector struct {
	Secret  []byte `json:"secret"`
	Label   string `json:"label"`
	Context []byte `json:"context"`
	Length  int    `json:"length"`
	Out     []byte `json:"out"`
}

type DeriveSecretVector struct {
	Secret []byte `json:"secret"`
	Label  string `json:"label"`
	Out    []byte `json:"out"`
}

type DeriveTreeSecretVector struct {
	Secret     []byte `json:"secret"`
	Label      string `json:"label"`
	Generation uint32 `json:"generation"`
	Length     int    `json:"length"`
	Out        []byte `json:"out"`
}

type SignWithLabelVector struct {
	Priv      []byte `json:"priv"`
	Pub       []byte `json:"pub"`
	Content   []byte `json:"content"`
	Label     string `json:"label"`
	Signature []byte `json:"signature"`
}

type EncryptWithLabelVector struct {
	Priv       []byte `json:"priv"`
	Pub        []byte `json:"pub"`
	Label      string `json:"label"`
	Context    []byte `json:"context"`
	Plaintext  []byte `json:"plaintext"`
	KEMOutput  []byte `json:"kem_output"`
	Ciphertext []byte `json:"ciphertext"`
}

type CryptoBasicsVector struct {
	CipherSuite      CipherSuite            `json:"cipher_suite"`
	RefHash          RefHashVector          `json:"ref_hash"`
	ExpandWithLabel  ExpandWithLabelVector  `json:"expand_with_label"`
	DeriveSecret     DeriveSecretVector     `json:"derive_secret"`
	DeriveTreeSecret DeriveTreeSecretVector `json:"derive_tree_secret"`
	SignWithLabel    SignWithLabelVector    `json:"sign_with_label"`
	EncryptWithLabel EncryptWithLabelVector `json:"encrypt_with_label"`
}

func NewCryptoBasicsVector(suite CipherSuite) (*CryptoBasicsVector, error) {
	cs, err := vectorSuite(suite)
	if err != nil {
		return nil, err
	}
	nh := cs.Constants().SecretSize

	vec := &CryptoBasicsVector{CipherSuite: suite}

	vec.RefHash = RefHashVector{Label: "RefHash", Value: randomSecret(cs)}
	if vec.RefHash.Out, err = refHash(cs, vec.RefHash.Label, vec.RefHash.Value); err != nil {
		return nil, err
	}

	vec.ExpandWithLabel = ExpandWithLabelVector{Secret: randomSecret(cs), Label: "ExpandWithLabel", Context: randomSecret(cs), Length: nh}
	ewl := &vec.ExpandWithLabel
	if ewl.Out, err = expandWithLabel(cs, ewl.Secret, ewl.Label, ewl.Context, ewl.Length); err != nil {
		return nil, err
	}

	vec.DeriveSecret = DeriveSecretVector{Secret: randomSecret(cs), Label: "DeriveSecret"}
	if vec.DeriveSecret.Out, err = deriveSecret(cs, vec.DeriveSecret.Secret, vec.DeriveSecret.Label); err != nil {
		return nil, err
	}

	vec.DeriveTreeSecret = DeriveTreeSecretVector{Secret: randomSecret(cs), Label: "DeriveTreeSecret", Generation: 7, Length: nh}
	dts := &vec.DeriveTreeSecret
	if dts.Out, err = deriveTreeSecret(cs, dts.Secret, dts.Label, dts.Generation, dts.Length); err != nil {
		return nil, err
	}

	sigPriv, err := cs.SignatureGenerate()
	if err != nil {
		return nil, err
	}
	vec.SignWithLabel = SignWithLabelVector{Priv: sigPriv.Data, Pub: sigPriv.PublicKey.Data, Content: randomSecret(cs), Label: "SignWithLabel"}
	if vec.SignWithLabel.Signature, err = signWithLabel(cs, sigPriv, vec.SignWithLabel.Label, vec.SignWithLabel.Content); err != nil {
		return nil, err
	}

	hpkePriv, err := cs.HPKEGenerate()
	if err != nil {
		return nil, err
	}
	ewlEnc := EncryptWithLabelVector{
		Priv:      hpkePriv.Data,
		Pub:       hpkePriv.PublicKey.Data,
		Label:     "EncryptWithLabel",
		Context:   randomSecret(cs),
		Plaintext: randomSecret(cs),
	}
	ct, err := encryptWithLabel(cs, hpkePriv.PublicKey, ewlEnc.Label, ewlEnc.Context, ewlEnc.Plaintext)
	if err != nil {
		return nil, err
	}
	ewlEnc.KEMOutput, ewlEnc.Ciphertext = ct.KEMOutput, ct.Ciphertext
	vec.EncryptWithLabel = ewlEnc

	return vec, nil
}

func (vec CryptoBasicsVector) Verify() error {
	cs, err := vectorSuite(vec.CipherSuite)
	if err != nil {
		return err
	}

	out, err := refHash(cs, vec.RefHash.Label, vec.RefHash.Value)
	if err != nil {
		return err
	}
	if err := checkBytes("ref_hash", out, vec.RefHash.Out); err != nil {
		return err
	}

	ewl := vec.ExpandWithLabel
	if out, err = expandWithLabel(cs, ewl.Secret, ewl.Label, ewl.Context, ewl.Length); err != nil {
		return err
	}
	if err := checkBytes("expand_with_label", out, ewl.Out); err != nil {
		return err
	}

	if out, err = deriveSecret(cs, vec.DeriveSecret.Secret, vec.DeriveSecret.Label); err != nil {
		return err
	}
	if err := checkBytes("derive_secret", out, vec.DeriveSecret.Out); err != nil {
		return err
	}

	dts := vec.DeriveTreeSecret
	if out, err = deriveTreeSecret(cs, dts.Secret, dts.Label, dts.Generation, dts.Length); err != nil {
		return err
	}
	if err := checkBytes("derive_tree_secret", out, dts.Out); err != nil {
		return err
	}

	swl := vec.SignWithLabel
	if !verifyWithLabel(cs, SignaturePublicKey{swl.Pub}, swl.Label, swl.Content, swl.Signature) {
		return fmt.Errorf("sign_with_label: signature does not verify")
	}

	enc := vec.EncryptWithLabel
	priv := HPKEPrivateKey{Data: enc.Priv, PublicKey: HPKEPublicKey{enc.Pub}}
	pt, err := decryptWithLabel(cs, priv, enc.Label, enc.Context, HPKECiphertext{KEMOutput: enc.KEMOutput, Ciphertext: enc.Ciphertext})
	if err != nil {
		return fmt.Errorf("encrypt_with_label: %w", err)
	}
	return checkBytes("encrypt_with_label", pt, enc.Plaintext)
}

///
/// Secret tree
///

type SenderDataVector struct {
	SenderDataSecret []byte `json:"sender_data_secret"`
	Ciphertext       []byte `json:"ciphertext"`
	Key              []byte `json:"key"`
	Nonce            []byte `json:"nonce"`
}

type RatchetStepVector struct {
	Generation       uint32 `json:"generation"`
	HandshakeKey     []byte `json:"handshake_key"`
	HandshakeNonce   []byte `json:"handshake_nonce"`
	ApplicationKey   []byte `json:"application_key"`
	ApplicationNonce []byte `json:"application_nonce"`
}

type SecretTreeVector struct {
	CipherSuite      CipherSuite           `json:"cipher_suite"`
	SenderData       SenderDataVector      `json:"sender_data"`
	EncryptionSecret []byte                `json:"encryption_secret"`
	Leaves           [][]RatchetStepVector `json:"leaves"`
}

var secretTreeGenerations = []uint32{0, 1, 15}

func secretTreeSteps(cs CipherSuiteProvider, encryptionSecret []byte, n LeafCount, generations []uint32) ([][]RatchetStepVector, error) {
	last := generations[len(generations)-1]
	keys := newGroupKeySource(newSecretTree(cs, n, encryptionSecret), last+1)
	defer keys.zeroize()

	leaves := make([][]RatchetStepVector, n)
	for i := LeafIndex(0); i < LeafIndex(n); i++ {
		for _, gen := range generations {
			hs, err := keys.Get(i, ContentTypeProposal, gen)
			if err != nil {
				return nil, err
			}
			app, err := keys.Get(i, ContentTypeApplication, gen)
			if err != nil {
				return nil, err
			}
			leaves[i] = append(leaves[i], RatchetStepVector{
				Generation:       gen,
				HandshakeKey:     hs.Key,
				HandshakeNonce:   hs.Nonce,
				ApplicationKey:   app.Key,
				ApplicationNonce: app.Nonce,
			})
		}
	}
	return leaves, nil
}

func NewSecretTreeVector(suite CipherSuite, n uint32) (*SecretTreeVector, error) {
	cs, err := vectorSuite(suite)
	if err != nil {
		return nil, err
	}

	vec := &SecretTreeVector{
		CipherSuite:      suite,
		EncryptionSecret: randomSecret(cs),
		SenderData: SenderDataVector{
			SenderDataSecret: randomSecret(cs),
			Ciphertext:       randomSecret(cs),
		},
	}

	kse := &keyScheduleEpoch{cs: cs, SenderDataSecret: vec.SenderData.SenderDataSecret}
	kn, err := kse.senderDataKeyAndNonce(vec.SenderData.Ciphertext)
	if err != nil {
		return nil, err
	}
	vec.SenderData.Key, vec.SenderData.Nonce = kn.Key, kn.Nonce

	if vec.Leaves, err = secretTreeSteps(cs, vec.EncryptionSecret, LeafCount(n), secretTreeGenerations); err != nil {
		return nil, err
	}
	return vec, nil
}

func (vec SecretTreeVector) Verify() error {
	cs, err := vectorSuite(vec.CipherSuite)
	if err != nil {
		return err
	}

	kse := &keyScheduleEpoch{cs: cs, SenderDataSecret: vec.SenderData.SenderDataSecret}
	kn, err := kse.senderDataKeyAndNonce(vec.SenderData.Ciphertext)
	if err != nil {
		return err
	}
	if err := checkBytes("sender_data.key", kn.Key, vec.SenderData.Key); err != nil {
		return err
	}
	if err := checkBytes("sender_data.nonce", kn.Nonce, vec.SenderData.Nonce); err != nil {
		return err
	}

	if len(vec.Leaves) == 0 || len(vec.Leaves[0]) == 0 {
		return fmt.Errorf("secret tree: no leaves")
	}
	generations := make([]uint32, len(vec.Leaves[0]))
	for i, step := range vec.Leaves[0] {
		generations[i] = step.Generation
	}

	leaves, err := secretTreeSteps(cs, vec.EncryptionSecret, LeafCount(len(vec.Leaves)), generations)
	if err != nil {
		return err
	}
	return checkEqual("leaves", leaves, vec.Leaves)
}

///
/// Key schedule
///

type ExporterVector struct {
	Label   string `json:"label"`
	Context []byte `json:"context"`
	Length  int    `json:"length"`
	Secret  []byte `json:"secret"`
}

type EpochVector struct {
	TreeHash                []byte `json:"tree_hash"`
	CommitSecret            []byte `json:"commit_secret"`
	PSKSecret               []byte `json:"psk_secret"`
	ConfirmedTranscriptHash []byte `json:"confirmed_transcript_hash"`

	GroupContext       []byte `json:"group_context"`
	JoinerSecret       []byte `json:"joiner_secret"`
	WelcomeSecret      []byte `json:"welcome_secret"`
	InitSecret         []byte `json:"init_secret"`
	SenderDataSecret   []byte `json:"sender_data_secret"`
	EncryptionSecret   []byte `json:"encryption_secret"`
	ExporterSecret     []byte `json:"exporter_secret"`
	EpochAuthenticator []byte `json:"epoch_authenticator"`
	ExternalSecret     []byte `json:"external_secret"`
	ConfirmationKey    []byte `json:"confirmation_key"`
	MembershipKey      []byte `json:"membership_key"`
	ResumptionPSK      []byte `json:"resumption_psk"`
	ExternalPub        []byte `json:"external_pub"`

	Exporter ExporterVector `json:"exporter"`
}

type KeyScheduleVector struct {
	CipherSuite       CipherSuite   `json:"cipher_suite"`
	GroupID           []byte        `json:"group_id"`
	InitialInitSecret []byte        `json:"initial_init_secret"`
	Epochs            []EpochVector `json:"epochs"`
}

// deriveEpochVector fills in the derived fields from the inputs of one
// epoch.
func deriveEpochVector(cs CipherSuiteProvider, groupID []byte, epoch uint64, initSecret []byte, in EpochVector) (EpochVector, error) {
	gc := GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             cs.CipherSuite(),
		GroupID:                 groupID,
		Epoch:                   epoch,
		TreeHash:                in.TreeHash,
		ConfirmedTranscriptHash: in.ConfirmedTranscriptHash,
		Extensions:              NewExtensionList(),
	}
	ctx, err := marshal(gc)
	if err != nil {
		return EpochVector{}, err
	}

	joiner, err := deriveJoinerSecret(cs, initSecret, in.CommitSecret, ctx)
	if err != nil {
		return EpochVector{}, err
	}
	ne, err := epochFromJoiner(cs, joiner, in.PSKSecret, ctx, 1, 1)
	if err != nil {
		return EpochVector{}, err
	}
	kse := ne.epoch

	out := in
	out.GroupContext = ctx
	out.JoinerSecret = ne.joinerSecret
	out.WelcomeSecret = ne.welcomeSecret
	out.InitSecret = kse.InitSecret
	out.SenderDataSecret = kse.SenderDataSecret
	out.EncryptionSecret = kse.EncryptionSecret
	out.ExporterSecret = kse.ExporterSecret
	out.EpochAuthenticator = kse.EpochAuthenticator
	out.ExternalSecret = kse.ExternalSecret
	out.ConfirmationKey = kse.ConfirmationKey
	out.MembershipKey = kse.MembershipKey
	out.ResumptionPSK = kse.ResumptionPSK
	out.ExternalPub = kse.ExternalPriv.PublicKey.Data

	if out.Exporter.Secret, err = kse.Export(in.Exporter.Label, in.Exporter.Context, in.Exporter.Length); err != nil {
		return EpochVector{}, err
	}
	return out, nil
}

func NewKeyScheduleVector(suite CipherSuite, epochs int) (*KeyScheduleVector, error) {
	cs, err := vectorSuite(suite)
	if err != nil {
		return nil, err
	}

	vec := &KeyScheduleVector{
		CipherSuite:       suite,
		GroupID:           randomSecret(cs),
		InitialInitSecret: randomSecret(cs),
	}

	initSecret := vec.InitialInitSecret
	for i := 0; i < epochs; i++ {
		in := EpochVector{
			TreeHash:                randomSecret(cs),
			CommitSecret:            randomSecret(cs),
			PSKSecret:               randomSecret(cs),
			ConfirmedTranscriptHash: randomSecret(cs),
			Exporter: ExporterVector{
				Label:   "exporter label",
				Context: randomSecret(cs),
				Length:  cs.Constants().SecretSize,
			},
		}

		e, err := deriveEpochVector(cs, vec.GroupID, uint64(i), initSecret, in)
		if err != nil {
			return nil, err
		}
		vec.Epochs = append(vec.Epochs, e)
		initSecret = e.InitSecret
	}
	return vec, nil
}

func (vec KeyScheduleVector) Verify() error {
	cs, err := vectorSuite(vec.CipherSuite)
	if err != nil {
		return err
	}

	initSecret := vec.InitialInitSecret
	for i, e := range vec.Epochs {
		in := EpochVector{
			TreeHash:                e.TreeHash,
			CommitSecret:            e.CommitSecret,
			PSKSecret:               e.PSKSecret,
			ConfirmedTranscriptHash: e.ConfirmedTranscriptHash,
			Exporter:                ExporterVector{Label: e.Exporter.Label, Context: e.Exporter.Context, Length: e.Exporter.Length},
		}

		got, err := deriveEpochVector(cs, vec.GroupID, uint64(i), initSecret, in)
		if err != nil {
			return err
		}
		if err := checkEqual(fmt.Sprintf("epoch %d", i), got, e); err != nil {
			return err
		}
		initSecret = got.InitSecret
	}
	return nil
}

///
/// Transcript
///

type TranscriptVector struct {
	CipherSuite          CipherSuite `json:"cipher_suite"`
	ConfirmationKey      []byte      `json:"confirmation_key"`
	AuthenticatedContent []byte      `json:"authenticated_content"`
	InterimBefore        []byte      `json:"interim_transcript_hash_before"`
	ConfirmedAfter       []byte      `json:"confirmed_transcript_hash_after"`
	InterimAfter         []byte      `json:"interim_transcript_hash_after"`
}

func transcriptAfter(cs CipherSuiteProvider, interim []byte, ac AuthenticatedContent) ([]byte, []byte, error) {
	confirmed, err := confirmedTranscriptHash(cs, interim, ac.WireFormat, ac.Content, ac.Auth.Signature)
	if err != nil {
		return nil, nil, err
	}
	next, err := interimTranscriptHash(cs, confirmed, ac.Auth.ConfirmationTag)
	if err != nil {
		return nil, nil, err
	}
	return confirmed, next, nil
}

func NewTranscriptVector(suite CipherSuite) (*TranscriptVector, error) {
	cs, err := vectorSuite(suite)
	if err != nil {
		return nil, err
	}

	vec := &TranscriptVector{
		CipherSuite:     suite,
		ConfirmationKey: randomSecret(cs),
		InterimBefore:   randomSecret(cs),
	}

	ac := AuthenticatedContent{
		WireFormat: WireFormatPublicMessage,
		Content: FramedContent{
			GroupID:           randomSecret(cs),
			Epoch:             1,
			Sender:            MemberSender(0),
			AuthenticatedData: []byte{},
			Commit:            &Commit{Proposals: []ProposalOrRef{}},
		},
		Auth: FramedContentAuthData{Signature: randomSecret(cs)},
	}

	confirmed, err := confirmedTranscriptHash(cs, vec.InterimBefore, ac.WireFormat, ac.Content, ac.Auth.Signature)
	if err != nil {
		return nil, err
	}
	ac.Auth.ConfirmationTag = confirmationTag(cs, vec.ConfirmationKey, confirmed)

	if vec.AuthenticatedContent, err = marshal(ac); err != nil {
		return nil, err
	}
	if vec.ConfirmedAfter, vec.InterimAfter, err = transcriptAfter(cs, vec.InterimBefore, ac); err != nil {
		return nil, err
	}
	return vec, nil
}

func (vec TranscriptVector) Verify() error {
	cs, err := vectorSuite(vec.CipherSuite)
	if err != nil {
		return err
	}

	var ac AuthenticatedContent
	if err := unmarshal(vec.AuthenticatedContent, &ac); err != nil {
		return err
	}

	confirmed, interim, err := transcriptAfter(cs, vec.InterimBefore, ac)
	if err != nil {
		return err
	}
	if err := checkBytes("confirmed_transcript_hash_after", confirmed, vec.ConfirmedAfter); err != nil {
		return err
	}
	if !verifyConfirmationTag(cs, vec.ConfirmationKey, confirmed, ac.Auth.ConfirmationTag) {
		return fmt.Errorf("confirmation tag does not verify")
	}
	return checkBytes("interim_transcript_hash_after", interim, vec.InterimAfter)
}

///
/// Messages
///

type MessagesVector struct {
	CipherSuite                    CipherSuite `json:"cipher_suite"`
	MLSWelcome                     []byte      `json:"mls_welcome"`
	MLSGroupInfo                   []byte      `json:"mls_group_info"`
	MLSKeyPackage                  []byte      `json:"mls_key_package"`
	GroupSecrets                   []byte      `json:"group_secrets"`
	AddProposal                    []byte      `json:"add_proposal"`
	UpdateProposal                 []byte      `json:"update_proposal"`
	RemoveProposal                 []byte      `json:"remove_proposal"`
	PreSharedKeyProposal           []byte      `json:"pre_shared_key_proposal"`
	ReInitProposal                 []byte      `json:"re_init_proposal"`
	ExternalInitProposal           []byte      `json:"external_init_proposal"`
	GroupContextExtensionsProposal []byte      `json:"group_context_extensions_proposal"`
	Commit                         []byte      `json:"commit"`
	PublicMessageProposal          []byte      `json:"public_message_proposal"`
	PublicMessageCommit            []byte      `json:"public_message_commit"`
	PrivateMessage                 []byte      `json:"private_message"`
}

// encodeAll marshals each value into the matching destination.
func encodeAll(pairs ...interface{}) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		enc, err := marshal(pairs[i+1])
		if err != nil {
			return err
		}
		*pairs[i].(*[]byte) = enc
	}
	return nil
}

func NewMessagesVector(suite CipherSuite) (*MessagesVector, error) {
	cs, err := vectorSuite(suite)
	if err != nil {
		return nil, err
	}

	sigPriv, err := cs.SignatureGenerate()
	if err != nil {
		return nil, err
	}
	bundle, err := NewKeyPackageBundle(cs, NewBasicCredential([]byte("alice")), sigPriv, KeyPackageOptions{})
	if err != nil {
		return nil, err
	}
	groupID := randomSecret(cs)

	update := bundle.KeyPackage.LeafNode
	update.Source = LeafNodeSourceUpdate
	update.Lifetime = Lifetime{}
	if err := update.sign(cs, sigPriv, groupID, 1); err != nil {
		return nil, err
	}

	commitLeaf := bundle.KeyPackage.LeafNode
	commitLeaf.Source = LeafNodeSourceCommit
	commitLeaf.Lifetime = Lifetime{}
	commitLeaf.ParentHash = randomSecret(cs)
	if err := commitLeaf.sign(cs, sigPriv, groupID, 1); err != nil {
		return nil, err
	}

	exts := NewExtensionList()
	if err := exts.Add(ExternalPubExtension{ExternalPub: bundle.InitPriv.PublicKey}); err != nil {
		return nil, err
	}

	psk := PreSharedKeyID{
		External: &ExternalPSK{PSKID: randomSecret(cs)},
		Nonce:    randomSecret(cs),
	}
	remove := RemoveProposal{Removed: 2}
	commit := Commit{
		Proposals: []ProposalOrRef{
			{Proposal: &Proposal{Remove: &remove}},
			{Reference: ProposalRef(randomSecret(cs))},
		},
		Path: &UpdatePath{
			LeafNode: commitLeaf,
			Nodes: []UpdatePathNode{{
				EncryptionKey: bundle.EncryptionPriv.PublicKey,
				EncryptedPathSecret: []HPKECiphertext{{
					KEMOutput:  randomSecret(cs),
					Ciphertext: randomSecret(cs),
				}},
			}},
		},
	}

	gi := &GroupInfo{
		GroupContext: GroupContext{
			Version:                 ProtocolVersionMLS10,
			CipherSuite:             suite,
			GroupID:                 groupID,
			Epoch:                   3,
			TreeHash:                randomSecret(cs),
			ConfirmedTranscriptHash: randomSecret(cs),
			Extensions:              exts,
		},
		Extensions:      NewExtensionList(),
		ConfirmationTag: randomSecret(cs),
		Signer:          1,
	}
	if err := gi.sign(cs, sigPriv); err != nil {
		return nil, err
	}

	secrets := GroupSecrets{JoinerSecret: randomSecret(cs), PSKs: []PreSharedKeyID{psk}}
	welcome, err := newWelcome(cs, randomSecret(cs), gi)
	if err != nil {
		return nil, err
	}
	if err := welcome.encryptTo(cs, bundle.KeyPackage, secrets); err != nil {
		return nil, err
	}

	proposalMessage := PublicMessage{
		Content: FramedContent{
			GroupID:           groupID,
			Epoch:             3,
			Sender:            MemberSender(1),
			AuthenticatedData: []byte{},
			Proposal:          &Proposal{Remove: &remove},
		},
		Auth:          FramedContentAuthData{Signature: randomSecret(cs)},
		MembershipTag: randomSecret(cs),
	}
	commitMessage := PublicMessage{
		Content: FramedContent{
			GroupID:           groupID,
			Epoch:             3,
			Sender:            MemberSender(1),
			AuthenticatedData: randomSecret(cs),
			Commit:            &commit,
		},
		Auth: FramedContentAuthData{
			Signature:       randomSecret(cs),
			ConfirmationTag: randomSecret(cs),
		},
		MembershipTag: randomSecret(cs),
	}
	private := PrivateMessage{
		GroupID:             groupID,
		Epoch:               3,
		ContentType:         ContentTypeApplication,
		AuthenticatedData:   []byte{},
		EncryptedSenderData: randomSecret(cs),
		Ciphertext:          randomSecret(cs),
	}

	wrap := func(m MLSMessage) MLSMessage {
		m.Version = ProtocolVersionMLS10
		return m
	}

	vec := &MessagesVector{CipherSuite: suite}
	err = encodeAll(
		&vec.MLSWelcome, wrap(MLSMessage{Welcome: welcome}),
		&vec.MLSGroupInfo, wrap(MLSMessage{GroupInfo: gi}),
		&vec.MLSKeyPackage, wrap(MLSMessage{KeyPackage: &bundle.KeyPackage}),
		&vec.GroupSecrets, secrets,
		&vec.AddProposal, AddProposal{KeyPackage: bundle.KeyPackage},
		&vec.UpdateProposal, UpdateProposal{LeafNode: update},
		&vec.RemoveProposal, remove,
		&vec.PreSharedKeyProposal, PreSharedKeyProposal{PSK: psk},
		&vec.ReInitProposal, ReInitProposal{
			GroupID:     randomSecret(cs),
			Version:     ProtocolVersionMLS10,
			CipherSuite: suite,
			Extensions:  exts,
		},
		&vec.ExternalInitProposal, ExternalInitProposal{KEMOutput: randomSecret(cs)},
		&vec.GroupContextExtensionsProposal, GroupContextExtensionsProposal{Extensions: exts},
		&vec.Commit, commit,
		&vec.PublicMessageProposal, wrap(MLSMessage{PublicMessage: &proposalMessage}),
		&vec.PublicMessageCommit, wrap(MLSMessage{PublicMessage: &commitMessage}),
		&vec.PrivateMessage, wrap(MLSMessage{PrivateMessage: &private}),
	)
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// reencode decodes data into val, a pointer, and checks that encoding the
// result reproduces data.
func reencode(label string, data []byte, val interface{}) error {
	if err := unmarshal(data, val); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	enc, err := marshal(reflect.ValueOf(val).Elem().Interface())
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return checkBytes(label, enc, data)
}

// expectWire decodes an MLSMessage and checks its wire format.
func expectWire(label string, data []byte, wf WireFormat) error {
	var m MLSMessage
	if err := reencode(label, data, &m); err != nil {
		return err
	}
	return checkEqual(label+" wire format", m.WireFormat(), wf)
}

func (vec MessagesVector) Verify() error {
	checks := []struct {
		label string
		data  []byte
		wf    WireFormat
	}{
		{"mls_welcome", vec.MLSWelcome, WireFormatWelcome},
		{"mls_group_info", vec.MLSGroupInfo, WireFormatGroupInfo},
		{"mls_key_package", vec.MLSKeyPackage, WireFormatKeyPackage},
		{"public_message_proposal", vec.PublicMessageProposal, WireFormatPublicMessage},
		{"public_message_commit", vec.PublicMessageCommit, WireFormatPublicMessage},
		{"private_message", vec.PrivateMessage, WireFormatPrivateMessage},
	}
	for _, c := range checks {
		if err := expectWire(c.label, c.data, c.wf); err != nil {
			return err
		}
	}

	bodies := []struct {
		label string
		data  []byte
		val   interface{}
	}{
		{"group_secrets", vec.GroupSecrets, &GroupSecrets{}},
		{"add_proposal", vec.AddProposal, &AddProposal{}},
		{"update_proposal", vec.UpdateProposal, &UpdateProposal{}},
		{"remove_proposal", vec.RemoveProposal, &RemoveProposal{}},
		{"pre_shared_key_proposal", vec.PreSharedKeyProposal, &PreSharedKeyProposal{}},
		{"re_init_proposal", vec.ReInitProposal, &ReInitProposal{}},
		{"external_init_proposal", vec.ExternalInitProposal, &ExternalInitProposal{}},
		{"group_context_extensions_proposal", vec.GroupContextExtensionsProposal, &GroupContextExtensionsProposal{}},
		{"commit", vec.Commit, &Commit{}},
	}
	for _, b := range bodies {
		if err := reencode(b.label, b.data, b.val); err != nil {
			return err
		}
	}
	return nil
}
