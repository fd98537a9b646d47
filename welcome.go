package mls

import (
	"fmt"
)

///
/// GroupInfo
///

// struct {
//     GroupContext group_context;
//     Extension extensions<V>;
//     MAC confirmation_tag;
//     uint32 signer;
//     opaque signature<V>;
// } GroupInfo;
type GroupInfo struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag []byte `tls:"head=1"`
	Signer          LeafIndex
	Signature       []byte `tls:"head=2"`
}

type groupInfoTBS struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag []byte `tls:"head=1"`
	Signer          LeafIndex
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return marshal(groupInfoTBS{
		GroupContext:    gi.GroupContext,
		Extensions:      gi.Extensions,
		ConfirmationTag: gi.ConfirmationTag,
		Signer:          gi.Signer,
	})
}

func (gi *GroupInfo) sign(cs CipherSuiteProvider, priv SignaturePrivateKey) error {
	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	gi.Signature, err = signWithLabel(cs, priv, "GroupInfoTBS", tbs)
	return err
}

// verify checks the signature against the signer's leaf in tree. The
// signature covers the confirmation tag.
func (gi GroupInfo) verify(cs CipherSuiteProvider, tree *RatchetTree) error {
	leaf, ok := tree.Leaf(gi.Signer)
	if !ok {
		return validationError("group-info", fmt.Errorf("%w: signer %d", ErrUnknownLeaf, gi.Signer))
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	if !verifyWithLabel(cs, leaf.SignatureKey, "GroupInfoTBS", tbs, gi.Signature) {
		return validationError("group-info", ErrInvalidSignature)
	}
	return nil
}

// ratchetTree returns the tree carried in the ratchet_tree extension, if any.
func (gi GroupInfo) ratchetTree() (*RatchetTree, error) {
	var ext RatchetTreeExtension
	found, err := gi.Extensions.Find(&ext)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return ext.Tree, nil
}

func (gi GroupInfo) externalPub() (HPKEPublicKey, error) {
	var ext ExternalPubExtension
	found, err := gi.Extensions.Find(&ext)
	if err != nil {
		return HPKEPublicKey{}, err
	}
	if !found {
		return HPKEPublicKey{}, validationError("group-info", fmt.Errorf("%w: external_pub", ErrMissingExtension))
	}
	return ext.ExternalPub, nil
}

///
/// Welcome
///

type PathSecret struct {
	Secret []byte `tls:"head=1"`
}

// struct {
//     opaque joiner_secret<V>;
//     optional<PathSecret> path_secret;
//     PreSharedKeyID psks<V>;
// } GroupSecrets;
type GroupSecrets struct {
	JoinerSecret []byte           `tls:"head=1"`
	PathSecret   *PathSecret      `tls:"optional"`
	PSKs         []PreSharedKeyID `tls:"head=4"`
}

func (gs *GroupSecrets) zeroize() {
	zeroize(gs.JoinerSecret)
	if gs.PathSecret != nil {
		zeroize(gs.PathSecret.Secret)
	}
}

type EncryptedGroupSecrets struct {
	NewMember             KeyPackageRef `tls:"head=1"`
	EncryptedGroupSecrets HPKECiphertext
}

// struct {
//     CipherSuite cipher_suite;
//     EncryptedGroupSecrets secrets<V>;
//     opaque encrypted_group_info<V>;
// } Welcome;
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

// newWelcome encrypts the GroupInfo under the welcome secret. Recipients are
// added with encryptTo.
func newWelcome(cs CipherSuiteProvider, welcomeSecret []byte, gi *GroupInfo) (*Welcome, error) {
	kn, err := welcomeKeyAndNonce(cs, welcomeSecret)
	if err != nil {
		return nil, err
	}
	defer kn.zeroize()

	pt, err := marshal(gi)
	if err != nil {
		return nil, err
	}

	ct, err := cs.AEADSeal(kn.Key, kn.Nonce, nil, pt)
	if err != nil {
		return nil, err
	}

	return &Welcome{
		CipherSuite:        cs.CipherSuite(),
		Secrets:            []EncryptedGroupSecrets{},
		EncryptedGroupInfo: ct,
	}, nil
}

func (w *Welcome) encryptTo(cs CipherSuiteProvider, kp KeyPackage, gs GroupSecrets) error {
	ref, err := kp.Ref(cs)
	if err != nil {
		return err
	}

	pt, err := marshal(gs)
	if err != nil {
		return err
	}
	defer zeroize(pt)

	ct, err := encryptWithLabel(cs, kp.InitKey, "Welcome", w.EncryptedGroupInfo, pt)
	if err != nil {
		return err
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		NewMember:             ref,
		EncryptedGroupSecrets: ct,
	})
	return nil
}

func (w Welcome) find(ref KeyPackageRef) (int, bool) {
	for i, s := range w.Secrets {
		if s.NewMember.Equals(ref) {
			return i, true
		}
	}
	return -1, false
}

// decryptSecrets opens the group secrets addressed to the key package.
func (w Welcome) decryptSecrets(cs CipherSuiteProvider, kp KeyPackage, initPriv HPKEPrivateKey) (*GroupSecrets, error) {
	ref, err := kp.Ref(cs)
	if err != nil {
		return nil, err
	}

	i, ok := w.find(ref)
	if !ok {
		return nil, validationError("welcome", ErrKeyPackageNotFound)
	}

	pt, err := decryptWithLabel(cs, initPriv, "Welcome", w.EncryptedGroupInfo, w.Secrets[i].EncryptedGroupSecrets)
	if err != nil {
		return nil, err
	}
	defer zeroize(pt)

	gs := new(GroupSecrets)
	if err := unmarshal(pt, gs); err != nil {
		return nil, err
	}
	return gs, nil
}

func (w Welcome) decryptGroupInfo(cs CipherSuiteProvider, welcomeSecret []byte) (*GroupInfo, error) {
	kn, err := welcomeKeyAndNonce(cs, welcomeSecret)
	if err != nil {
		return nil, err
	}
	defer kn.zeroize()

	pt, err := cs.AEADOpen(kn.Key, kn.Nonce, nil, w.EncryptedGroupInfo)
	if err != nil {
		return nil, err
	}

	gi := new(GroupInfo)
	if err := unmarshal(pt, gi); err != nil {
		return nil, err
	}
	return gi, nil
}
