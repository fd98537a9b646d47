package mls

import (
	"fmt"
)

// struct {
//     HPKEPublicKey encryption_key;
//     HPKECiphertext encrypted_path_secret<V>;
// } UpdatePathNode;
type UpdatePathNode struct {
	EncryptionKey       HPKEPublicKey
	EncryptedPathSecret []HPKECiphertext `tls:"head=4"`
}

// struct {
//     LeafNode leaf_node;
//     UpdatePathNode nodes<V>;
// } UpdatePath;
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode `tls:"head=4"`
}

////////////////////////////////////////////////////////////

// TreeKEMPrivateKey holds the secrets a member knows for its own leaf and the
// parent nodes above it.
type TreeKEMPrivateKey struct {
	cs          CipherSuiteProvider
	Index       LeafIndex
	PathSecrets map[NodeIndex][]byte
	PrivateKeys map[NodeIndex]HPKEPrivateKey
}

func NewTreeKEMPrivateKey(cs CipherSuiteProvider, index LeafIndex, leafPriv HPKEPrivateKey) *TreeKEMPrivateKey {
	priv := &TreeKEMPrivateKey{
		cs:          cs,
		Index:       index,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
	priv.PrivateKeys[toNodeIndex(index)] = leafPriv
	return priv
}

func (priv TreeKEMPrivateKey) Clone() *TreeKEMPrivateKey {
	out := &TreeKEMPrivateKey{
		cs:          priv.cs,
		Index:       priv.Index,
		PathSecrets: make(map[NodeIndex][]byte, len(priv.PathSecrets)),
		PrivateKeys: make(map[NodeIndex]HPKEPrivateKey, len(priv.PrivateKeys)),
	}

	for n, s := range priv.PathSecrets {
		out.PathSecrets[n] = dup(s)
	}
	for n, k := range priv.PrivateKeys {
		out.PrivateKeys[n] = HPKEPrivateKey{Data: dup(k.Data), PublicKey: HPKEPublicKey{dup(k.PublicKey.Data)}}
	}
	return out
}

func (priv *TreeKEMPrivateKey) forget(n NodeIndex) {
	if s, ok := priv.PathSecrets[n]; ok {
		zeroize(s)
		delete(priv.PathSecrets, n)
	}
	if k, ok := priv.PrivateKeys[n]; ok {
		k.zeroize()
		delete(priv.PrivateKeys, n)
	}
}

// Zeroize scrubs every secret held by the key.
func (priv *TreeKEMPrivateKey) Zeroize() {
	for n := range priv.PrivateKeys {
		priv.forget(n)
	}
	for n := range priv.PathSecrets {
		priv.forget(n)
	}
}

func (priv *TreeKEMPrivateKey) setLeafKey(leafPriv HPKEPrivateKey) {
	n := toNodeIndex(priv.Index)
	priv.forget(n)
	priv.PrivateKeys[n] = leafPriv
}

// setPathSecrets derives keys for path[0..] starting from secret and returns
// the secret one step past the last node.
func (priv *TreeKEMPrivateKey) setPathSecrets(path []NodeIndex, secret []byte) ([]byte, error) {
	pathSecret := dup(secret)
	for _, n := range path {
		priv.forget(n)
		priv.PathSecrets[n] = pathSecret

		nodeSecret, err := deriveSecret(priv.cs, pathSecret, "node")
		if err != nil {
			return nil, err
		}

		priv.PrivateKeys[n], err = priv.cs.HPKEDerive(nodeSecret)
		zeroize(nodeSecret)
		if err != nil {
			return nil, err
		}

		pathSecret, err = deriveSecret(priv.cs, pathSecret, "path")
		if err != nil {
			return nil, err
		}
	}

	return pathSecret, nil
}

// PathSecret is the secret a joiner at leaf to needs: the one at the lowest
// common ancestor of the two leaves.
func (priv TreeKEMPrivateKey) PathSecret(to LeafIndex) (NodeIndex, []byte, bool) {
	n := ancestor(toNodeIndex(priv.Index), toNodeIndex(to))
	secret, ok := priv.PathSecrets[n]
	return n, secret, ok
}

// prune drops the keys of nodes that the tree no longer holds.
func (priv *TreeKEMPrivateKey) prune(tree *RatchetTree) {
	for n, k := range priv.PrivateKeys {
		if int(n) >= len(tree.Nodes) || tree.Nodes[n].Blank() || !tree.Nodes[n].Node.EncryptionKey().Equals(k.PublicKey) {
			priv.forget(n)
		}
	}
	for n := range priv.PathSecrets {
		if _, ok := priv.PrivateKeys[n]; !ok {
			priv.forget(n)
		}
	}
}

// Consistent reports whether every private key matches the tree's public key.
func (priv TreeKEMPrivateKey) Consistent(tree *RatchetTree) bool {
	for n, k := range priv.PrivateKeys {
		if int(n) >= len(tree.Nodes) || tree.Nodes[n].Blank() {
			return false
		}
		if !tree.Nodes[n].Node.EncryptionKey().Equals(k.PublicKey) {
			return false
		}
	}
	return true
}

////////////////////////////////////////////////////////////

// mergePath installs the public part of an update path: the sender's direct
// path is blanked and the filtered direct path receives the new keys with
// empty unmerged sets. The returned value is the parent hash the sender's
// leaf has to carry.
func (t *RatchetTree) mergePath(from LeafIndex, fdp []NodeIndex, keys []HPKEPublicKey) ([]byte, error) {
	if len(fdp) != len(keys) {
		return nil, validationError("treekem", fmt.Errorf("%w: path has %d nodes, expected %d", ErrInvalidUpdatePath, len(keys), len(fdp)))
	}

	for _, n := range t.DirectPath(from) {
		t.Nodes[n].SetToBlank()
	}

	for i, n := range fdp {
		t.Nodes[n] = OptionalNode{Node: &Node{Parent: &ParentNode{
			EncryptionKey:  HPKEPublicKey{dup(keys[i].Data)},
			UnmergedLeaves: []LeafIndex{},
		}}}
	}
	t.clearHashPath(from)

	return t.setParentHashes(from, fdp)
}

func (t *RatchetTree) setLeafNode(leaf LeafIndex, ln LeafNode) {
	leafCopy := ln.Clone()
	t.Nodes[toNodeIndex(leaf)] = OptionalNode{Node: &Node{Leaf: &leafCopy}}
	t.clearHashPath(leaf)
}

// encapRequest describes a commit sender's fresh path.
type encapRequest struct {
	from     LeafIndex
	groupID  []byte
	leaf     LeafNode
	leafPriv HPKEPrivateKey
	sigPriv  SignaturePrivateKey
	// exclude lists leaves added by the same commit; they get their path
	// secret through the Welcome.
	exclude map[LeafIndex]bool
	// context is evaluated once the path is merged into the tree.
	context func() ([]byte, error)
}

// Encap generates new path secrets for the sender, merges the resulting
// public keys into the tree and encrypts each path secret to the copath
// resolution. It returns the new private key state and the commit secret.
func (t *RatchetTree) Encap(req encapRequest) (*UpdatePath, *TreeKEMPrivateKey, []byte, error) {
	cs := t.cs
	fdp := t.FilteredDirectPath(req.from)

	priv := NewTreeKEMPrivateKey(cs, req.from, req.leafPriv)
	leafSecret, err := cs.RandomBytes(cs.Constants().SecretSize)
	if err != nil {
		return nil, nil, nil, err
	}
	commitSecret, err := priv.setPathSecrets(fdp, leafSecret)
	zeroize(leafSecret)
	if err != nil {
		return nil, nil, nil, err
	}

	keys := make([]HPKEPublicKey, len(fdp))
	for i, n := range fdp {
		keys[i] = priv.PrivateKeys[n].PublicKey
	}

	leafPH, err := t.mergePath(req.from, fdp, keys)
	if err != nil {
		return nil, nil, nil, err
	}

	leaf := req.leaf.Clone()
	leaf.EncryptionKey = req.leafPriv.PublicKey
	leaf.Source = LeafNodeSourceCommit
	leaf.ParentHash = leafPH
	if err := leaf.sign(cs, req.sigPriv, req.groupID, req.from); err != nil {
		return nil, nil, nil, err
	}
	t.setLeafNode(req.from, leaf)

	ctx, err := req.context()
	if err != nil {
		return nil, nil, nil, err
	}

	path := &UpdatePath{
		LeafNode: leaf,
		Nodes:    make([]UpdatePathNode, len(fdp)),
	}
	leafNode := toNodeIndex(req.from)
	for i, n := range fdp {
		path.Nodes[i] = UpdatePathNode{
			EncryptionKey:       keys[i],
			EncryptedPathSecret: []HPKECiphertext{},
		}

		pathSecret := priv.PathSecrets[n]
		for _, nr := range t.resolutionExcluding(copathChild(n, leafNode), req.exclude) {
			nodePub := t.Nodes[nr].Node.EncryptionKey()
			ct, err := encryptWithLabel(cs, nodePub, "UpdatePathNode", ctx, pathSecret)
			if err != nil {
				return nil, nil, nil, err
			}
			path.Nodes[i].EncryptedPathSecret = append(path.Nodes[i].EncryptedPathSecret, ct)
		}
	}

	return path, priv, commitSecret, nil
}

// decapRequest describes a received update path.
type decapRequest struct {
	from    LeafIndex
	path    UpdatePath
	exclude map[LeafIndex]bool
	context func() ([]byte, error)
}

// MergePath applies a received path's public keys and checks the sender
// leaf's parent hash chain.
func (t *RatchetTree) MergePath(from LeafIndex, path UpdatePath) error {
	fdp := t.FilteredDirectPath(from)
	keys := make([]HPKEPublicKey, len(path.Nodes))
	for i, pn := range path.Nodes {
		keys[i] = pn.EncryptionKey
	}

	leafPH, err := t.mergePath(from, fdp, keys)
	if err != nil {
		return err
	}

	if path.LeafNode.Source != LeafNodeSourceCommit || !constantTimeEqual(leafPH, path.LeafNode.ParentHash) {
		return validationError("treekem", ErrParentHashMismatch)
	}

	t.setLeafNode(from, path.LeafNode)
	return nil
}

// Decap merges a received path into the tree and recovers the path secret
// at the lowest common ancestor using priv. The returned private key state
// replaces priv; priv itself is left untouched.
func (t *RatchetTree) Decap(priv *TreeKEMPrivateKey, req decapRequest) (*TreeKEMPrivateKey, []byte, error) {
	cs := t.cs
	fdp := t.FilteredDirectPath(req.from)
	if len(fdp) != len(req.path.Nodes) {
		return nil, nil, validationError("treekem", fmt.Errorf("%w: path has %d nodes, expected %d", ErrInvalidUpdatePath, len(req.path.Nodes), len(fdp)))
	}

	// Resolutions are taken before the merge; the copath subtrees do not
	// change but the sender's path does.
	me := toNodeIndex(priv.Index)
	from := toNodeIndex(req.from)
	lca := ancestor(me, from)

	pos := -1
	for i, n := range fdp {
		if n == lca {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, nil, validationError("treekem", fmt.Errorf("%w: common ancestor not on filtered path", ErrInvalidUpdatePath))
	}

	resolution := t.resolutionExcluding(pathChild(lca, me), req.exclude)
	cts := req.path.Nodes[pos].EncryptedPathSecret
	if len(cts) != len(resolution) {
		return nil, nil, validationError("treekem", fmt.Errorf("%w: %d ciphertexts for %d recipients", ErrInvalidUpdatePath, len(cts), len(resolution)))
	}

	ctIndex := -1
	var nodePriv HPKEPrivateKey
	for i, nr := range resolution {
		if k, ok := priv.PrivateKeys[nr]; ok {
			ctIndex = i
			nodePriv = k
			break
		}
	}
	if ctIndex < 0 {
		return nil, nil, stateError("treekem", fmt.Errorf("%w: no private key for any recipient node", ErrInvalidUpdatePath))
	}

	if err := t.MergePath(req.from, req.path); err != nil {
		return nil, nil, err
	}

	ctx, err := req.context()
	if err != nil {
		return nil, nil, err
	}

	pathSecret, err := decryptWithLabel(cs, nodePriv, "UpdatePathNode", ctx, cts[ctIndex])
	if err != nil {
		return nil, nil, err
	}
	defer zeroize(pathSecret)

	out := priv.Clone()
	for _, n := range t.DirectPath(req.from) {
		out.forget(n)
	}

	commitSecret, err := out.setPathSecrets(fdp[pos:], pathSecret)
	if err != nil {
		return nil, nil, err
	}

	for i := pos; i < len(fdp); i++ {
		if !out.PrivateKeys[fdp[i]].PublicKey.Equals(req.path.Nodes[i].EncryptionKey) {
			out.Zeroize()
			return nil, nil, validationError("treekem", fmt.Errorf("%w: derived key differs at node %d", ErrInvalidUpdatePath, fdp[i]))
		}
	}

	return out, commitSecret, nil
}

// NewJoinerPrivateKey rebuilds a joiner's private state from the path secret
// delivered in a Welcome.
func NewJoinerPrivateKey(tree *RatchetTree, index LeafIndex, leafPriv HPKEPrivateKey, committer LeafIndex, pathSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := NewTreeKEMPrivateKey(tree.cs, index, leafPriv)
	if pathSecret == nil {
		return priv, nil
	}

	lca := ancestor(toNodeIndex(index), toNodeIndex(committer))
	fdp := tree.FilteredDirectPath(committer)
	pos := -1
	for i, n := range fdp {
		if n == lca {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, validationError("treekem", fmt.Errorf("%w: common ancestor not on committer path", ErrInvalidUpdatePath))
	}

	commitSecret, err := priv.setPathSecrets(fdp[pos:], pathSecret)
	if err != nil {
		return nil, err
	}
	zeroize(commitSecret)

	if !priv.Consistent(tree) {
		priv.Zeroize()
		return nil, validationError("treekem", fmt.Errorf("%w: path secret does not match tree", ErrInvalidUpdatePath))
	}

	return priv, nil
}
