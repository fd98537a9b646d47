package mls

import (
	"bytes"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

type NodeType uint8

const (
	NodeTypeLeaf   NodeType = 0x01
	NodeTypeParent NodeType = 0x02
)

func (t NodeType) ValidForTLS() error {
	return validateEnum(t, NodeTypeLeaf, NodeTypeParent)
}

///
/// ParentNode
///

// struct {
//     HPKEPublicKey encryption_key;
//     opaque parent_hash<V>;
//     uint32 unmerged_leaves<V>;
// } ParentNode;
type ParentNode struct {
	EncryptionKey  HPKEPublicKey
	ParentHash     []byte      `tls:"head=1"`
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

func (p ParentNode) Clone() ParentNode {
	out := ParentNode{
		EncryptionKey:  HPKEPublicKey{dup(p.EncryptionKey.Data)},
		ParentHash:     dup(p.ParentHash),
		UnmergedLeaves: make([]LeafIndex, len(p.UnmergedLeaves)),
	}
	copy(out.UnmergedLeaves, p.UnmergedLeaves)
	return out
}

func (p *ParentNode) addUnmerged(l LeafIndex) {
	i := sort.Search(len(p.UnmergedLeaves), func(i int) bool { return p.UnmergedLeaves[i] >= l })
	if i < len(p.UnmergedLeaves) && p.UnmergedLeaves[i] == l {
		return
	}

	p.UnmergedLeaves = append(p.UnmergedLeaves, 0)
	copy(p.UnmergedLeaves[i+1:], p.UnmergedLeaves[i:])
	p.UnmergedLeaves[i] = l
}

func (p ParentNode) isUnmerged(l LeafIndex) bool {
	for _, u := range p.UnmergedLeaves {
		if u == l {
			return true
		}
	}
	return false
}

///
/// Node
///

type Node struct {
	Leaf   *LeafNode
	Parent *ParentNode
}

func (n Node) Type() NodeType {
	if n.Leaf != nil {
		return NodeTypeLeaf
	}
	return NodeTypeParent
}

func (n Node) EncryptionKey() HPKEPublicKey {
	if n.Leaf != nil {
		return n.Leaf.EncryptionKey
	}
	return n.Parent.EncryptionKey
}

func (n Node) Clone() Node {
	if n.Leaf != nil {
		leaf := n.Leaf.Clone()
		return Node{Leaf: &leaf}
	}

	parent := n.Parent.Clone()
	return Node{Parent: &parent}
}

func (n Node) Equals(o Node) bool {
	lhs, err := marshal(n)
	if err != nil {
		return false
	}
	rhs, err := marshal(o)
	if err != nil {
		return false
	}
	return bytes.Equal(lhs, rhs)
}

func (n Node) MarshalTLS() ([]byte, error) {
	s := NewWriteStream()
	if err := s.Write(n.Type()); err != nil {
		return nil, err
	}

	var err error
	switch n.Type() {
	case NodeTypeLeaf:
		err = s.Write(n.Leaf)
	case NodeTypeParent:
		if n.Parent == nil {
			return nil, codecError("node", fmt.Errorf("empty node"))
		}
		err = s.Write(n.Parent)
	}
	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (n *Node) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var nodeType NodeType
	if _, err := s.Read(&nodeType); err != nil {
		return 0, err
	}

	var err error
	switch nodeType {
	case NodeTypeLeaf:
		n.Leaf = new(LeafNode)
		_, err = s.Read(n.Leaf)
	case NodeTypeParent:
		n.Parent = new(ParentNode)
		_, err = s.Read(n.Parent)
	}
	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

///
/// OptionalNode
///

type OptionalNode struct {
	Node *Node  `tls:"optional"`
	Hash []byte `tls:"omit"`
}

func (n OptionalNode) Blank() bool {
	return n.Node == nil
}

func (n *OptionalNode) SetToBlank() {
	n.Node = nil
	n.Hash = nil
}

func (n OptionalNode) Clone() OptionalNode {
	cloned := OptionalNode{Hash: dup(n.Hash)}
	if !n.Blank() {
		node := n.Node.Clone()
		cloned.Node = &node
	}
	return cloned
}

// Compare node values, not hashes
func (n OptionalNode) Equals(o OptionalNode) bool {
	switch {
	case n.Blank() != o.Blank():
		return false
	case n.Blank():
		return true
	default:
		return n.Node.Equals(*o.Node)
	}
}

///
/// Tree hash inputs
///

type leafNodeHashInput struct {
	LeafIndex LeafIndex
	LeafNode  *LeafNode `tls:"optional"`
}

type parentNodeHashInput struct {
	ParentNode *ParentNode `tls:"optional"`
	LeftHash   []byte      `tls:"head=1"`
	RightHash  []byte      `tls:"head=1"`
}

type parentHashInput struct {
	EncryptionKey           HPKEPublicKey
	ParentHash              []byte `tls:"head=1"`
	OriginalSiblingTreeHash []byte `tls:"head=1"`
}

///
/// RatchetTree
///

// RatchetTree is the public state of the group tree. The node array always
// describes a complete tree whose leaf count is a power of two.
type RatchetTree struct {
	Nodes []OptionalNode

	cs        CipherSuiteProvider
	maxLeaves uint32
}

func NewRatchetTree(cs CipherSuiteProvider) *RatchetTree {
	return &RatchetTree{cs: cs}
}

// SetCipherSuite binds a decoded tree to the group's primitives.
func (t *RatchetTree) SetCipherSuite(cs CipherSuiteProvider) {
	t.cs = cs
	t.clearAllHashes()
}

// SetMaxLeaves limits growth of the tree; zero means unbounded.
func (t *RatchetTree) SetMaxLeaves(max uint32) {
	t.maxLeaves = max
}

type optionalNodeList struct {
	Nodes []OptionalNode `tls:"head=4"`
}

func (t RatchetTree) MarshalTLS() ([]byte, error) {
	return marshal(optionalNodeList{t.Nodes})
}

func (t *RatchetTree) UnmarshalTLS(data []byte) (int, error) {
	s := NewReadStream(data)
	var list optionalNodeList
	if _, err := s.Read(&list); err != nil {
		return 0, err
	}

	if err := checkNodeLayout(list.Nodes); err != nil {
		return 0, err
	}

	t.Nodes = list.Nodes
	return s.Position(), nil
}

func checkNodeLayout(nodes []OptionalNode) error {
	w := NodeCount(len(nodes))
	if w == 0 || w != nodeWidth(leafCountFor(uint32(leafWidth(w)))) {
		return codecError("ratchet-tree", fmt.Errorf("invalid node count %d", len(nodes)))
	}

	for i, n := range nodes {
		if n.Blank() {
			continue
		}

		wantLeaf := isLeaf(NodeIndex(i))
		if (n.Node.Type() == NodeTypeLeaf) != wantLeaf {
			return codecError("ratchet-tree", fmt.Errorf("node %d has the wrong type", i))
		}

		if n.Node.Parent != nil {
			for _, u := range n.Node.Parent.UnmergedLeaves {
				if !isAncestor(NodeIndex(i), toNodeIndex(u)) {
					return codecError("ratchet-tree", fmt.Errorf("node %d lists unmerged leaf %d outside its subtree", i, u))
				}
			}
		}
	}
	return nil
}

func (t RatchetTree) Size() LeafCount {
	return leafWidth(NodeCount(len(t.Nodes)))
}

func (t RatchetTree) rootIndex() NodeIndex {
	return root(t.Size())
}

func (t RatchetTree) Clone() *RatchetTree {
	next := &RatchetTree{
		Nodes:     make([]OptionalNode, len(t.Nodes)),
		cs:        t.cs,
		maxLeaves: t.maxLeaves,
	}

	for i, n := range t.Nodes {
		next.Nodes[i] = n.Clone()
	}

	return next
}

func (t RatchetTree) Equals(o *RatchetTree) bool {
	if len(t.Nodes) != len(o.Nodes) {
		return false
	}

	for i := range t.Nodes {
		if !t.Nodes[i].Equals(o.Nodes[i]) {
			return false
		}
	}
	return true
}

func (t RatchetTree) inRange(leaf LeafIndex) bool {
	return LeafCount(leaf) < t.Size()
}

// Leaf returns the content of an occupied leaf.
func (t RatchetTree) Leaf(leaf LeafIndex) (*LeafNode, bool) {
	if !t.inRange(leaf) {
		return nil, false
	}

	n := t.Nodes[toNodeIndex(leaf)]
	if n.Blank() {
		return nil, false
	}
	return n.Node.Leaf, true
}

func (t RatchetTree) parentNode(n NodeIndex) *ParentNode {
	if int(n) >= len(t.Nodes) || t.Nodes[n].Blank() {
		return nil
	}
	return t.Nodes[n].Node.Parent
}

// Members lists the occupied leaves in ascending order.
func (t RatchetTree) Members() []LeafIndex {
	members := []LeafIndex{}
	for i := LeafIndex(0); LeafCount(i) < t.Size(); i++ {
		if !t.Nodes[toNodeIndex(i)].Blank() {
			members = append(members, i)
		}
	}
	return members
}

func (t RatchetTree) FindIdentity(identity []byte) (LeafIndex, bool) {
	for _, i := range t.Members() {
		leaf, _ := t.Leaf(i)
		if bytes.Equal(leaf.Credential.Identity(), identity) {
			return i, true
		}
	}
	return 0, false
}

func (t RatchetTree) FindLeaf(ln LeafNode) (LeafIndex, bool) {
	for _, i := range t.Members() {
		leaf, _ := t.Leaf(i)
		if leaf.EncryptionKey.Equals(ln.EncryptionKey) && leaf.SignatureKey.Equals(ln.SignatureKey) {
			return i, true
		}
	}
	return 0, false
}

// AddLeaf places the leaf in the leftmost blank slot, doubling the tree when
// none is left.
func (t *RatchetTree) AddLeaf(leaf LeafNode) (LeafIndex, error) {
	if t.maxLeaves > 0 && uint32(len(t.Members())) >= t.maxLeaves {
		return 0, stateError("ratchet-tree", ErrCapacity)
	}

	index := LeafIndex(0)
	size := t.Size()
	for LeafCount(index) < size && !t.Nodes[toNodeIndex(index)].Blank() {
		index++
	}

	if LeafCount(index) == size {
		newSize := size * 2
		if size == 0 {
			newSize = 1
		}
		if newSize < size {
			return 0, stateError("ratchet-tree", ErrCapacity)
		}

		grown := make([]OptionalNode, nodeWidth(newSize))
		copy(grown, t.Nodes)
		t.Nodes = grown
		t.clearHashPath(0)
	}

	ni := toNodeIndex(index)
	leafCopy := leaf.Clone()
	t.Nodes[ni] = OptionalNode{Node: &Node{Leaf: &leafCopy}}

	for _, v := range dirpath(ni, t.Size()) {
		if p := t.parentNode(v); p != nil {
			p.addUnmerged(index)
		}
	}

	t.clearHashPath(index)
	return index, nil
}

// RemoveLeaf blanks the leaf and its whole direct path. The node array never
// shrinks.
func (t *RatchetTree) RemoveLeaf(leaf LeafIndex) error {
	if _, ok := t.Leaf(leaf); !ok {
		return validationError("ratchet-tree", fmt.Errorf("%w: %d", ErrUnknownLeaf, leaf))
	}

	t.BlankPath(leaf)
	return nil
}

// UpdateLeaf replaces the leaf content and blanks its direct path.
func (t *RatchetTree) UpdateLeaf(leaf LeafIndex, ln LeafNode) error {
	if _, ok := t.Leaf(leaf); !ok {
		return validationError("ratchet-tree", fmt.Errorf("%w: %d", ErrUnknownLeaf, leaf))
	}

	t.BlankPath(leaf)
	leafCopy := ln.Clone()
	t.Nodes[toNodeIndex(leaf)] = OptionalNode{Node: &Node{Leaf: &leafCopy}}
	t.clearHashPath(leaf)
	return nil
}

func (t *RatchetTree) BlankPath(leaf LeafIndex) {
	if len(t.Nodes) == 0 {
		return
	}

	ni := toNodeIndex(leaf)
	t.Nodes[ni].SetToBlank()
	for _, n := range dirpath(ni, t.Size()) {
		t.Nodes[n].SetToBlank()
	}
	t.clearHashPath(leaf)
}

func (t RatchetTree) DirectPath(leaf LeafIndex) []NodeIndex {
	return dirpath(toNodeIndex(leaf), t.Size())
}

func (t RatchetTree) Copath(leaf LeafIndex) []NodeIndex {
	return copath(toNodeIndex(leaf), t.Size())
}

// FilteredDirectPath drops the direct-path nodes whose copath child has an
// empty resolution.
func (t RatchetTree) FilteredDirectPath(leaf LeafIndex) []NodeIndex {
	dp := t.DirectPath(leaf)
	cp := t.Copath(leaf)

	out := []NodeIndex{}
	for i, n := range dp {
		if len(t.Resolution(cp[i])) > 0 {
			out = append(out, n)
		}
	}
	return out
}

// copathChild is the child of ancestor a that does not contain x.
func copathChild(a, x NodeIndex) NodeIndex {
	if x < a {
		return right(a)
	}
	return left(a)
}

// pathChild is the child of ancestor a that contains x.
func pathChild(a, x NodeIndex) NodeIndex {
	if x < a {
		return left(a)
	}
	return right(a)
}

// Resolution is the minimal list of non-blank nodes covering the subtree.
func (t RatchetTree) Resolution(index NodeIndex) []NodeIndex {
	return t.resolutionExcluding(index, nil)
}

func (t RatchetTree) resolutionExcluding(index NodeIndex, exclude map[LeafIndex]bool) []NodeIndex {
	n := t.Nodes[index]

	// Resolution of non-blank is node + unmerged leaves
	if !n.Blank() {
		if isLeaf(index) {
			if exclude[toLeafIndex(index)] {
				return []NodeIndex{}
			}
			return []NodeIndex{index}
		}

		res := []NodeIndex{index}
		for _, v := range n.Node.Parent.UnmergedLeaves {
			if !exclude[v] {
				res = append(res, toNodeIndex(v))
			}
		}
		return res
	}

	// Resolution of blank leaf is the empty list
	if isLeaf(index) {
		return []NodeIndex{}
	}

	// Resolution of blank intermediate node is concatenation of the resolutions
	// of the children
	l := t.resolutionExcluding(left(index), exclude)
	r := t.resolutionExcluding(right(index), exclude)
	return append(l, r...)
}

///
/// Tree hash
///

func (t *RatchetTree) clearHashPath(leaf LeafIndex) {
	if len(t.Nodes) == 0 {
		return
	}

	ni := toNodeIndex(leaf)
	t.Nodes[ni].Hash = nil
	for _, n := range dirpath(ni, t.Size()) {
		t.Nodes[n].Hash = nil
	}
}

func (t *RatchetTree) clearAllHashes() {
	for i := range t.Nodes {
		t.Nodes[i].Hash = nil
	}
}

func (t *RatchetTree) nodeHash(index NodeIndex, exclude map[LeafIndex]bool) ([]byte, error) {
	s := NewWriteStream()
	n := t.Nodes[index]

	if isLeaf(index) {
		leaf := toLeafIndex(index)
		input := leafNodeHashInput{LeafIndex: leaf}
		if !n.Blank() && !exclude[leaf] {
			input.LeafNode = n.Node.Leaf
		}
		if err := s.WriteAll(NodeTypeLeaf, input); err != nil {
			return nil, err
		}
		return t.cs.Hash(s.Data()), nil
	}

	lh, err := t.subtreeHash(left(index), exclude)
	if err != nil {
		return nil, err
	}
	rh, err := t.subtreeHash(right(index), exclude)
	if err != nil {
		return nil, err
	}

	input := parentNodeHashInput{LeftHash: lh, RightHash: rh}
	if !n.Blank() {
		parent := n.Node.Parent
		if len(exclude) > 0 {
			filtered := parent.Clone()
			filtered.UnmergedLeaves = filtered.UnmergedLeaves[:0]
			for _, u := range parent.UnmergedLeaves {
				if !exclude[u] {
					filtered.UnmergedLeaves = append(filtered.UnmergedLeaves, u)
				}
			}
			parent = &filtered
		}
		input.ParentNode = parent
	}
	if err := s.WriteAll(NodeTypeParent, input); err != nil {
		return nil, err
	}
	return t.cs.Hash(s.Data()), nil
}

// subtreeHash uses the cached hashes unless leaves are excluded.
func (t *RatchetTree) subtreeHash(index NodeIndex, exclude map[LeafIndex]bool) ([]byte, error) {
	if len(exclude) > 0 {
		return t.nodeHash(index, exclude)
	}

	if t.Nodes[index].Hash != nil {
		return t.Nodes[index].Hash, nil
	}

	h, err := t.nodeHash(index, nil)
	if err != nil {
		return nil, err
	}
	t.Nodes[index].Hash = h
	return h, nil
}

// TreeHash returns the root hash, recomputing only invalidated nodes.
func (t *RatchetTree) TreeHash() ([]byte, error) {
	if t.cs == nil {
		return nil, stateError("ratchet-tree", fmt.Errorf("tree not bound to a cipher suite"))
	}
	if len(t.Nodes) == 0 {
		return nil, stateError("ratchet-tree", fmt.Errorf("empty tree"))
	}

	h, err := t.subtreeHash(t.rootIndex(), nil)
	if err != nil {
		return nil, err
	}
	return dup(h), nil
}

// RecomputeTreeHash drops every cached hash and rehashes the tree, the two
// halves below the root in parallel.
func (t *RatchetTree) RecomputeTreeHash() ([]byte, error) {
	if t.cs == nil {
		return nil, stateError("ratchet-tree", fmt.Errorf("tree not bound to a cipher suite"))
	}
	if len(t.Nodes) == 0 {
		return nil, stateError("ratchet-tree", fmt.Errorf("empty tree"))
	}

	t.clearAllHashes()

	r := t.rootIndex()
	if !isLeaf(r) {
		var g errgroup.Group
		for _, child := range []NodeIndex{left(r), right(r)} {
			child := child
			g.Go(func() error {
				_, err := t.subtreeHash(child, nil)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return t.TreeHash()
}

///
/// Parent hash
///

// parentHash of node p as seen from the child opposite to sibling.
func (t *RatchetTree) parentHash(p, sibling NodeIndex) ([]byte, error) {
	parent := t.parentNode(p)
	if parent == nil {
		return nil, validationError("ratchet-tree", fmt.Errorf("parent hash of blank node %d", p))
	}

	exclude := map[LeafIndex]bool{}
	for _, u := range parent.UnmergedLeaves {
		exclude[u] = true
	}

	sibHash, err := t.subtreeHash(sibling, exclude)
	if err != nil {
		return nil, err
	}

	enc, err := marshal(parentHashInput{
		EncryptionKey:           parent.EncryptionKey,
		ParentHash:              parent.ParentHash,
		OriginalSiblingTreeHash: sibHash,
	})
	if err != nil {
		return nil, err
	}
	return t.cs.Hash(enc), nil
}

// setParentHashes fills the parent_hash chain along a freshly merged filtered
// direct path, root first, and returns the value the leaf must carry.
func (t *RatchetTree) setParentHashes(from LeafIndex, fdp []NodeIndex) ([]byte, error) {
	if len(fdp) == 0 {
		return []byte{}, nil
	}

	leafNode := toNodeIndex(from)
	t.Nodes[fdp[len(fdp)-1]].Node.Parent.ParentHash = []byte{}

	for i := len(fdp) - 1; i > 0; i-- {
		ph, err := t.parentHash(fdp[i], copathChild(fdp[i], leafNode))
		if err != nil {
			return nil, err
		}
		t.Nodes[fdp[i-1]].Node.Parent.ParentHash = ph
	}

	return t.parentHash(fdp[0], copathChild(fdp[0], leafNode))
}

func (t RatchetTree) storedParentHash(n NodeIndex) []byte {
	node := t.Nodes[n].Node
	if node.Leaf != nil {
		if node.Leaf.Source != LeafNodeSourceCommit {
			return nil
		}
		return node.Leaf.ParentHash
	}
	return node.Parent.ParentHash
}

// VerifyParentHashes checks that every non-blank parent node chains down to
// a descendant through a matching parent_hash.
func (t *RatchetTree) VerifyParentHashes() error {
	if t.cs == nil {
		return stateError("ratchet-tree", fmt.Errorf("tree not bound to a cipher suite"))
	}

	for i := range t.Nodes {
		p := NodeIndex(i)
		parent := t.parentNode(p)
		if isLeaf(p) || parent == nil {
			continue
		}

		exclude := map[LeafIndex]bool{}
		for _, u := range parent.UnmergedLeaves {
			exclude[u] = true
		}

		valid := false
		for _, c := range []NodeIndex{left(p), right(p)} {
			ph, err := t.parentHash(p, copathChild(p, c))
			if err != nil {
				return err
			}

			for _, d := range t.resolutionExcluding(c, exclude) {
				if bytes.Equal(t.storedParentHash(d), ph) {
					valid = true
					break
				}
			}
			if valid {
				break
			}
		}

		if !valid {
			return validationError("ratchet-tree", fmt.Errorf("%w: node %d", ErrParentHashMismatch, p))
		}
	}

	return nil
}

// verifyLeaves checks every occupied leaf's self-signature.
func (t *RatchetTree) verifyLeaves(groupID []byte) error {
	for _, i := range t.Members() {
		leaf, _ := t.Leaf(i)
		if err := leaf.verify(t.cs, groupID, i); err != nil {
			return fmt.Errorf("leaf %d: %w", i, err)
		}
	}
	return nil
}
