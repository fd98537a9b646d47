package mls

// The below functions provide the index calculus for the tree structures used in MLS.
// They are premised on a "flat" representation of a complete binary tree.  Leaf nodes
// are even-numbered nodes, with the n-th leaf at 2*n.  Intermediate nodes are held in
// odd-numbered nodes.  The number of leaves is always a power of two, so every parent
// has both children and the root of an n-leaf tree sits at index n-1.  For example, a
// 8-leaf tree has the following structure:
//
//                       X
//           X                       X
//     X           X           X           X
//  X     X     X     X     X     X     X     X
//  0  1  2  3  4  5  6  7  8  9  a  b  c  d  e
//
// The basic rule is that the high-order bits of parent and child nodes have the
// following relation:
//
//    01x = <00x, 10x>

type LeafIndex uint32
type LeafCount uint32
type NodeIndex uint32
type NodeCount uint32

func toNodeIndex(leaf LeafIndex) NodeIndex {
	return NodeIndex(2 * leaf)
}

func toLeafIndex(node NodeIndex) LeafIndex {
	return LeafIndex(node >> 1)
}

func isLeaf(x NodeIndex) bool {
	return x&0x01 == 0
}

// Position of the most significant 1 bit
func log2(x NodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k++
	}
	return k - 1
}

// Position of the least significant 0 bit
func level(x NodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k++
	}
	return k
}

// Smallest power of two that is >= n
func leafCountFor(n uint32) LeafCount {
	c := LeafCount(1)
	for uint32(c) < n {
		c <<= 1
	}
	return c
}

// Number of nodes for a tree of size N
func nodeWidth(n LeafCount) NodeCount {
	if n == 0 {
		return 0
	}
	return NodeCount(2*(n-1) + 1)
}

// Number of leaves of a tree with C nodes
func leafWidth(c NodeCount) LeafCount {
	if c == 0 {
		return 0
	}
	return LeafCount((c >> 1) + 1)
}

// Index of the root of the tree with N leaves
func root(n LeafCount) NodeIndex {
	w := nodeWidth(n)
	return NodeIndex((1 << log2(w)) - 1)
}

// Left child of x
func left(x NodeIndex) NodeIndex {
	k := level(x)
	if k == 0 {
		return x
	}

	return x ^ (0x01 << (k - 1))
}

// Right child of x
func right(x NodeIndex) NodeIndex {
	k := level(x)
	if k == 0 {
		return x
	}

	return x ^ (0x03 << (k - 1))
}

// Immediate parent of x
func parent(x NodeIndex, n LeafCount) NodeIndex {
	// root's parent is itself
	if x == root(n) {
		return x
	}

	// xy01 -> x011
	k := level(x)
	b := (x >> (k + 1)) & 0x01
	return (x | (1 << k)) ^ (b << (k + 1))
}

// Sibling of x
func sibling(x NodeIndex, n LeafCount) NodeIndex {
	p := parent(x, n)
	if x < p {
		return right(p)
	} else if x > p {
		return left(p)
	}

	// root's sibling is itself
	return p
}

// Direct path of x: its ancestors ordered from its parent up to the root.
// Empty for the root.
func dirpath(x NodeIndex, n LeafCount) []NodeIndex {
	d := []NodeIndex{}
	r := root(n)
	if x == r {
		return d
	}

	p := parent(x, n)
	for p != r {
		d = append(d, p)
		p = parent(p, n)
	}

	return append(d, r)
}

// Copath of x: the sibling of x and of each node of its direct path except
// the root, ordered from the leaf to the root.
func copath(x NodeIndex, n LeafCount) []NodeIndex {
	r := root(n)
	if x == r {
		return []NodeIndex{}
	}

	d := append([]NodeIndex{x}, dirpath(x, n)...)
	d = d[:len(d)-1]

	c := make([]NodeIndex, len(d))
	for i, y := range d {
		c[i] = sibling(y, n)
	}

	return c
}

// Whether x is in the subtree rooted at a
func isAncestor(a, x NodeIndex) bool {
	k := level(a)
	lo := a - ((1 << k) - 1)
	hi := a + ((1 << k) - 1)
	return lo <= x && x <= hi && a != x
}

// Lowest common ancestor of two distinct nodes
func ancestor(x, y NodeIndex) NodeIndex {
	if x == y {
		return x
	}

	k := uint(0)
	for x != y {
		x >>= 1
		y >>= 1
		k++
	}
	return NodeIndex((uint(x) << k) + (1 << (k - 1)) - 1)
}
