// Package merkle folds an ordered list of values into a single root digest.
// The root is what a block header commits to; the ordered values are kept so
// a block can later report which transactions it carried.
package merkle

import (
	"encoding/hex"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoValues occurs when a tree is requested for an empty list.
var ErrNoValues = errors.New("cannot build a merkle tree without values")

// Hashable is the behavior a value must provide to be summarized by a tree.
// The returned string is the value's canonical serialization for hashing.
type Hashable interface {
	MerkleString() string
}

// Tree represents a merkle tree built from an ordered list of values.
// Keccak-256 is used for the leaves and internal nodes; only the block
// header binding requires SHA-256.
type Tree[T Hashable] struct {
	values []T
	nodes  [][]byte
}

// NewTree constructs a tree from the ordered values. A copy of the last leaf
// is appended when the count is odd so the tree stays a full binary tree.
func NewTree[T Hashable](values []T) (*Tree[T], error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}

	leaves := make([]T, len(values))
	copy(leaves, values)
	if len(leaves)%2 == 1 {
		leaves = append(leaves, leaves[len(leaves)-1])
	}

	nodes := make([][]byte, 0, 2*len(leaves)-1)
	for _, v := range leaves {
		nodes = append(nodes, crypto.Keccak256([]byte(v.MerkleString())))
	}

	// Fold sibling digests level by level until a single root remains. The
	// children of the node appended at each step sit at i and i+1.
	total := 2*len(leaves) - 1
	for i := 0; len(nodes) < total; i += 2 {
		nodes = append(nodes, crypto.Keccak256(nodes[i], nodes[i+1]))
	}

	t := Tree[T]{
		values: values,
		nodes:  nodes,
	}

	return &t, nil
}

// RootHex returns the root digest of the tree in hexadecimal form.
func (t *Tree[T]) RootHex() string {
	return hex.EncodeToString(t.nodes[len(t.nodes)-1])
}

// Values returns the ordered values the tree was built from, without the
// odd-count duplicate.
func (t *Tree[T]) Values() []T {
	values := make([]T, len(t.values))
	copy(values, t.values)
	return values
}
