package merkle_test

import (
	"testing"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/merkle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type value string

func (v value) MerkleString() string { return string(v) }

func TestNewTreeEmpty(t *testing.T) {
	_, err := merkle.NewTree([]value{})
	require.ErrorIs(t, err, merkle.ErrNoValues)
}

func TestRootDeterminism(t *testing.T) {
	a, err := merkle.NewTree([]value{"t0", "t1", "t2", "t3"})
	require.NoError(t, err)

	b, err := merkle.NewTree([]value{"t0", "t1", "t2", "t3"})
	require.NoError(t, err)

	assert.Equal(t, a.RootHex(), b.RootHex())
	assert.Len(t, a.RootHex(), 64)

	// Order matters.
	c, err := merkle.NewTree([]value{"t1", "t0", "t2", "t3"})
	require.NoError(t, err)
	assert.NotEqual(t, a.RootHex(), c.RootHex())
}

// An odd leaf count duplicates the final leaf, so these two lists summarize
// to the same root.
func TestOddLeafDuplication(t *testing.T) {
	odd, err := merkle.NewTree([]value{"t0", "t1", "t2"})
	require.NoError(t, err)

	even, err := merkle.NewTree([]value{"t0", "t1", "t2", "t2"})
	require.NoError(t, err)

	assert.Equal(t, even.RootHex(), odd.RootHex())
}

func TestValuesRetained(t *testing.T) {
	tree, err := merkle.NewTree([]value{"t0", "t1", "t2"})
	require.NoError(t, err)

	// The duplicate used for balancing is not part of the retained values.
	assert.Equal(t, []value{"t0", "t1", "t2"}, tree.Values())

	// Mutating the returned slice leaves the tree untouched.
	vs := tree.Values()
	vs[0] = "other"
	assert.Equal(t, []value{"t0", "t1", "t2"}, tree.Values())
}

func TestSingleLeaf(t *testing.T) {
	tree, err := merkle.NewTree([]value{"t0"})
	require.NoError(t, err)

	pair, err := merkle.NewTree([]value{"t0", "t0"})
	require.NoError(t, err)

	assert.Equal(t, pair.RootHex(), tree.RootHex())
}
