package database

import (
	"context"
	"strconv"
	"time"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/merkle"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/signature"
)

// =============================================================================

// Block represents a group of transactions batched together behind a header
// hash. Proof-of-work blocks carry a nonce and a difficulty; sealed (dBFT)
// blocks leave both at zero and bind hash = SHA256(prev + merkle root).
type Block struct {
	PrevBlockHash string
	MerkleTree    *merkle.Tree[Tx]
	TimeStamp     int64
	Nonce         uint64
	Difficulty    int
	Hash          string
}

// NewBlock constructs a candidate block on top of prevHash, ready for the
// nonce search. The hash and timestamp are set when Mine succeeds.
func NewBlock(prevHash string, txs []Tx, difficulty int) (Block, error) {
	tree, err := merkle.NewTree(txs)
	if err != nil {
		return Block{}, err
	}

	b := Block{
		PrevBlockHash: prevHash,
		MerkleTree:    tree,
		Difficulty:    difficulty,
	}

	return b, nil
}

// NewSealedBlock constructs a block whose hash is fixed immediately with no
// nonce search: the dBFT binding SHA256(prev + merkle root).
func NewSealedBlock(prevHash string, txs []Tx) (Block, error) {
	tree, err := merkle.NewTree(txs)
	if err != nil {
		return Block{}, err
	}

	b := Block{
		PrevBlockHash: prevHash,
		MerkleTree:    tree,
		TimeStamp:     time.Now().UnixMilli(),
	}
	b.Hash = signature.Hash(prevHash + tree.RootHex())

	return b, nil
}

// NewGenesis mines the height-zero proof-of-work block: a single dummy
// coinbase transaction, a zero previous hash, and a nonce searched from
// scratch so the genesis hash also satisfies the initial difficulty.
func NewGenesis(ctx context.Context, difficulty int, binary bool) (Block, error) {
	b, err := NewBlock(signature.ZeroHash, []Tx{{}}, difficulty)
	if err != nil {
		return Block{}, err
	}

	for !b.Mine(binary) {
		if err := ctx.Err(); err != nil {
			return Block{}, err
		}
	}

	return b, nil
}

// NewSealedGenesis constructs the height-zero sealed block used by the dBFT
// engine, carrying the same dummy coinbase transaction.
func NewSealedGenesis() (Block, error) {
	return NewSealedBlock(signature.ZeroHash, []Tx{{}})
}

// Mine performs one step of the nonce search, reporting whether the
// resulting hash satisfies the block's difficulty. The timestamp records
// when the block was solved.
func (b *Block) Mine(binary bool) bool {
	b.Nonce++
	b.Hash = signature.Hash(b.PrevBlockHash + b.MerkleTree.RootHex() + strconv.FormatUint(b.Nonce, 10))

	if !IsValid(b.Hash, b.Difficulty, binary) {
		return false
	}

	b.TimeStamp = time.Now().UnixMilli()
	return true
}

// TransactionIDs returns the ids of the block's transactions in order.
func (b Block) TransactionIDs() []uint32 {
	values := b.MerkleTree.Values()
	ids := make([]uint32, len(values))
	for i, tx := range values {
		ids[i] = tx.ID
	}
	return ids
}

// IsValid checks a hash against the difficulty predicate: the first
// difficulty hex characters must be '0', or at most '7' in binary mode
// (one leading zero bit per character).
func IsValid(hash string, difficulty int, binary bool) bool {
	if difficulty > len(hash) {
		difficulty = len(hash)
	}

	for i := 0; i < difficulty; i++ {
		if binary {
			if hash[i] > '7' {
				return false
			}
			continue
		}
		if hash[i] != '0' {
			return false
		}
	}

	return true
}
