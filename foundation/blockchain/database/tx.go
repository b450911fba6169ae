// Package database defines the data types the two consensus engines agree
// on: transactions and the blocks that commit to them. Transaction validity
// is taken as given; the input/output amounts are dummy data and their
// difference is an implied fee that is carried but never enforced.
package database

import (
	"fmt"
	"time"
)

// Tx represents a spend between two parties. The id is dense from zero and
// doubles as the transaction's index in the unconfirmed pool.
type Tx struct {
	ID               uint32 `json:"id"`
	Input            uint32 `json:"input"`
	Output           uint32 `json:"output"`
	CreationTime     int64  `json:"creation_time"`
	ConfirmationTime int64  `json:"confirmation_time"`
	Confirmations    int    `json:"confirmations"`
	Collected        bool   `json:"collected"`
}

// NewTx constructs a transaction stamped with the current wall clock in
// milliseconds.
func NewTx(id uint32, input uint32, output uint32) Tx {
	return Tx{
		ID:           id,
		Input:        input,
		Output:       output,
		CreationTime: time.Now().UnixMilli(),
	}
}

// MerkleString serializes the transaction for hashing: the id, input, and
// output as three 8-hex-digit zero-padded lowercase integers.
func (tx Tx) MerkleString() string {
	return fmt.Sprintf("%08x%08x%08x", tx.ID, tx.Input, tx.Output)
}
