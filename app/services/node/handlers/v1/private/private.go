// Package private maintains the group of handlers for node debugging
// access: per-node chains and message queues.
package private

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	v1 "github.com/isaac-lapworth/blockchain-simulations/business/web/v1"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/state"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of private endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
}

// Chain returns a summary of one node's local chain.
func (h Handlers) Chain(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.Atoi(web.Param(r, "id"))
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	chain, err := h.State.ChainOf(id)
	if err != nil {
		return v1.NewRequestError(err, http.StatusNotFound)
	}

	resp := struct {
		Node   int     `json:"node"`
		Height int     `json:"height"`
		Blocks []block `json:"blocks"`
	}{
		Node:   id,
		Height: len(chain),
	}

	for i, b := range chain {
		resp.Blocks = append(resp.Blocks, block{
			Height:        i,
			Hash:          b.Hash,
			PrevBlockHash: b.PrevBlockHash,
			TimeStamp:     b.TimeStamp,
			Nonce:         b.Nonce,
			Difficulty:    b.Difficulty,
			Transactions:  b.TransactionIDs(),
		})
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Queue returns the kinds of messages waiting in one node's queue.
func (h Handlers) Queue(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.Atoi(web.Param(r, "id"))
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	statuses := h.State.Statuses()
	if id < 0 || id >= len(statuses) {
		return v1.NewRequestError(fmt.Errorf("node %d does not exist", id), http.StatusNotFound)
	}

	kinds := make([]string, 0, len(statuses[id].Queue))
	for _, k := range statuses[id].Queue {
		kinds = append(kinds, k.String())
	}

	resp := struct {
		Node     int      `json:"node"`
		Messages []string `json:"messages"`
	}{
		Node:     id,
		Messages: kinds,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// block is the wire form of a chain entry.
type block struct {
	Height        int      `json:"height"`
	Hash          string   `json:"hash"`
	PrevBlockHash string   `json:"prev_block_hash"`
	TimeStamp     int64    `json:"timestamp"`
	Nonce         uint64   `json:"nonce"`
	Difficulty    int      `json:"difficulty"`
	Transactions  []uint32 `json:"transactions"`
}
