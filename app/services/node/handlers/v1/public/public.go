// Package public maintains the group of handlers for public access to the
// simulation. Every endpoint is a read-only snapshot: the handlers never
// mutate consensus state.
package public

import (
	"context"
	"net/http"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/state"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of public endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
}

// Status returns a snapshot of every consensus node.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	resp := struct {
		Protocol string             `json:"protocol"`
		Nodes    []state.NodeStatus `json:"nodes"`
	}{
		Protocol: h.State.Config().Protocol,
		Nodes:    h.State.Statuses(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Uncommitted returns the pool's id and live counts with up to 100 of its
// live entries, oldest first.
func (h Handlers) Uncommitted(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	total, live := h.State.Mempool().Stats()

	resp := struct {
		Total int  `json:"total"`
		Live  int  `json:"live"`
		Txs   []tx `json:"txs"`
	}{
		Total: total,
		Live:  live,
	}

	for _, t := range h.State.Mempool().Uncommitted(100) {
		resp.Txs = append(resp.Txs, tx{
			ID:            t.ID,
			Input:         t.Input,
			Output:        t.Output,
			CreationTime:  t.CreationTime,
			Confirmations: t.Confirmations,
			Collected:     t.Collected,
		})
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// RecentConfirmations returns the ring of recently confirmed transactions.
func (h Handlers) RecentConfirmations(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Mempool().Recent(), http.StatusOK)
}
