// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/isaac-lapworth/blockchain-simulations/app/services/node/handlers/v1/private"
	"github.com/isaac-lapworth/blockchain-simulations/app/services/node/handlers/v1/public"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/state"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/web"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	State *state.State
}

// Routes binds all the version 1 routes.
func Routes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
	}

	app.Handle(http.MethodGet, version, "/node/status", pbl.Status)
	app.Handle(http.MethodGet, version, "/tx/uncommitted", pbl.Uncommitted)
	app.Handle(http.MethodGet, version, "/tx/confirmed/recent", pbl.RecentConfirmations)

	prv := private.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
	}

	app.Handle(http.MethodGet, version, "/node/chain/:id", prv.Chain)
	app.Handle(http.MethodGet, version, "/node/queue/:id", prv.Queue)
}
