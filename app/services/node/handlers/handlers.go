// Package handlers manages the different versions of the API.
package handlers

import (
	"net/http"

	"github.com/isaac-lapworth/blockchain-simulations/app/services/node/handlers/v1"
	"github.com/isaac-lapworth/blockchain-simulations/business/web/v1/mid"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/state"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/web"
	"go.uber.org/zap"
)

// APIMuxConfig contains all the mandatory systems required by handlers.
type APIMuxConfig struct {
	Log   *zap.SugaredLogger
	State *state.State
}

// APIMux constructs a http.Handler with all application routes defined.
func APIMux(cfg APIMuxConfig) http.Handler {
	app := web.NewApp(
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Panics(),
	)

	v1.Routes(app, v1.Config{
		Log:   cfg.Log,
		State: cfg.State,
	})

	return app
}
