// Package web contains a small web framework extension on top of
// httptreemux: handlers that return errors, per-request values with trace
// IDs, and middleware chaining.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dimfeld/httptreemux/v5"
	"github.com/google/uuid"
)

// Handler is a type that handles a http request within our own little mini
// framework.
type Handler func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

// App is the entrypoint into our application and what configures our context
// object for each of our http handlers.
type App struct {
	mux *httptreemux.ContextMux
	mw  []Middleware
}

// NewApp creates an App value that handles a set of routes for the
// application.
func NewApp(mw ...Middleware) *App {
	return &App{
		mux: httptreemux.NewContextMux(),
		mw:  mw,
	}
}

// Handle sets a handler function for a given HTTP method and path pair to
// the application server mux.
func (a *App) Handle(method string, group string, path string, handler Handler) {
	handler = wrapMiddleware(a.mw, handler)

	h := func(w http.ResponseWriter, r *http.Request) {
		v := Values{
			TraceID: uuid.NewString(),
			Now:     time.Now().UTC(),
		}
		ctx := context.WithValue(r.Context(), key, &v)

		// Errors escaping the middleware chain have nowhere to go.
		_ = handler(ctx, w, r)
	}

	finalPath := path
	if group != "" {
		finalPath = "/" + group + path
	}

	a.mux.Handle(method, finalPath, h)
}

// ServeHTTP implements the http.Handler interface.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// Param returns the web call parameters from the request.
func Param(r *http.Request, key string) string {
	m := httptreemux.ContextParams(r.Context())
	return m[key]
}

// =============================================================================

// Middleware is a function designed to run some code before and/or after
// another Handler.
type Middleware func(Handler) Handler

// wrapMiddleware wraps the handler with the middleware such that the first
// middleware in the slice executes first on a request.
func wrapMiddleware(mw []Middleware, handler Handler) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] != nil {
			handler = mw[i](handler)
		}
	}
	return handler
}

// =============================================================================

type ctxKey int

const key ctxKey = 1

// Values represent state for each request.
type Values struct {
	TraceID    string
	Now        time.Time
	StatusCode int
}

// GetValues returns the values from the context.
func GetValues(ctx context.Context) (*Values, error) {
	v, ok := ctx.Value(key).(*Values)
	if !ok {
		return nil, fmt.Errorf("web value missing from context")
	}
	return v, nil
}

// GetTraceID returns the trace id from the context, or a stand-in when the
// values are missing.
func GetTraceID(ctx context.Context) string {
	v, ok := ctx.Value(key).(*Values)
	if !ok {
		return "00000000-0000-0000-0000-000000000000"
	}
	return v.TraceID
}

// SetStatusCode records the status code the handler responded with.
func SetStatusCode(ctx context.Context, statusCode int) {
	if v, ok := ctx.Value(key).(*Values); ok {
		v.StatusCode = statusCode
	}
}
