// Package router is the client-facing front door for real-time sessions. It
// picks a live realtime worker for each incoming WebSocket and hands the
// client over, either by relaying frames (proxy mode) or by telling the
// client where to reconnect (redirect mode). Worker selection is the same in
// both modes: streaming instances serving the requested model and language,
// with a free session slot, least-loaded first.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/pkg/types"
)

// Close codes beyond the registered WebSocket range.
const (
	// StatusRedirect carries a worker URL in the close reason.
	StatusRedirect websocket.StatusCode = 4302

	// StatusNoCapacity means no live worker can take the session.
	StatusNoCapacity websocket.StatusCode = 4503
)

// redirectReason is the close reason payload in redirect mode.
type redirectReason struct {
	WorkerURL string `json:"worker_url"`
}

// Option configures a [Router].
type Option func(*Router)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) {
		r.log = log
	}
}

// Router routes real-time session requests to realtime workers.
type Router struct {
	reg  *registry.Registry
	mode config.RouterMode
	log  *slog.Logger
}

// New returns a router over the given registry.
func New(reg *registry.Registry, mode config.RouterMode, opts ...Option) *Router {
	r := &Router{reg: reg, mode: mode, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns the client-facing endpoint.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/realtime", r.handleSession)
	return mux
}

func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	worker, err := r.selectWorker(req.Context(), q.Get("model"), q.Get("language"))
	if err != nil {
		r.log.Error("worker selection failed", "err", err)
		http.Error(w, "worker lookup failed", http.StatusBadGateway)
		return
	}

	// Plain HTTP probes get an HTTP answer; everything else is WebSocket.
	if req.Header.Get("Upgrade") == "" {
		if worker == nil {
			http.Error(w, "no realtime capacity", http.StatusServiceUnavailable)
			return
		}
		http.Redirect(w, req, workerURL(worker, req), http.StatusTemporaryRedirect)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		r.log.Warn("websocket accept failed", "err", err)
		return
	}

	if worker == nil {
		_ = conn.Close(StatusNoCapacity, "no_capacity")
		return
	}

	switch r.mode {
	case config.ModeRedirect:
		r.redirect(conn, worker, req)
	default:
		r.proxy(req.Context(), conn, worker, req)
	}
}

// redirect closes the client connection with the chosen worker's URL; the
// client reconnects there directly.
func (r *Router) redirect(conn *websocket.Conn, worker *types.EngineInstance, req *http.Request) {
	reason, err := json.Marshal(redirectReason{WorkerURL: workerURL(worker, req)})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "redirect failed")
		return
	}
	r.log.Info("session redirected",
		"instance_id", worker.InstanceID,
		"active_sessions", worker.ActiveSessions)
	_ = conn.Close(StatusRedirect, string(reason))
}

// proxy dials the worker and relays frames both ways until either side
// closes. Close status propagates so the client sees the worker's verdict.
func (r *Router) proxy(ctx context.Context, client *websocket.Conn, worker *types.EngineInstance, req *http.Request) {
	upstream, _, err := websocket.Dial(ctx, workerURL(worker, req), nil)
	if err != nil {
		r.log.Error("worker dial failed", "instance_id", worker.InstanceID, "err", err)
		_ = client.Close(websocket.StatusBadGateway, "worker unreachable")
		return
	}

	r.log.Info("session proxied",
		"instance_id", worker.InstanceID,
		"active_sessions", worker.ActiveSessions)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay(gctx, upstream, client) })
	g.Go(func() error { return relay(gctx, client, upstream) })

	err = g.Wait()
	status, reason := websocket.StatusNormalClosure, ""
	if s := websocket.CloseStatus(err); s != -1 {
		status, reason = s, closeReason(err)
	}
	_ = client.Close(status, reason)
	_ = upstream.Close(status, reason)
}

// relay copies messages from src to dst until src closes.
func relay(ctx context.Context, dst, src *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}

// selectWorker returns the least-loaded live streaming instance serving the
// requested model and language, or nil when none qualifies.
func (r *Router) selectWorker(ctx context.Context, model, language string) (*types.EngineInstance, error) {
	instances, err := r.reg.ListByStage(ctx, types.StageTranscribe)
	if err != nil {
		return nil, fmt.Errorf("router: list instances: %w", err)
	}

	var fit []types.EngineInstance
	for _, inst := range instances {
		if !inst.Capabilities.Streaming || inst.Endpoint == "" {
			continue
		}
		if !inst.Capabilities.SupportsModel(model) {
			continue
		}
		if language != "" && language != "auto" && !inst.Capabilities.SupportsLanguage(language) {
			continue
		}
		if !r.reg.Available(&inst) || !inst.HasCapacity() {
			continue
		}
		fit = append(fit, inst)
	}
	if len(fit) == 0 {
		return nil, nil
	}

	sort.Slice(fit, func(i, j int) bool {
		if fit[i].ActiveSessions != fit[j].ActiveSessions {
			return fit[i].ActiveSessions < fit[j].ActiveSessions
		}
		return fit[i].InstanceID < fit[j].InstanceID
	})
	return &fit[0], nil
}

// workerURL appends the client's query string to the worker endpoint so the
// session arrives with its parameters intact.
func workerURL(worker *types.EngineInstance, req *http.Request) string {
	if req.URL.RawQuery == "" {
		return worker.Endpoint
	}
	return worker.Endpoint + "?" + req.URL.RawQuery
}

// closeReason extracts the close reason text from a read error.
func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
