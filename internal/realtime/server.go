package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/observe"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/pkg/engine"
	"github.com/dalstonhq/dalston/pkg/types"
	"github.com/dalstonhq/dalston/pkg/vad"
)

// Close codes beyond the registered WebSocket range, used to tell clients
// apart from transport failures.
const (
	// StatusNoCapacity rejects a session because every slot is taken.
	StatusNoCapacity websocket.StatusCode = 4503
)

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server is one real-time transcription worker: it terminates WebSocket
// sessions against a local [engine.Transcriber] and keeps its registry
// record fresh so the router can find it.
type Server struct {
	cfg     *config.Realtime
	tr      engine.Transcriber
	det     vad.Detector
	store   blob.Store
	hb      *registry.Heartbeater
	log     *slog.Logger
	metrics *observe.Metrics

	mu     sync.Mutex
	active int
}

// New assembles a realtime server and its registry record. The advertised
// capabilities come straight from the transcriber.
func New(cfg *config.Realtime, tr engine.Transcriber, det vad.Detector, store blob.Store, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		tr:    tr,
		det:   det,
		store: store,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	inst := types.EngineInstance{
		EngineID:     cfg.EngineID,
		InstanceID:   cfg.WorkerID,
		Stage:        types.StageTranscribe,
		Status:       types.InstanceIdle,
		Endpoint:     cfg.WorkerEndpoint,
		MaxSessions:  cfg.MaxSessions,
		Capabilities: tr.Capabilities(),
	}
	s.hb = registry.NewHeartbeater(reg, inst, registry.WithHeartbeatLogger(s.log))
	return s
}

// Run keeps the registry record alive until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	err := s.hb.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handler returns the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/realtime", s.handleSession)
	return mux
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	params, perr := ParseParams(r.URL.Query())
	if perr == nil && params.Model == "" {
		params.Model = s.cfg.ModelVariant
	}

	// Origin checks are the router's concern; workers sit behind it.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	ctx := r.Context()
	reject := func(code, msg string, status websocket.StatusCode) {
		frame := errorFrame{Type: frameError, Code: code, Message: msg, Recoverable: false}
		if b, err := json.Marshal(frame); err == nil {
			_ = conn.Write(ctx, websocket.MessageText, b)
		}
		_ = conn.Close(status, code)
	}

	if perr != nil {
		reject(errInvalidMessage, perr.Error(), websocket.StatusPolicyViolation)
		return
	}
	if caps := s.tr.Capabilities(); !caps.SupportsModel(params.Model) {
		reject(errInvalidMessage, "model "+params.Model+" not served by this worker", websocket.StatusPolicyViolation)
		return
	}
	if !s.acquire(ctx) {
		reject(errNoCapacity, "all session slots are in use", StatusNoCapacity)
		return
	}
	defer s.release(ctx)

	s.metrics.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("model", params.Model)))
	s.log.Info("session started",
		"session_id", params.SessionID,
		"model", params.Model,
		"language", params.Language,
		"sample_rate", params.SampleRate)

	sess, err := newSession(ctx, conn, params, s.tr, s.det, s.store, s.cfg.ChunkSize, s.log, s.metrics)
	if err != nil {
		s.log.Error("session setup failed", "session_id", params.SessionID, "err", err)
		reject(errInternal, "session setup failed", websocket.StatusInternalError)
		return
	}
	if err := sess.run(ctx); err != nil {
		s.log.Error("session failed", "session_id", params.SessionID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session failed")
		return
	}
	s.log.Info("session finished", "session_id", params.SessionID)
}

func (s *Server) acquire(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.cfg.MaxSessions {
		return false
	}
	s.active++
	s.hb.SetActiveSessions(s.active)
	s.metrics.ActiveSessions.Add(ctx, 1)
	return true
}

func (s *Server) release(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	s.hb.SetActiveSessions(s.active)
	s.metrics.ActiveSessions.Add(ctx, -1)
}
