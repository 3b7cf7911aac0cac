package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/internal/orchestration"
)

// Server represents the HTTP server of the engine.
type Server struct {
	coord      *orchestration.Coordinator
	specs      *SpecStore
	handlers   *Handlers
	httpServer *http.Server
	logger     *slog.Logger

	sweepEvery time.Duration
	stopSweep  context.CancelFunc
	sweepDone  chan struct{}
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithSweepInterval makes the server fail expired human suspensions every d.
// Zero disables the sweep; expired suspensions are still rejected on resume.
func WithSweepInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.sweepEvery = d }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new Server instance. runner may be nil when runs are
// only driven by clients.
func NewServer(settings config.ServerSettings, coord *orchestration.Coordinator, runner *orchestration.Runner, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		specs:  NewSpecStore(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = NewHandlers(coord, runner, s.specs, s.logger, settings.MaxBodyBytes)

	mux := http.NewServeMux()

	// Register routes using Go 1.22+ method routing
	mux.HandleFunc("POST /api/v1/validate", s.handlers.HandleValidate)
	mux.HandleFunc("POST /api/v1/specs", s.handlers.HandleRegisterSpec)
	mux.HandleFunc("GET /api/v1/specs", s.handlers.HandleListSpecs)
	mux.HandleFunc("POST /api/v1/runs", s.handlers.HandleStartRun)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handlers.HandleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/audit", s.handlers.HandleAudit)
	mux.HandleFunc("POST /api/v1/runs/{id}/steps/{step}/done", s.handlers.HandleStepDone)
	mux.HandleFunc("POST /api/v1/runs/{id}/steps/{step}/resume", s.handlers.HandleResume)

	readTimeout := settings.ReadTimeout()
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:         settings.Addr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start starts the HTTP server and the suspension sweep.
// Blocks until the server is stopped or an error occurs.
func (s *Server) Start() error {
	s.startSweep()
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
// Cancels all background drives and waits for them before shutting down HTTP.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopSweep != nil {
		s.stopSweep()
		<-s.sweepDone
	}

	cancelled := s.handlers.drives.CancelAll()
	if cancelled > 0 {
		// Wait for drives to end (use half the context deadline for this)
		if deadline, ok := ctx.Deadline(); ok {
			if waitTimeout := time.Until(deadline) / 2; waitTimeout > 0 {
				if left := s.handlers.drives.WaitAll(waitTimeout); left > 0 {
					s.logger.Warn("drives still active at shutdown", "count", left)
				}
			}
		}
	}

	return s.httpServer.Shutdown(ctx)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Specs returns the spec registry.
func (s *Server) Specs() *SpecStore {
	return s.specs
}

// Drives returns the background drive tracker.
func (s *Server) Drives() *DriveStore {
	return s.handlers.drives
}

func (s *Server) startSweep() {
	if s.sweepEvery <= 0 || s.stopSweep != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	s.sweepDone = make(chan struct{})

	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(ctx, now)
			}
		}
	}()
}

// Sweep fails the human suspensions that expired before now.
func (s *Server) Sweep(ctx context.Context, now time.Time) {
	outcomes, err := s.coord.ExpireSuspensions(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "expiring suspensions failed", "error", err)
	}
	for _, out := range outcomes {
		s.logger.InfoContext(ctx, "suspension expired", "run_id", out.RunID, "status", out.Status)
	}
}
