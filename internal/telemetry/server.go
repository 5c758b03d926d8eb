package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/logger"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the status HTTP endpoint: /metrics, /health and /reading.
type Server struct {
	cfg     Config
	logger  logger.Logger
	httpSrv *http.Server
	done    chan struct{}
}

func NewServer(cfg Config, inst *Instruments, hs HealthSource, rs ReadingSource, log logger.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New().Wrap(ErrInvalidConfig, err)
	}
	if log == nil {
		log = logger.New("status")
	}

	s := &Server{
		cfg:    cfg,
		logger: log,
		done:   make(chan struct{}),
	}
	s.httpSrv = &http.Server{
		Addr: cfg.Listen,
		Handler: handlers.RecoveryHandler(
			handlers.RecoveryLogger(recoveryLogger{log}),
		)(NewRouter(inst, hs, rs)),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	return s, nil
}

// NewRouter builds the status routes.
func NewRouter(inst *Instruments, hs HealthSource, rs ReadingSource) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(inst.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/health", healthHandler(hs)).Methods("GET")
	r.HandleFunc("/reading", readingHandler(rs)).Methods("GET")

	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.New().Wrap(ErrServerStart, err)
	}

	s.logger.Info().Str("listen", ln.Addr().String()).Msg("Status server listening")

	go func() {
		defer close(s.done)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server stopped")
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return errors.New().Wrap(ErrServerShutdown, err)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

func healthHandler(hs HealthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		mask := hs.Mask()
		faults := make([]string, 0, len(mask.Faults()))
		for _, f := range mask.Faults() {
			faults = append(faults, f.String())
		}

		status := http.StatusOK
		if !mask.Healthy() {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, HealthStatus{
			Healthy: mask.Healthy(),
			Mask:    uint8(mask),
			Faults:  faults,
			Details: hs.Details(),
			Streak:  hs.Streak(),
		})
	}
}

func readingHandler(rs ReadingSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		res, ok := rs.LastResult()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cycle completed yet"})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type recoveryLogger struct {
	log logger.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.log.Error().Interface("panic", v).Msg("Status handler panicked")
}
