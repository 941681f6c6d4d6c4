// Package daemon serves the read-only ops API over a unix socket. State
// mutation stays on the command queue; this surface only observes.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/calibworks/ecud/internal/api"
	"github.com/calibworks/ecud/internal/config"
	"github.com/calibworks/ecud/internal/db"
	"github.com/calibworks/ecud/internal/model"
	"github.com/calibworks/ecud/internal/safetyq"
	"github.com/calibworks/ecud/internal/statestore"
)

const schemaVersion = "v1"

type Server struct {
	cfg         config.Config
	store       *db.Store
	states      *statestore.Store
	queue       *safetyq.Queue
	logger      *slog.Logger
	mode        model.OperatorMode
	httpSrv     *http.Server
	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, states *statestore.Store, queue *safetyq.Queue, mode model.OperatorMode, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		store:  store,
		states: states,
		queue:  queue,
		logger: logger,
		mode:   mode,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/state", s.stateHandler)
	mux.HandleFunc("/v1/events", s.eventsHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	health, err := s.queue.CheckHealth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPersistenceFailure, err.Error())
		return
	}
	status := "ok"
	if health.Exhausted > 0 {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        status,
		OperatorMode:  string(s.mode),
		Queue: api.QueueHealth{
			Undelivered: health.Undelivered,
			Exhausted:   health.Exhausted,
			CheckedAt:   health.CheckedAt,
		},
	})
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	state := s.states.State()
	resp := api.StateResponse{
		SchemaVersion: schemaVersion,
		Connection: api.ConnectionState{
			Status:      string(state.Connection.Status),
			InterfaceID: state.Connection.InterfaceID,
			LastError:   state.Connection.LastError,
			UpdatedAt:   state.Connection.UpdatedAt,
		},
		Diagnostics: api.DiagnosticsState{
			Codes:      make([]api.DiagnosticCode, 0, len(state.Diagnostics.Codes)),
			LastScanAt: state.Diagnostics.LastScanAt,
			InProgress: state.Diagnostics.InProgress,
		},
		Safety: api.SafetyState{
			Armed:     state.Safety.Armed,
			Level:     string(state.Safety.Level),
			LastEvent: state.Safety.LastEvent,
		},
	}
	for _, code := range state.Diagnostics.Codes {
		resp.Diagnostics.Codes = append(resp.Diagnostics.Codes, api.DiagnosticCode{
			Code:     code.Code,
			Message:  code.Message,
			Severity: code.Severity,
		})
	}
	if state.Telemetry != nil {
		resp.Telemetry = &api.Telemetry{
			RPM:     state.Telemetry.RPM,
			Boost:   state.Telemetry.Boost,
			AFR:     state.Telemetry.AFR,
			Knock:   state.Telemetry.Knock,
			Coolant: state.Telemetry.Coolant,
			IAT:     state.Telemetry.IAT,
			TakenAt: state.Telemetry.TakenAt,
		}
	}
	if state.Flash.Active != nil {
		resp.ActiveFlash = flashRecord(*state.Flash.Active)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := queryInt(r, "limit", 100)
	undeliveredOnly := r.URL.Query().Get("undelivered") == "1"
	events, err := s.store.ListRecentEvents(r.Context(), limit, undeliveredOnly)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPersistenceFailure, err.Error())
		return
	}
	resp := api.EventsResponse{SchemaVersion: schemaVersion, Events: make([]api.EventRecord, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, api.EventRecord{
			EventID:          ev.EventID,
			Type:             string(ev.Type),
			Payload:          ev.Payload,
			CreatedAt:        ev.CreatedAt,
			Delivered:        ev.Delivered,
			DeliveryAttempts: ev.DeliveryAttempts,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := queryInt(r, "limit", 50)
	sessions, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPersistenceFailure, err.Error())
		return
	}
	resp := api.SessionsResponse{SchemaVersion: schemaVersion, Sessions: make([]api.SessionRecord, 0, len(sessions))}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, api.SessionRecord{
			SessionID:        sess.SessionID,
			VehicleSessionID: sess.VehicleSessionID,
			ChangesetID:      sess.ChangesetID,
			Mode:             string(sess.Mode),
			Armed:            sess.Armed,
			ExpiresAt:        sess.ExpiresAt,
			Status:           string(sess.Status),
			RevertReason:     sess.RevertReason,
			CreatedAt:        sess.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func flashRecord(job model.FlashJob) *api.FlashJobRecord {
	return &api.FlashJobRecord{
		JobID:             job.JobID,
		EngineID:          job.EngineID,
		SessionID:         job.SessionID,
		State:             string(job.State),
		Progress:          job.Progress,
		ChecksumOK:        job.ChecksumOK,
		ValidationOK:      job.ValidationOK,
		RollbackAvailable: job.RollbackAvailable,
		ErrorMessage:      job.ErrorMessage,
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Code: code, Message: message})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrPreconditionFailed, "method not allowed")
}
