package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	nativecommon "lpvault/native/common"
	"lpvault/native/vault"
	"lpvault/observability"
	"lpvault/services/keeperd/keeper"
	"lpvault/services/keeperd/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	// MutationsPerMinute bounds state-changing requests. Zero disables the
	// limiter.
	MutationsPerMinute int
	// MaxConnections caps concurrently accepted connections. Zero means no
	// cap.
	MaxConnections int
}

// Server hosts the operator API for one vault.
type Server struct {
	cfg     Config
	keeper  *keeper.Keeper
	auth    *Authenticator
	limiter *rate.Limiter
	logger  *slog.Logger
	router  http.Handler
}

// New constructs the server and its router.
func New(cfg Config, k *keeper.Keeper, auth *Authenticator, logger *slog.Logger) (*Server, error) {
	if k == nil {
		return nil, fmt.Errorf("keeper required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{cfg: cfg, keeper: k, auth: auth, logger: logger.With("component", "keeperd/server")}
	if cfg.MutationsPerMinute > 0 {
		srv.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MutationsPerMinute)), cfg.MutationsPerMinute)
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Get("/state", s.handleState)
		api.Get("/routes", s.handleRoutes)
		api.Get("/harvests", s.handleHarvests)
		api.Get("/harvests/{runID}", s.handleHarvest)
		api.Group(func(mutating chi.Router) {
			mutating.Use(s.limit)
			mutating.Put("/routes/{index}", s.handleSetRoute)
			mutating.Post("/routes", s.handleAddRoute)
			mutating.Delete("/routes/last", s.handleRemoveRoute)
			mutating.Post("/pause", s.handlePause)
			mutating.Post("/harvest", s.handleRunHarvest)
		})
	})
	return otelhttp.NewHandler(r, "keeperd")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String(), "maxConnections", s.cfg.MaxConnections)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		observability.API().Observe(route, r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			observability.API().RecordThrottle(r.URL.Path, "rate_limit")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stateResponse struct {
	Vault           string   `json:"vault"`
	Strategy        string   `json:"strategy"`
	Keeper          string   `json:"keeper"`
	Owner           string   `json:"owner"`
	Operators       []string `json:"operators"`
	Paused          bool     `json:"paused"`
	KeeperFeeBps    uint64   `json:"keeperFeeBps"`
	RouteCount      int      `json:"routeCount"`
	TotalSupply     string   `json:"totalSupply"`
	TotalUnderlying string   `json:"totalUnderlying"`
	PricePerShare   string   `json:"pricePerShare"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var resp stateResponse
	err := s.keeper.Do(func(v *vault.Vault) error {
		strategy := v.Strategy()
		total, err := v.TotalUnderlying(r.Context())
		if err != nil {
			return err
		}
		price, err := v.PricePerShare(r.Context())
		if err != nil {
			return err
		}
		resp = stateResponse{
			Vault:           v.Address().Hex(),
			Strategy:        strategy.Address().Hex(),
			Keeper:          s.keeper.Identity().Hex(),
			Owner:           strategy.Owner().Hex(),
			Operators:       hexAll(strategy.Operators()),
			Paused:          strategy.Paused(),
			KeeperFeeBps:    strategy.KeeperFeeBps(),
			RouteCount:      strategy.RouteCount(),
			TotalSupply:     v.TotalSupply().String(),
			TotalUnderlying: total.String(),
			PricePerShare:   price.String(),
		}
		return nil
	})
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type routeView struct {
	Index   int           `json:"index"`
	Input   string        `json:"input"`
	Output  string        `json:"output"`
	Tokens  []string      `json:"tokens"`
	Fees    []uint32      `json:"fees"`
	Encoded hexutil.Bytes `json:"encoded"`
}

func newRouteView(index int, route vault.Route) routeView {
	view := routeView{
		Index:   index,
		Input:   route.Input.Hex(),
		Output:  route.Output().Hex(),
		Tokens:  hexAll(route.Tokens()),
		Encoded: route.Encode(),
	}
	for _, leg := range route.Legs {
		view.Fees = append(view.Fees, leg.Fee)
	}
	return view
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	var views []routeView
	_ = s.keeper.Do(func(v *vault.Vault) error {
		for i, route := range v.Strategy().Routes() {
			views = append(views, newRouteView(i, route))
		}
		return nil
	})
	if views == nil {
		views = []routeView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// routeRequest carries a route either as token/fee lists or packed bytes.
type routeRequest struct {
	Tokens  []common.Address `json:"tokens"`
	Fees    []uint32         `json:"fees"`
	Encoded hexutil.Bytes    `json:"encoded"`
}

func decodeRouteRequest(r *http.Request) (routeRequest, error) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid payload")
	}
	if len(req.Encoded) == 0 && len(req.Tokens) == 0 {
		return req, fmt.Errorf("tokens or encoded route required")
	}
	return req, nil
}

func (s *Server) handleSetRoute(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid route index")
		return
	}
	req, err := decodeRouteRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var view routeView
	err = s.keeper.Do(func(v *vault.Vault) error {
		strategy := v.Strategy()
		if len(req.Encoded) > 0 {
			if err := strategy.SetRouteBytes(r.Context(), caller, index, req.Encoded); err != nil {
				return err
			}
		} else {
			route, err := vault.NewRoute(req.Tokens, req.Fees)
			if err != nil {
				return err
			}
			if err := strategy.SetRoute(r.Context(), caller, index, route); err != nil {
				return err
			}
		}
		route, err := strategy.Route(index)
		if err != nil {
			return err
		}
		view = newRouteView(index, route)
		return nil
	})
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAddRoute(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	req, err := decodeRouteRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var view routeView
	err = s.keeper.Do(func(v *vault.Vault) error {
		index, err := addRoute(r.Context(), v.Strategy(), caller, req)
		if err != nil {
			return err
		}
		route, err := v.Strategy().Route(index)
		if err != nil {
			return err
		}
		view = newRouteView(index, route)
		return nil
	})
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func addRoute(ctx context.Context, strategy *vault.Strategy, caller common.Address, req routeRequest) (int, error) {
	if len(req.Encoded) > 0 {
		return strategy.AddRouteBytes(ctx, caller, req.Encoded)
	}
	route, err := vault.NewRoute(req.Tokens, req.Fees)
	if err != nil {
		return 0, err
	}
	return strategy.AddRoute(ctx, caller, route)
}

func (s *Server) handleRemoveRoute(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var remaining int
	err := s.keeper.Do(func(v *vault.Vault) error {
		if err := v.Strategy().RemoveLastRoute(r.Context(), caller); err != nil {
			return err
		}
		remaining = v.Strategy().RouteCount()
		return nil
	})
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"routeCount": remaining})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req struct {
		Paused *bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Paused == nil {
		writeError(w, http.StatusBadRequest, "paused flag required")
		return
	}
	err := s.keeper.Do(func(v *vault.Vault) error {
		return v.Strategy().Pause(r.Context(), caller, *req.Paused)
	})
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": *req.Paused})
}

func (s *Server) handleRunHarvest(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	run, err := s.keeper.Harvest(r.Context(), caller, keeper.TriggerAPI)
	if err != nil {
		status := statusForError(err)
		s.logger.Warn("harvest request failed", "caller", caller.Hex(), "runId", run.RunID, "error", err)
		writeJSON(w, status, map[string]any{"error": err.Error(), "run": run})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHarvests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	runs, err := s.keeper.History().ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list harvest runs", "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	run, err := s.keeper.History().GetRun(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, storage.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("load harvest run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "load harvest run failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) writeVaultError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("vault call failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, vault.ErrUnauthorized), errors.Is(err, vault.ErrNotOwner), errors.Is(err, vault.ErrNotVault):
		return http.StatusForbidden
	case errors.Is(err, nativecommon.ErrModulePaused), errors.Is(err, vault.ErrReentrantCall), errors.Is(err, keeper.ErrNoPlan):
		return http.StatusConflict
	case errors.Is(err, vault.ErrSlippageExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrInvariantViolation):
		return http.StatusInternalServerError
	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrZeroAddress),
		errors.Is(err, vault.ErrMalformedRoute),
		errors.Is(err, vault.ErrRouteInputNotReward),
		errors.Is(err, vault.ErrRouteOutputNotWhitelisted),
		errors.Is(err, vault.ErrRouteIndexOutOfRange),
		errors.Is(err, vault.ErrNoRoutes),
		errors.Is(err, vault.ErrRouteNotConfigured),
		errors.Is(err, vault.ErrRouteTokenMismatch),
		errors.Is(err, vault.ErrProtectedToken),
		errors.Is(err, vault.ErrFeeOutOfBounds):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func hexAll(addrs []common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Hex())
	}
	return out
}
