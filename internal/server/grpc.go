package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	googleuuid "github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"TrancheVault/internal/event"
	"TrancheVault/internal/ingestion"
	"TrancheVault/internal/observability"
	"TrancheVault/internal/persistence"
	"TrancheVault/internal/projection"
	"TrancheVault/internal/query"
)

// APIServer hosts the gRPC endpoint (health + reflection) and the
// HTTP/JSON query and admin API.
type APIServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	deps          *ServerDeps
	healthChecker *observability.HealthChecker
}

// ServerDeps holds all dependencies needed by the API handlers.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.AdminIngestService
	SnapshotMgr   *persistence.SnapshotManager
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
}

// NewAPIServer creates the API server with health checking registered.
func NewAPIServer(grpcAddr, httpAddr string, deps *ServerDeps) *APIServer {
	grpcServer := grpc.NewServer()

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &APIServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		deps:          deps,
		healthChecker: deps.HealthChecker,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *APIServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking). HTTP/JSON is the primary
// query surface for tooling, dashboards, and curl.
func (s *APIServer) StartHTTP(ctx context.Context) error {
	mux := http.NewServeMux()

	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}

	mux.HandleFunc("/v1/markets", s.handleListMarkets)
	mux.HandleFunc("/v1/markets/", s.handleGetMarket)
	mux.HandleFunc("/v1/balances", s.handleShareBalances)
	mux.HandleFunc("/v1/redemptions", s.handleRedemptionRequests)
	mux.HandleFunc("/v1/operations", s.handleOperationHistory)
	mux.HandleFunc("/v1/admin/status", s.handleStatus)
	mux.HandleFunc("/v1/admin/events", s.handleEvents)
	mux.HandleFunc("/v1/admin/integrity", s.handleVerifyIntegrity)
	mux.HandleFunc("/v1/admin/rebuild", s.handleRebuildProjections)
	mux.HandleFunc("/v1/admin/nav", s.handleInjectNAV)
	mux.HandleFunc("/v1/admin/rate", s.handleInjectRate)
	mux.HandleFunc("/v1/admin/sync", s.handleInjectSync)
	mux.HandleFunc("/v1/admin/params", s.handleInjectParamUpdate)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP API listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Query handlers
// ============================================================================

// GET /v1/markets
func (s *APIServer) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	markets, err := s.deps.QueryService.ListMarkets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{"markets": markets})
}

// GET /v1/markets/{market_id}
func (s *APIServer) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	marketID := strings.TrimPrefix(r.URL.Path, "/v1/markets/")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "market_id is required")
		return
	}

	market, err := s.deps.QueryService.GetMarket(r.Context(), marketID)
	if err != nil {
		if strings.Contains(err.Error(), "unknown market") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, market)
}

// GET /v1/balances?controller=<uuid>&market_id=<optional>
func (s *APIServer) handleShareBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	controller, ok := requireController(w, r)
	if !ok {
		return
	}

	balances, err := s.deps.QueryService.GetShareBalances(r.Context(), controller, optionalString(r, "market_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{"balances": balances})
}

// GET /v1/redemptions?controller=<uuid>&market_id=&limit=&after_request_id=
func (s *APIServer) handleRedemptionRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	controller, ok := requireController(w, r)
	if !ok {
		return
	}

	requests, err := s.deps.QueryService.GetRedemptionRequests(
		r.Context(), controller,
		optionalString(r, "market_id"),
		pageSize(r, 50, 100),
		optionalInt64(r, "after_request_id"),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{"requests": requests})
}

// GET /v1/operations?controller=<uuid>&market_id=&limit=&after_sequence=
func (s *APIServer) handleOperationHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	controller, ok := requireController(w, r)
	if !ok {
		return
	}

	entries, err := s.deps.QueryService.GetOperationHistory(
		r.Context(), controller,
		optionalString(r, "market_id"),
		pageSize(r, 100, 500),
		optionalInt64(r, "after_sequence"),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{"operations": entries})
}

// ============================================================================
// Admin handlers
// ============================================================================

// GET /v1/admin/status
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{
		"latest_sequence": latestSeq,
		"uptime_seconds":  int64(time.Since(s.deps.StartTime).Seconds()),
		"ready":           s.healthChecker != nil && s.healthChecker.IsReady(),
	})
}

// GET /v1/admin/events?from_sequence=&limit=
func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	var fromSeq int64
	if v := optionalInt64(r, "from_sequence"); v != nil {
		fromSeq = *v
	}

	events, err := s.deps.QueryService.GetEvents(r.Context(), fromSeq, pageSize(r, 100, 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{"events": events})
}

// GET /v1/admin/integrity
func (s *APIServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, report)
}

// POST /v1/admin/rebuild
func (s *APIServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{"rebuilt": true})
}

// POST /v1/admin/nav {"market_id", "tranche", "raw_nav", "nav_sequence"}
func (s *APIServer) handleInjectNAV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		MarketID    string `json:"market_id"`
		Tranche     string `json:"tranche"`
		RawNAV      int64  `json:"raw_nav"`
		NAVSequence int64  `json:"nav_sequence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.IngestService.InjectNAV(r.Context(), req.MarketID, req.Tranche, req.RawNAV, req.NAVSequence); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{"accepted": true})
}

// POST /v1/admin/rate {"market_id", "rate_wad", "rate_sequence"}
func (s *APIServer) handleInjectRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		MarketID     string `json:"market_id"`
		RateWad      int64  `json:"rate_wad"`
		RateSequence int64  `json:"rate_sequence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.IngestService.InjectRate(r.Context(), req.MarketID, req.RateWad, req.RateSequence); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{"accepted": true})
}

// POST /v1/admin/sync {"market_id"}
func (s *APIServer) handleInjectSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		MarketID string `json:"market_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.IngestService.InjectSync(r.Context(), req.MarketID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{"accepted": true})
}

// POST /v1/admin/params {"market_id", "field", "int_value", "uuid_value"}
func (s *APIServer) handleInjectParamUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req struct {
		MarketID  string `json:"market_id"`
		Field     string `json:"field"`
		IntValue  int64  `json:"int_value"`
		UUIDValue string `json:"uuid_value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	uuidValue := googleuuid.Nil
	if req.UUIDValue != "" {
		parsed, err := googleuuid.Parse(req.UUIDValue)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid uuid_value: %v", err))
			return
		}
		uuidValue = parsed
	}

	if err := s.deps.IngestService.InjectParamUpdate(r.Context(), req.MarketID, event.ParamField(req.Field), req.IntValue, uuidValue); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{"accepted": true})
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func requireController(w http.ResponseWriter, r *http.Request) (googleuuid.UUID, bool) {
	raw := r.URL.Query().Get("controller")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "controller is required")
		return googleuuid.Nil, false
	}
	controller, err := googleuuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid controller: %v", err))
		return googleuuid.Nil, false
	}
	return controller, true
}

func optionalString(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}

func optionalInt64(r *http.Request, key string) *int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func pageSize(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > max {
		return def
	}
	return v
}
