// Package api provides the HTTP and WebSocket control plane server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradectl/control-plane/internal/auth"
	"github.com/tradectl/control-plane/internal/coordinator"
	"github.com/tradectl/control-plane/internal/engine"
	"github.com/tradectl/control-plane/internal/feedback"
	"github.com/tradectl/control-plane/internal/journal"
	"github.com/tradectl/control-plane/internal/metrics"
	"github.com/tradectl/control-plane/internal/risk"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/pkg/types"
)

// Server is the HTTP/WebSocket control-plane API.
type Server struct {
	logger *zap.Logger
	config *types.ServerConfig

	db           store.Store
	settings     *settings.Store
	validator    *risk.Validator
	monitor      *risk.Monitor
	eng          *engine.Engine
	journal      *journal.Journal
	feedbackLoop *feedback.Loop
	coord        *coordinator.Coordinator
	authn        *auth.Authenticator
	metrics      *metrics.Metrics

	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	upgrader   websocket.Upgrader
}

// Deps bundles every collaborator NewServer wires routes against.
type Deps struct {
	DB           store.Store
	Settings     *settings.Store
	Validator    *risk.Validator
	Monitor      *risk.Monitor
	Engine       *engine.Engine
	Journal      *journal.Journal
	FeedbackLoop *feedback.Loop
	Coordinator  *coordinator.Coordinator
	Auth         *auth.Authenticator
	Metrics      *metrics.Metrics
	Hub          *Hub
}

// NewServer constructs the API server and registers its routes.
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	s := &Server{
		logger:       logger.Named("api"),
		config:       config,
		db:           deps.DB,
		settings:     deps.Settings,
		validator:    deps.Validator,
		monitor:      deps.Monitor,
		eng:          deps.Engine,
		journal:      deps.Journal,
		feedbackLoop: deps.FeedbackLoop,
		coord:        deps.Coordinator,
		authn:        deps.Auth,
		metrics:      deps.Metrics,
		router:       mux.NewRouter(),
		hub:          deps.Hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.setupRoutes()
	return s
}

// Router exposes the underlying mux.Router, mainly so tests can drive
// the server with httptest.NewServer without going through Start.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/api/v1/auth/register", s.handleRegister).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/auth/login", s.handleLogin).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authn.Middleware)

	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handlePatchSettings).Methods(http.MethodPatch)
	api.HandleFunc("/settings/audit", s.handleGetSettingsAudit).Methods(http.MethodGet)
	api.HandleFunc("/settings/mode", s.handleSetMode).Methods(http.MethodPost)
	api.HandleFunc("/settings/exec-mode", s.handleSetExecMode).Methods(http.MethodPost)

	api.HandleFunc("/risk/account/{userId}", s.handleGetAccountRiskState).Methods(http.MethodGet)
	api.HandleFunc("/risk/emergency/reset", s.handleResetEmergency).Methods(http.MethodPost)
	api.HandleFunc("/risk/daily/reset", s.handleResetDaily).Methods(http.MethodPost)
	api.HandleFunc("/risk/strategy/enable", s.handleEnableStrategy).Methods(http.MethodPost)
	api.HandleFunc("/risk/decisions", s.handleListRiskDecisions).Methods(http.MethodGet)

	api.HandleFunc("/signals", s.handleCreateSignal).Methods(http.MethodPost)
	api.HandleFunc("/signals/{id}/validate", s.handleValidateSignal).Methods(http.MethodPost)

	api.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/execute", s.handleExecuteOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/cancel-all", s.handleCancelAllOrders).Methods(http.MethodPost)

	api.HandleFunc("/positions/{id}/close", s.handleClosePosition).Methods(http.MethodPost)

	api.HandleFunc("/cycle/run", s.handleRunCycle).Methods(http.MethodPost)

	api.HandleFunc("/journal", s.handleListJournal).Methods(http.MethodGet)
	api.HandleFunc("/journal/performance", s.handleJournalPerformance).Methods(http.MethodGet)

	api.HandleFunc("/feedback/run", s.handleRunFeedback).Methods(http.MethodPost)

	api.HandleFunc("/coordinator/halt", s.handleCoordinatorHalt).Methods(http.MethodPost)
	api.HandleFunc("/coordinator/resume", s.handleCoordinatorResume).Methods(http.MethodPost)
	api.HandleFunc("/coordinator/status", s.handleCoordinatorStatus).Methods(http.MethodGet)

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start runs the HTTP server until it errors or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting api server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"code": code, "error": detail})
}

// errorStatus maps an error's kind (§7) to an HTTP status, falling
// back to 500 for anything not first-class.
func errorStatus(err error) (int, string) {
	switch e := err.(type) {
	case *engine.ValidationError:
		return http.StatusBadRequest, e.Code
	case *engine.ModeBlockedError:
		return http.StatusConflict, e.Code
	case *settings.ModeBlockedError:
		return http.StatusConflict, e.Code
	case *settings.ValidationError:
		return http.StatusBadRequest, e.Field
	case *types.BrokerError:
		if e.Retriable() {
			return http.StatusServiceUnavailable, string(e.Kind)
		}
		return http.StatusBadGateway, string(e.Kind)
	case *coordinator.HaltedError:
		return http.StatusServiceUnavailable, "halted"
	case *coordinator.UnhealthyError:
		return http.StatusServiceUnavailable, "unhealthy"
	}
	if err == store.ErrVersionConflict {
		return http.StatusConflict, "version_conflict"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeError(w, status, code, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"halted": s.coord.IsHalted(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// --- auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	u, err := s.authn.Register(req.Email, req.Password)
	if err != nil {
		switch err {
		case auth.ErrEmailTaken:
			writeError(w, http.StatusConflict, "email_taken", err.Error())
		case auth.ErrInvalidEmail:
			writeError(w, http.StatusBadRequest, "invalid_email", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"userId": u.ID, "email": u.Email})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	token, expiresAt, userID, err := s.authn.Login(req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
		"userId":    userID,
	})
}

// --- settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.settings.Get(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Patch  types.SettingsPatch `json:"patch"`
		Reason string              `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	cfg, err := s.settings.Update(r.Context(), body.Patch, userID, body.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGetSettingsAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	rows, err := s.settings.GetAudit(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode   types.Mode `json:"mode"`
		Reason string     `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())

	cfg, err := s.settings.Get(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	guard := settings.ModeTransitionGuard{
		HealthOK:                !s.coord.IsHalted(),
		BrokerConnected:         s.eng.IsBrokerConnected(cfg.BrokerType),
		EmergencyShutdownActive: false,
	}
	if riskState, err := s.db.GetAccountRiskState(r.Context(), userID); err == nil {
		guard.EmergencyShutdownActive = riskState.EmergencyShutdown
	}

	// Sweep the user's non-terminal orders before the mode change is
	// committed: CancelOrdersOnModeSwitch doesn't vary with mode, so cfg
	// (fetched above, pre-CAS) already reflects it. Cancelling first keeps
	// a concurrent Execute from landing under the old mode after the new
	// one is already visible.
	if cfg.CancelOrdersOnModeSwitch {
		if err := s.eng.CancelAllNonTerminalForUser(r.Context(), userID); err != nil {
			s.logger.Warn("cancel-on-mode-switch failed", zap.Error(err))
		}
	}
	updated, err := s.settings.SetMode(r.Context(), req.Mode, guard, userID, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSetExecMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		types.ExecModeChangeRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	req.RequestedBy = userID

	passwordValid := false
	if req.Mode == types.ExecModeLive {
		ok, err := s.authn.VerifyPassword(userID, req.Password)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		passwordValid = ok
	}

	cfg, err := s.settings.Get(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if cfg.CancelOrdersOnModeSwitch {
		if err := s.eng.CancelAllNonTerminalForUser(r.Context(), userID); err != nil {
			s.logger.Warn("cancel-on-mode-switch failed", zap.Error(err))
		}
	}
	updated, err := s.settings.SetExecMode(r.Context(), req.ExecModeChangeRequest, passwordValid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- risk ---

func (s *Server) handleGetAccountRiskState(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	state, err := s.db.GetAccountRiskState(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleResetEmergency(w http.ResponseWriter, r *http.Request) {
	var req struct{ UserID string `json:"userId"` }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	state, err := s.monitor.ResetEmergency(r.Context(), req.UserID, actor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.eng.DisengageKillSwitch()
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleResetDaily(w http.ResponseWriter, r *http.Request) {
	var req struct{ UserID string `json:"userId"` }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	state, err := s.monitor.ResetDaily(r.Context(), req.UserID, actor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEnableStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"userId"`
		StrategyName string `json:"strategyName"`
		Symbol       string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	budget, err := s.monitor.EnableStrategy(r.Context(), req.UserID, req.StrategyName, req.Symbol, actor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

func (s *Server) handleListRiskDecisions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	limit := queryInt(r, "limit", 100)
	rows, err := s.db.ListRiskDecisions(r.Context(), userID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- signals ---

func (s *Server) handleCreateSignal(w http.ResponseWriter, r *http.Request) {
	var sig types.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	if sig.Status == "" {
		sig.Status = types.SignalStatusPending
	}
	created, err := s.db.CreateSignal(r.Context(), sig)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.BroadcastSignalUpdate(&created)
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleValidateSignal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Size decimal.Decimal `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	sig, err := s.db.GetSignal(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	decision, err := s.validator.Validate(r.Context(), sig, req.Size)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if decision.Kind == types.RiskDecisionShutdown && s.coord != nil {
		s.coord.Halt("emergency_shutdown: " + decision.ReasonCode)
	}
	if s.hub != nil {
		s.hub.BroadcastRiskAlert(&decision)
	}
	writeJSON(w, http.StatusOK, decision)
}

// --- orders ---

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	f := store.OrderFilter{
		UserID:          r.URL.Query().Get("userId"),
		NonTerminalOnly: r.URL.Query().Get("nonTerminalOnly") == "true",
		Limit:           queryInt(r, "limit", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		f.Status = types.OrderStatus(status)
		f.HasStatus = true
	}
	orders, err := s.db.ListOrders(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := s.db.GetOrder(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignalID       string          `json:"signalId"`
		Size           decimal.Decimal `json:"size"`
		BrokerType     string          `json:"brokerType"`
		ManualOverride bool            `json:"manualOverride"`
		Nonce          string          `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	sig, err := s.db.GetSignal(r.Context(), req.SignalID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	order, err := s.eng.Execute(r.Context(), sig, req.Size, req.BrokerType, engine.ExecuteOptions{
		ManualOverride: req.ManualOverride, Nonce: req.Nonce,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.OrdersSubmitted.WithLabelValues(order.BrokerType).Inc()
	}
	if s.hub != nil {
		s.hub.BroadcastOrderUpdate(&order)
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := s.eng.Cancel(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.BroadcastOrderUpdate(&order)
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelAllOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id", "userId query parameter is required")
		return
	}
	if err := s.eng.CancelAllNonTerminalForUser(r.Context(), userID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID, "status": "cancelled"})
}

// --- positions ---

// handleClosePosition closes an open position at the caller-supplied
// exit price, writes the immutable JournalEntry this system defers
// until a position actually closes (§4.6.2, §4.7), and feeds the
// realized PnL back into the account risk state and strategy budget.
func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		ExitPrice  decimal.Decimal `json:"exitPrice"`
		ExitReason string          `json:"exitReason"`
		Source     types.JournalSource `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	if req.Source == "" {
		req.Source = types.JournalSourceSimulation
	}

	pos, err := s.db.GetPosition(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if pos.Status == types.PositionStatusClosed {
		writeError(w, http.StatusConflict, "already_closed", "position is already closed")
		return
	}

	closedAt := time.Now().UTC()
	closed, err := s.db.ClosePosition(r.Context(), id, closedAt)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	pnl := req.ExitPrice.Sub(pos.AvgEntry).Mul(pos.Size)
	if pos.Side == types.SignalSideShort {
		pnl = pnl.Neg()
	}

	strategyName := ""
	if sig, err := s.db.GetSignal(r.Context(), pos.SignalID); err == nil {
		strategyName = sig.StrategyName
	}

	entry, err := s.journal.RecordClose(r.Context(), types.JournalEntry{
		StrategyName: strategyName, Symbol: pos.Symbol, UserID: pos.UserID, Source: req.Source,
		Side: pos.Side, Entry: pos.AvgEntry, Exit: req.ExitPrice, Size: pos.Size,
		PnL: pnl, ExitReason: req.ExitReason, OpenedAt: pos.OpenedAt, ClosedAt: closedAt,
		SignalID: pos.SignalID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	openCount, _ := s.db.CountOpenPositions(r.Context(), pos.UserID)
	if _, err := s.monitor.UpdateAccountState(r.Context(), pos.UserID, pnl, openCount); err != nil {
		s.logger.Warn("failed to update account risk state on close", zap.Error(err))
	}
	if strategyName != "" {
		if _, err := s.monitor.UpdateStrategyBudget(r.Context(), types.ClosedTrade{
			UserID: pos.UserID, StrategyName: strategyName, Symbol: pos.Symbol, PnL: pnl, ClosedAt: closedAt,
		}); err != nil {
			s.logger.Warn("failed to update strategy budget on close", zap.Error(err))
		}
	}

	if s.hub != nil {
		s.hub.BroadcastPositionUpdate(&closed)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"position": closed, "journalEntry": entry})
}

// --- cycle ---

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         string          `json:"userId"`
		Symbol         string          `json:"symbol"`
		StrategyName   string          `json:"strategyName"`
		Size           decimal.Decimal `json:"size"`
		ManualOverride bool            `json:"manualOverride"`
		Nonce          string          `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	result, err := s.coord.RunCycle(r.Context(), req.UserID, req.Symbol, req.StrategyName, req.Size, engine.ExecuteOptions{
		ManualOverride: req.ManualOverride, Nonce: req.Nonce,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.hub != nil {
		if result.Signal != nil {
			s.hub.BroadcastSignalUpdate(result.Signal)
		}
		if result.RiskDecision != nil {
			s.hub.BroadcastRiskAlert(result.RiskDecision)
		}
		if result.Order != nil {
			s.hub.BroadcastOrderUpdate(result.Order)
		}
		if result.Position != nil {
			s.hub.BroadcastPositionUpdate(result.Position)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// --- journal / feedback ---

func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	limit := queryInt(r, "limit", 100)
	entries, err := s.journal.ListForUser(r.Context(), userID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleJournalPerformance(w http.ResponseWriter, r *http.Request) {
	strategyName := r.URL.Query().Get("strategyName")
	symbol := r.URL.Query().Get("symbol")
	result, err := s.journal.Analyze(r.Context(), strategyName, symbol, journal.PerformanceWindow{})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"performance":        result,
		"underperformance":   journal.DetectUnderperformance(result),
	})
}

func (s *Server) handleRunFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"userId"`
		StrategyName string `json:"strategyName"`
		Symbol       string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	decision, err := s.feedbackLoop.RunCycle(r.Context(), req.UserID, req.StrategyName, req.Symbol)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.FeedbackCycles.WithLabelValues(string(decision.Action)).Inc()
	}
	writeJSON(w, http.StatusOK, decision)
}

// --- coordinator ---

func (s *Server) handleCoordinatorHalt(w http.ResponseWriter, r *http.Request) {
	var req struct{ Reason string `json:"reason"` }
	json.NewDecoder(r.Body).Decode(&req)
	s.coord.Halt(req.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"halted": true})
}

func (s *Server) handleCoordinatorResume(w http.ResponseWriter, r *http.Request) {
	s.coord.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"halted": false})
}

func (s *Server) handleCoordinatorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"halted": s.coord.IsHalted()})
}

// --- websocket ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.NewString(), s.hub, conn)
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
