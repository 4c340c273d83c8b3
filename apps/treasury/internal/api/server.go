package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/chain"
	"treasury/apps/treasury/internal/emergency"
	"treasury/apps/treasury/internal/model"
	"treasury/apps/treasury/internal/payout"
	"treasury/apps/treasury/internal/wallet"
)

type WalletService interface {
	Create(ctx context.Context, actor model.Actor, in wallet.CreateWalletInput) (*model.TreasuryWallet, error)
	Get(ctx context.Context, id string) (*model.TreasuryWallet, error)
	List(ctx context.Context, filter model.WalletFilter) ([]model.TreasuryWallet, error)
	UpdateLimits(ctx context.Context, actor model.Actor, id string, daily, monthly decimal.Decimal) (*model.TreasuryWallet, error)
	UpdateStatus(ctx context.Context, actor model.Actor, id string, status model.WalletStatus) (*model.TreasuryWallet, error)
	CheckSpendLimit(ctx context.Context, id string, amount decimal.Decimal) (wallet.SpendCheck, error)
	Locks(ctx context.Context, id string) ([]model.EmergencyLock, error)
}

type TransactionService interface {
	Get(ctx context.Context, id string) (*model.MultiSigTransaction, error)
	List(ctx context.Context, filter model.TransactionFilter) ([]model.MultiSigTransaction, error)
	AddSignature(ctx context.Context, txID, signer, signature string) (*model.MultiSigTransaction, error)
	Withdraw(ctx context.Context, actor model.Actor, id, reason string) (*model.MultiSigTransaction, error)
}

type PayoutService interface {
	Submit(ctx context.Context, actor model.Actor, in payout.SubmitPayoutInput) (*model.PayoutRequest, bool, error)
	Get(ctx context.Context, id string) (*model.PayoutRequest, error)
	List(ctx context.Context, filter model.PayoutFilter) ([]model.PayoutRequest, error)
	Status(ctx context.Context) (*payout.Status, error)
	UpdateConfig(ctx context.Context, actor model.Actor, settings model.EngineSettings) (*model.EngineControl, error)
	ExecuteTransaction(ctx context.Context, actor model.Actor, txID string) (*payout.ExecutionResult, error)
	ExecuteBatch(ctx context.Context, actor model.Actor, ids []string) ([]payout.ExecutionResult, error)
}

type ControlService interface {
	Apply(ctx context.Context, actor model.Actor, action emergency.Action) (*emergency.Result, error)
}

type AuditReader interface {
	ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error)
}

type BalanceService interface {
	Balances(ctx context.Context, address string) (map[string]chain.Balance, error)
}

// Services groups what the handlers call. Balances may be nil when no chain
// endpoint is configured.
type Services struct {
	Wallets      WalletService
	Transactions TransactionService
	Payouts      PayoutService
	Control      ControlService
	Audit        AuditReader
	Balances     BalanceService
}

// Server represents the API server
type Server struct {
	walletHandler      *WalletHandler
	transactionHandler *TransactionHandler
	payoutHandler      *PayoutHandler
	controlHandler     *ControlHandler
	logger             *zap.Logger
	server             *http.Server
}

// NewServer creates a new API server
func NewServer(port int, services Services, logger *zap.Logger) *Server {
	return &Server{
		walletHandler:      NewWalletHandler(services.Wallets, services.Balances, logger),
		transactionHandler: NewTransactionHandler(services.Transactions, services.Payouts, logger),
		payoutHandler:      NewPayoutHandler(services.Payouts, logger),
		controlHandler:     NewControlHandler(services.Payouts, services.Control, services.Audit, logger),
		logger:             logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start starts the API server
func (s *Server) Start() error {
	s.server.Handler = s.Router()

	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop stops the API server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Router configures the API routes
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)
	router.Use(actorMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()

	// Wallet registry
	api.HandleFunc("/wallets", s.walletHandler.CreateWallet).Methods("POST")
	api.HandleFunc("/wallets", s.walletHandler.ListWallets).Methods("GET")
	api.HandleFunc("/wallets/{id}", s.walletHandler.GetWallet).Methods("GET")
	api.HandleFunc("/wallets/{id}/limits", s.walletHandler.UpdateLimits).Methods("PATCH")
	api.HandleFunc("/wallets/{id}/status", s.walletHandler.UpdateStatus).Methods("PATCH")
	api.HandleFunc("/wallets/{id}/spend", s.walletHandler.GetSpend).Methods("GET")
	api.HandleFunc("/wallets/{id}/balance", s.walletHandler.GetBalance).Methods("GET")
	api.HandleFunc("/wallets/{id}/locks", s.walletHandler.ListLocks).Methods("GET")

	// Multisig transactions; the batch route is registered before {id}.
	api.HandleFunc("/transactions/execute", s.transactionHandler.ExecuteBatch).Methods("POST")
	api.HandleFunc("/transactions", s.transactionHandler.ListTransactions).Methods("GET")
	api.HandleFunc("/transactions/{id}", s.transactionHandler.GetTransaction).Methods("GET")
	api.HandleFunc("/transactions/{id}/signatures", s.transactionHandler.AddSignature).Methods("POST")
	api.HandleFunc("/transactions/{id}/execute", s.transactionHandler.Execute).Methods("POST")
	api.HandleFunc("/transactions/{id}/withdraw", s.transactionHandler.Withdraw).Methods("POST")

	// Payouts
	api.HandleFunc("/payouts", s.payoutHandler.SubmitPayout).Methods("POST")
	api.HandleFunc("/payouts", s.payoutHandler.ListPayouts).Methods("GET")
	api.HandleFunc("/payouts/{id}", s.payoutHandler.GetPayout).Methods("GET")

	// Engine and emergency control
	api.HandleFunc("/engine", s.controlHandler.GetEngine).Methods("GET")
	api.HandleFunc("/engine/config", s.controlHandler.UpdateConfig).Methods("PATCH")
	api.HandleFunc("/control", s.controlHandler.Apply).Methods("POST")
	api.HandleFunc("/audit", s.controlHandler.ListAudit).Methods("GET")

	api.HandleFunc("/health", s.healthCheck).Methods("GET")

	return router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("actor", r.Header.Get(headerActorID)),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor-Id, X-Actor-Name, X-Actor-Role")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// healthCheck handles the health check endpoint
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode health check response", zap.Error(err))
	}
}
