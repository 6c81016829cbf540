// Command server is a minimal JSON/HTTP front end over the matching
// engine: create accounts, place and cancel orders, query order state, and
// inspect a symbol's book and recent fills.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"exchange-core/internal/config"
	"exchange-core/internal/engine"
	"exchange-core/internal/ledger"
	"exchange-core/internal/models"
	"exchange-core/internal/registry"
	"exchange-core/internal/store"
	"exchange-core/internal/store/memory"
	"exchange-core/internal/store/mysqlstore"
	"exchange-core/internal/xerrors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Server wires the matching engine to JSON/HTTP handlers.
type Server struct {
	engine *engine.Engine
	store  store.Store
}

func main() {
	cfg := config.Load()
	log.Println("[INFO] Starting exchange core server...")

	var backing store.Store
	switch cfg.Store {
	case config.StoreMySQL:
		s, err := mysqlstore.Connect(cfg.DSN)
		if err != nil {
			log.Fatalf("[ERROR] Failed to connect to MySQL store: %v", err)
		}
		backing = s
		log.Println("[INFO] MySQL persistence collaborator connected")
	default:
		backing = memory.New()
		log.Println("[INFO] Using in-memory persistence collaborator")
	}
	defer backing.Close()

	led := ledger.New(backing)
	reg := registry.New()
	eng := engine.New(led, reg, backing)

	log.Println("[INFO] Restoring open orders from persistence collaborator...")
	if err := eng.Restore(context.Background()); err != nil {
		log.Fatalf("[ERROR] Failed to restore open orders: %v", err)
	}

	srv := &Server{engine: eng, store: backing}

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts", srv.handleCreateAccount)
	mux.HandleFunc("/accounts/shares", srv.handleCreateOrAddShares)
	mux.HandleFunc("/orders", srv.handlePlaceOrder)
	mux.HandleFunc("/orders/", srv.handleOrderByID)
	mux.HandleFunc("/orderbook", srv.handleOrderBook)
	mux.HandleFunc("/fills", srv.handleRecentFills)
	mux.HandleFunc("/health", srv.handleHealth)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("[INFO] Server starting on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ERROR] Server failed: %v", err)
		}
	}()

	<-stop
	log.Println("[INFO] Shutdown signal received, initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("[ERROR] Server forced to shutdown: %v", err)
	} else {
		log.Println("[INFO] Server gracefully stopped")
	}
}

type createAccountRequest struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.engine.LedgerCreateAccount(r.Context(), req.AccountID, req.Balance); err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"account_id": req.AccountID})
}

type createOrAddSharesRequest struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Shares    decimal.Decimal `json:"shares"`
}

func (s *Server) handleCreateOrAddShares(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createOrAddSharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.engine.LedgerCreateOrAddShares(r.Context(), req.Symbol, req.AccountID, req.Shares); err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"account_id": req.AccountID, "symbol": req.Symbol})
}

type placeOrderRequest struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	Limit     decimal.Decimal `json:"limit"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	bundleID := uuid.New()
	log.Printf("[INFO] bundle=%s placing order account=%s symbol=%s amount=%s limit=%s",
		bundleID, req.AccountID, req.Symbol, req.Amount, req.Limit)

	order, err := s.engine.PlaceOrder(r.Context(), req.AccountID, req.Symbol, req.Amount, req.Limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toWireOrder(order))
}

func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/orders/")
	if path == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}
	orderID, err := strconv.ParseInt(path, 10, 64)
	if err != nil {
		http.Error(w, "Invalid order ID", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodGet {
		order, err := s.engine.Query(orderID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toWireOrder(order))
		return
	}

	order, err := s.engine.Cancel(r.Context(), orderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toWireOrder(order))
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol parameter is required", http.StatusBadRequest)
		return
	}
	depth := 10
	if depthStr := r.URL.Query().Get("depth"); depthStr != "" {
		var err error
		depth, err = strconv.Atoi(depthStr)
		if err != nil || depth < 1 || depth > 100 {
			http.Error(w, "Invalid depth parameter (must be 1-100)", http.StatusBadRequest)
			return
		}
	}
	bids, asks := s.engine.BookSnapshot(symbol, depth)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"symbol": symbol, "bids": bids, "asks": asks})
}

func (s *Server) handleRecentFills(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol parameter is required", http.StatusBadRequest)
		return
	}
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"symbol": symbol, "fills": s.engine.RecentFills(symbol, limit)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

type wireOrder struct {
	ID             int64                `json:"id"`
	AccountID      string               `json:"account_id"`
	Symbol         string               `json:"symbol"`
	Side           models.Side          `json:"side"`
	LimitPrice     decimal.Decimal      `json:"limit_price"`
	OriginalAmount decimal.Decimal      `json:"original_amount"`
	OpenShares     decimal.Decimal      `json:"open_shares"`
	CreatedAt      time.Time            `json:"created_at"`
	Fills          []models.Fill        `json:"fills"`
	Cancel         *models.CancelRecord `json:"cancelled,omitempty"`
}

func toWireOrder(o *models.Order) wireOrder {
	return wireOrder{
		ID:             o.ID,
		AccountID:      o.AccountID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		LimitPrice:     o.LimitPrice,
		OriginalAmount: o.OriginalAmount,
		OpenShares:     o.OpenShares,
		CreatedAt:      o.CreatedAt,
		Fills:          o.Fills,
		Cancel:         o.Cancel,
	}
}

// writeEngineError maps a core error to the HTTP status a JSON client
// would expect.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, xerrors.ErrUnknownAccount), errors.Is(err, xerrors.ErrUnknownOrder):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, xerrors.ErrDuplicateAccount), errors.Is(err, xerrors.ErrNotOpen):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, xerrors.ErrInsufficientFunds), errors.Is(err, xerrors.ErrInsufficientShares), errors.Is(err, xerrors.ErrMalformedRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("[ERROR] internal: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
