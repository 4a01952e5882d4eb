package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Hoponga/bear-markets/internal/engine"
	"github.com/Hoponga/bear-markets/internal/models"
	"github.com/Hoponga/bear-markets/internal/ws"
)

// snapshot feeds the websocket hub's subscribe-time orderbook push.
func (s *Server) snapshot(ctx context.Context, marketID int64) (*models.Orderbook, error) {
	return s.engine.Snapshot(ctx, marketID)
}

// userID extracts the caller's identity. Authentication itself happens
// upstream; the exchange trusts the forwarded header.
func (s *Server) userID(r *http.Request) (int64, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return 0, errors.New("missing X-User-ID header")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid X-User-ID header")
	}
	return id, nil
}

// requireAdmin resolves the caller and rejects non-admins.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (int64, bool) {
	callerID, err := s.userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return 0, false
	}
	user, err := s.engine.GetUser(r.Context(), callerID)
	if err != nil {
		s.writeEngineError(w, err)
		return 0, false
	}
	if !user.IsAdmin {
		writeError(w, http.StatusForbidden, "admin privileges required")
		return 0, false
	}
	return callerID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrMarketNotFound),
		errors.Is(err, engine.ErrOrderNotFound),
		errors.Is(err, engine.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrMarketNotActive),
		errors.Is(err, engine.ErrOrderNotCancelable),
		errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleOrders handles POST /orders (submit limit order) and
// GET /orders?user= (list a user's orders).
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitOrder(w, r)
	case http.MethodGet:
		s.handleListOrders(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req models.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.UserID = callerID
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := s.engine.SubmitLimitOrder(r.Context(), &req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	openOnly := r.URL.Query().Get("open") == "true"

	orders, err := s.engine.OrdersByUser(r.Context(), callerID, openOnly)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// handleMarketOrder handles POST /orders/market.
func (s *Server) handleMarketOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	callerID, err := s.userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req models.MarketOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.UserID = callerID
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.engine.ExecuteMarketOrder(r.Context(), &req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleOrderByID handles DELETE /orders/{id} (cancel) and
// GET /orders/{id}.
func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/orders/"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	switch r.Method {
	case http.MethodGet:
		order, err := s.engine.GetOrder(r.Context(), orderID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)

	case http.MethodDelete:
		callerID, err := s.userID(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		order, err := s.engine.CancelOrder(r.Context(), orderID, callerID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"order_id": order.ID,
			"status":   order.Status,
			"message":  "order cancelled",
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleMarkets handles POST /markets (admin) and GET /markets.
func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		callerID, ok := s.requireAdmin(w, r)
		if !ok {
			return
		}
		var req models.CreateMarketRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if err := s.validate.Struct(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		market, err := s.engine.CreateMarket(r.Context(), &req, callerID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, market)

	case http.MethodGet:
		status := marketStatusFilter(r.URL.Query().Get("status"))
		markets, err := s.engine.ListMarkets(r.Context(), status)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		if markets == nil {
			markets = []models.Market{}
		}
		writeJSON(w, http.StatusOK, markets)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// marketStatusFilter maps the status query parameter onto the listing
// filter. The listing defaults to active markets; "all" lifts the
// filter.
func marketStatusFilter(raw string) models.MarketStatus {
	switch raw {
	case "":
		return models.MarketStatusActive
	case "all":
		return ""
	default:
		return models.MarketStatus(raw)
	}
}

// handleMarketByID dispatches /markets/{id} and its subresources:
// orderbook, trades, resolve.
func (s *Server) handleMarketByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/markets/")
	idPart, sub, _ := strings.Cut(rest, "/")
	marketID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market ID")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		market, err := s.engine.GetMarket(r.Context(), marketID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, market)

	case sub == "" && r.Method == http.MethodDelete:
		s.handleDeleteMarket(w, r, marketID)

	case sub == "orderbook" && r.Method == http.MethodGet:
		ob, err := s.engine.Snapshot(r.Context(), marketID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ob)

	case sub == "trades" && r.Method == http.MethodGet:
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit parameter")
				return
			}
		}
		trades, err := s.engine.TradesByMarket(r.Context(), marketID, limit)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		if trades == nil {
			trades = []models.Trade{}
		}
		writeJSON(w, http.StatusOK, trades)

	case sub == "resolve" && r.Method == http.MethodPost:
		s.handleResolveMarket(w, r, marketID)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleResolveMarket(w http.ResponseWriter, r *http.Request, marketID int64) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	var req models.ResolveMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	paid, err := s.engine.ResolveMarket(r.Context(), marketID, req.Outcome)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":    marketID,
		"outcome":      req.Outcome,
		"holders_paid": paid,
	})
}

func (s *Server) handleDeleteMarket(w http.ResponseWriter, r *http.Request, marketID int64) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	result, err := s.engine.DeleteMarket(r.Context(), marketID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCreateUser handles POST /users.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req models.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.engine.CreateUser(r.Context(), &req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// handleUserByID handles GET /users/{id}/portfolio.
func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/users/")
	idPart, sub, _ := strings.Cut(rest, "/")
	userID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	if sub != "portfolio" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	portfolio, err := s.engine.Portfolio(r.Context(), userID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

// handleWS upgrades to a websocket subscription connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws.ServeWS(s.hub, w, r)
}

// handleHealth verifies DB connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database connection failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
