package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/account"
	"github.com/xtrntr/p2pexchange/internal/escrow"
	serviceErrors "github.com/xtrntr/p2pexchange/internal/errors/service"
	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/orderbook"
)

type ctxKey int

const userIDKey ctxKey = iota

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Accounts *account.Directory
	Tokens   *account.Tokens
	Book     *orderbook.OrderBook
	Engine   *escrow.Engine
}

// NewHandler creates a new handler
func NewHandler(accounts *account.Directory, tokens *account.Tokens, book *orderbook.OrderBook, engine *escrow.Engine) *Handler {
	return &Handler{Accounts: accounts, Tokens: tokens, Book: book, Engine: engine}
}

// Routes mounts every endpoint on r
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/orderbook", h.GetOrderBook)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/balance", h.GetBalance)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Post("/trades", h.OpenTrade)
		r.Get("/trades", h.GetUserTrades)
		r.Get("/trades/{id}", h.GetTrade)
		r.Post("/trades/{id}/paid", h.MarkPaymentSent)
		r.Post("/trades/{id}/confirm", h.ConfirmPayment)
		r.Post("/trades/{id}/cancel", h.CancelTrade)
	})
}

// RequestLogger carries chi's request id into the logger context
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.Debug(ctx, "request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
		)
	})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.Accounts.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       id,
		"username": req.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.Accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	token, err := h.Tokens.Issue(user.ID, user.Username)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeJSONError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.Tokens.Parse(tokenString)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = logger.ContextWithUserID(ctx, strconv.FormatInt(userID, 10))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDKey).(int64)
	return userID, ok
}

// GetBalance reports the caller's wallets
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	balances, err := h.Accounts.Balance(r.Context(), userID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// GetOrderBook lists pending orders for one pair
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var direction *models.Direction
	if raw := query.Get("direction"); raw != "" {
		parsed, err := models.ParseDirection(strings.ToUpper(raw))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "direction must be BUY or SELL")
			return
		}
		direction = &parsed
	}

	orders, err := h.Book.List(r.Context(), query.Get("asset"), query.Get("fiat"), direction)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// PlaceOrder handles order placement
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	var req struct {
		Direction      models.Direction `json:"direction"`
		Asset          string           `json:"asset"`
		Fiat           string           `json:"fiat"`
		Price          decimal.Decimal  `json:"price"`
		Quantity       decimal.Decimal  `json:"quantity"`
		PaymentMethods []string         `json:"payment_methods"`
		MinAmount      decimal.Decimal  `json:"min_amount"`
		MaxAmount      decimal.Decimal  `json:"max_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	orderID, err := h.Book.Place(r.Context(), orderbook.PlaceParams{
		UserID:         userID,
		Direction:      req.Direction,
		Asset:          req.Asset,
		Fiat:           req.Fiat,
		Price:          req.Price,
		Quantity:       req.Quantity,
		PaymentMethods: req.PaymentMethods,
		MinAmount:      req.MinAmount,
		MaxAmount:      req.MaxAmount,
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":  "Order placed",
		"order_id": orderID,
	})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	orders, err := h.Book.UserOrders(r.Context(), userID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	if err := h.Book.Cancel(r.Context(), userID, orderID); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Order cancelled"})
}

// OpenTrade matches part of a resting order for the caller
func (h *Handler) OpenTrade(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	var req struct {
		OrderID  int64           `json:"order_id"`
		Quantity decimal.Decimal `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tradeID, err := h.Engine.Open(r.Context(), userID, req.OrderID, req.Quantity)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	trade, err := h.Engine.Trade(r.Context(), tradeID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFrom(r.Context())

	trades, err := h.Engine.UserTrades(r.Context(), userID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetTrade returns one of the caller's trades
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	trade, ok := h.partyTrade(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (h *Handler) MarkPaymentSent(w http.ResponseWriter, r *http.Request) {
	h.tradeAction(w, r, h.Engine.MarkPaymentSent)
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	h.tradeAction(w, r, h.Engine.ConfirmPayment)
}

func (h *Handler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	h.tradeAction(w, r, h.Engine.Cancel)
}

// tradeAction runs action on a trade the caller is a party to and replies
// with the trade's new state.
func (h *Handler) tradeAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, tradeID int64) error) {
	trade, ok := h.partyTrade(w, r)
	if !ok {
		return
	}

	if err := action(r.Context(), trade.ID); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	trade, err := h.Engine.Trade(r.Context(), trade.ID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// partyTrade loads the trade named in the URL. Trades of other users are
// reported as missing.
func (h *Handler) partyTrade(w http.ResponseWriter, r *http.Request) (models.Trade, bool) {
	userID, _ := userIDFrom(r.Context())

	tradeID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid trade ID")
		return models.Trade{}, false
	}

	trade, err := h.Engine.Trade(r.Context(), tradeID)
	if err != nil {
		writeError(r.Context(), w, err)
		return models.Trade{}, false
	}
	if !trade.IsParty(userID) {
		writeError(r.Context(), w, serviceErrors.ErrTradeNotFound)
		return models.Trade{}, false
	}
	return trade, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps engine errors onto HTTP statuses. Anything unrecognised is
// logged and hidden behind a 500.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, serviceErrors.ErrInvalidInput),
		errors.Is(err, serviceErrors.ErrInvalidAmount),
		errors.Is(err, serviceErrors.ErrUnsupportedPair),
		errors.Is(err, serviceErrors.ErrAmountOutOfRange),
		errors.Is(err, serviceErrors.ErrSelfTrade):
		status = http.StatusBadRequest
	case errors.Is(err, serviceErrors.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, serviceErrors.ErrOrderNotFound),
		errors.Is(err, serviceErrors.ErrTradeNotFound),
		errors.Is(err, serviceErrors.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, serviceErrors.ErrAlreadyExists),
		errors.Is(err, serviceErrors.ErrInvalidState),
		errors.Is(err, serviceErrors.ErrQuantityExceedsAvailable):
		status = http.StatusConflict
	case errors.Is(err, serviceErrors.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		logger.Error(ctx, "request failed", zap.Error(err))
		writeJSONError(w, status, "Internal server error")
		return
	}
	writeJSONError(w, status, errorMessage(err))
}

// errorMessage keeps only the outermost sentinel text so internal operation
// names do not leak to clients.
func errorMessage(err error) string {
	for _, sentinel := range []error{
		serviceErrors.ErrInvalidAmount,
		serviceErrors.ErrInsufficientFunds,
		serviceErrors.ErrAlreadyExists,
		serviceErrors.ErrOrderNotFound,
		serviceErrors.ErrTradeNotFound,
		serviceErrors.ErrInvalidState,
		serviceErrors.ErrQuantityExceedsAvailable,
		serviceErrors.ErrAmountOutOfRange,
		serviceErrors.ErrInvalidCredentials,
		serviceErrors.ErrUserNotFound,
		serviceErrors.ErrUnsupportedPair,
		serviceErrors.ErrSelfTrade,
		serviceErrors.ErrInvalidInput,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "request failed"
}
