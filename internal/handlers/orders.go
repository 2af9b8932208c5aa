package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"idemgate/pkg/logging/logging"
)

type Order struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	Amount    int64     `json:"amount,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type orderRequest struct {
	Message *string `json:"message"`
	Amount  *int64  `json:"amount"`
}

// OrdersHandler serves an in-memory orders API. Every create and update is a
// side effect counted in Effects, which is what idempotency protects.
type OrdersHandler struct {
	mu     sync.RWMutex
	orders map[int64]*Order
	nextID atomic.Int64

	effects atomic.Int64
	now     func() time.Time
}

func NewOrdersHandler() *OrdersHandler {
	return &OrdersHandler{
		orders: make(map[int64]*Order),
		now:    time.Now,
	}
}

// Effects is the number of creates and updates performed so far.
func (h *OrdersHandler) Effects() int64 {
	return h.effects.Load()
}

// Create handles POST /v1/orders.
func (h *OrdersHandler) Create(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Message == nil || strings.TrimSpace(*req.Message) == "" {
		writeError(w, http.StatusUnprocessableEntity, "message is required")
		return
	}

	now := h.now().UTC()
	order := &Order{
		ID:        h.nextID.Add(1),
		Message:   *req.Message,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Amount != nil {
		order.Amount = *req.Amount
	}

	h.mu.Lock()
	h.orders[order.ID] = order
	h.mu.Unlock()
	h.effects.Add(1)

	logger.Info("order created", zap.Int64("order_id", order.ID))

	w.Header().Set("Location", "/v1/orders/"+strconv.FormatInt(order.ID, 10))
	writeJSON(w, http.StatusCreated, order)
}

// Update handles PATCH /v1/orders/{id}.
func (h *OrdersHandler) Update(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	id, ok := orderID(w, r)
	if !ok {
		return
	}

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	h.mu.Lock()
	order, found := h.orders[id]
	if found {
		if req.Message != nil {
			order.Message = *req.Message
		}
		if req.Amount != nil {
			order.Amount = *req.Amount
		}
		order.UpdatedAt = h.now().UTC()
	}
	var snapshot Order
	if found {
		snapshot = *order
	}
	h.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	h.effects.Add(1)

	logger.Info("order updated", zap.Int64("order_id", id))
	writeJSON(w, http.StatusOK, snapshot)
}

// Get handles GET /v1/orders/{id}.
func (h *OrdersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}

	h.mu.RLock()
	order, found := h.orders[id]
	var snapshot Order
	if found {
		snapshot = *order
	}
	h.mu.RUnlock()

	if !found {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
