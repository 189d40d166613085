package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"madira/pos/internal/checkout"
	"madira/pos/internal/domain"
	"madira/pos/internal/mirror"
	"madira/pos/internal/report"
	"madira/pos/internal/service"
	"madira/pos/internal/store"
)

type API struct {
	service       *service.Service
	coordinator   *checkout.Coordinator
	mirror        *mirror.Mirror
	auth          *AuthManager
	validate      *validator.Validate
	allowedOrigin string
	location      *time.Location
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, coord *checkout.Coordinator, m *mirror.Mirror, auth *AuthManager, allowedOrigin string, loc *time.Location) *API {
	if loc == nil {
		loc = time.Local
	}
	return &API{
		service:       svc,
		coordinator:   coord,
		mirror:        m,
		auth:          auth,
		validate:      validator.New(),
		allowedOrigin: allowedOrigin,
		location:      loc,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(a.headers)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("cashier", "admin"))

			r.Get("/products", a.handleListProducts)
			r.Get("/products/{id}", a.handleGetProduct)
			r.Get("/products/barcode/{code}", a.handleBarcodeLookup)
			r.Get("/categories", a.handleListCategories)

			r.Post("/checkout", a.handleCheckout)
			r.Post("/cart/prune", a.handleCartPrune)

			r.Get("/orders", a.handleListOrders)
			r.Get("/orders/{key}", a.handleGetOrder)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("admin"))

			r.Post("/products", a.handleCreateProduct)
			r.Patch("/products/{id}", a.handleUpdateProduct)
			r.Post("/products/{id}/restock", a.handleRestock)
			r.Delete("/products/{id}", a.handleDeleteProduct)

			r.Post("/categories", a.handleUpsertCategory)
			r.Delete("/categories/{id}", a.handleDeleteCategory)

			r.Post("/orders", a.handleSaveOrder)
			r.Delete("/orders/{key}", a.handleDeleteOrder)
			r.Get("/orders/export/csv", a.handleOrdersExportCSV)
			r.Get("/sequence", a.handleSequence)

			r.Get("/reports/summary", a.handleReportSummary)
			r.Get("/reports/top-products", a.handleReportTopProducts)
			r.Get("/reports/category-split", a.handleReportCategorySplit)
			r.Get("/reports/timeseries", a.handleReportTimeseries)
			r.Get("/reports/low-stock", a.handleReportLowStock)

			r.Get("/users/cashiers", a.handleListCashiers)
			r.Post("/users/cashiers", a.handleCreateCashier)
		})
	})

	return r
}

func (a *API) headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"serving_cached": a.mirror.ServingCached(),
		"at":             time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Catalog reads come from the mirror: a terminal render never waits on the
// backing store.
func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products := a.mirror.Products()
	writeJSON(w, http.StatusOK, map[string]any{
		"products":       products,
		"serving_cached": a.mirror.ServingCached(),
	})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if p, ok := a.mirror.Product(id); ok {
		writeJSON(w, http.StatusOK, p)
		return
	}
	// Fall through to the store for records newer than the last refresh.
	p, err := a.service.GetProduct(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleBarcodeLookup(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	p, ok := a.mirror.ProductByBarcode(code)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no product with that barcode"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": a.mirror.Categories()})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := a.service.UpdateProduct(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req domain.RestockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := a.service.Restock(r.Context(), chi.URLParam(r, "id"), req.Stock)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleUpsertCategory(w http.ResponseWriter, r *http.Request) {
	var req domain.CategoryUpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	saved, err := a.service.UpsertCategory(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteCategory(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	order, err := a.coordinator.Checkout(r.Context(), req.Cart, strings.ToUpper(strings.TrimSpace(req.Method)), actor.Session)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// handleCartPrune validates cart lines against the mirror and reports which
// products have vanished, so a terminal can fix its cart before checkout.
func (a *API) handleCartPrune(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cart []domain.CartLine `json:"cart"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	kept, removed := a.mirror.PruneCart(req.Cart)
	writeJSON(w, http.StatusOK, map[string]any{
		"cart":    kept,
		"removed": removed,
	})
}

// handleListOrders serves the mirror's live window by default; an explicit
// from/to or range query goes to the store for the full ledger.
func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("from") == "" && q.Get("to") == "" && q.Get("range") == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"orders":         a.mirror.Orders(),
			"serving_cached": a.mirror.ServingCached(),
		})
		return
	}

	oq, err := a.orderQueryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	orders, err := a.service.QueryOrders(r.Context(), oq)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) orderQueryFromRequest(r *http.Request) (store.OrderQuery, error) {
	q := r.URL.Query()
	oq := store.OrderQuery{Limit: parsePositiveLimit(q.Get("limit"), 0, store.DefaultOrderQueryLimit)}

	if name := strings.TrimSpace(q.Get("range")); name != "" {
		from, to, ok := report.PresetRange(name, time.Now(), a.location)
		if !ok {
			return store.OrderQuery{}, fmt.Errorf("%w: unknown range preset %q", store.ErrValidation, name)
		}
		if !from.IsZero() {
			oq.From = &from
		}
		if !to.IsZero() {
			oq.To = &to
		}
		return oq, nil
	}

	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.OrderQuery{}, fmt.Errorf("%w: bad from timestamp", store.ErrValidation)
		}
		oq.From = &parsed
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.OrderQuery{}, fmt.Errorf("%w: bad to timestamp", store.ErrValidation)
		}
		oq.To = &parsed
	}
	return oq, nil
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleSaveOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderSaveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	saved, err := a.service.SaveOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteOrder(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleOrdersExportCSV(w http.ResponseWriter, r *http.Request) {
	oq, err := a.orderQueryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	orders, err := a.service.QueryOrders(r.Context(), oq)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="orders-export.csv"`)
	w.WriteHeader(http.StatusOK)
	if err := report.WriteCSV(w, orders); err != nil {
		log.Printf("[httpapi] WARN: csv export aborted mid-stream: %v", err)
	}
}

func (a *API) handleSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := a.service.CurrentSequence(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"last_sequence": seq})
}

func (a *API) reportOrders(r *http.Request) ([]domain.Order, error) {
	oq, err := a.orderQueryFromRequest(r)
	if err != nil {
		return nil, err
	}
	return a.service.QueryOrders(r.Context(), oq)
}

func (a *API) handleReportSummary(w http.ResponseWriter, r *http.Request) {
	orders, err := a.reportOrders(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Summarize(orders))
}

func (a *API) handleReportTopProducts(w http.ResponseWriter, r *http.Request) {
	orders, err := a.reportOrders(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	k := parsePositiveLimit(r.URL.Query().Get("limit"), 10, 100)
	writeJSON(w, http.StatusOK, map[string]any{"products": report.TopProducts(orders, k)})
}

func (a *API) handleReportCategorySplit(w http.ResponseWriter, r *http.Request) {
	orders, err := a.reportOrders(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": report.CategorySplit(orders)})
}

func (a *API) handleReportTimeseries(w http.ResponseWriter, r *http.Request) {
	orders, err := a.reportOrders(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var buckets []domain.TimeBucket
	switch r.URL.Query().Get("bucket") {
	case "hour":
		buckets = report.RevenueByHour(orders, a.location)
	case "", "day":
		buckets = report.RevenueByDay(orders, a.location)
	default:
		writeError(w, http.StatusBadRequest, errors.New("bucket must be day or hour"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}

func (a *API) handleReportLowStock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"products": report.LowStock(a.mirror.Products())})
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers()})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := a.auth.CreateCashier(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

// writeServiceError maps domain errors onto HTTP statuses. Stock and removal
// failures are 409s so a terminal can distinguish "fix the cart" from "bad
// request".
func writeServiceError(w http.ResponseWriter, err error) {
	var stockErr *store.InsufficientStockError
	var removedErr *store.ProductRemovedError

	switch {
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      stockErr.Error(),
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
	case errors.As(err, &removedErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      removedErr.Error(),
			"product_id": removedErr.ProductID,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case strings.Contains(err.Error(), "admin role required"):
		writeError(w, http.StatusForbidden, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx messages are replaced with a generic string so internals never
	// leak to clients; 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
