package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"madira/pos/internal/checkout"
	"madira/pos/internal/domain"
	"madira/pos/internal/mirror"
	"madira/pos/internal/notify"
	"madira/pos/internal/service"
	"madira/pos/internal/store/memory"
)

type testEnv struct {
	handler http.Handler
	repo    *memory.Store
	mirror  *mirror.Mirror
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := memory.NewSeeded()
	bus := notify.NewInProcessBus()
	t.Cleanup(func() { _ = bus.Close() })

	m := mirror.New(repo, bus, nil, mirror.Config{Location: time.UTC})
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("mirror refresh: %v", err)
	}

	svc := service.New(repo, bus, 18)
	coord := checkout.NewCoordinator(repo, bus, checkout.Config{TaxRatePercent: 18})
	auth := NewAuthManager("test-secret", time.Hour, repo)
	api := New(svc, coord, m, auth, "*", time.UTC)

	return &testEnv{handler: api.Handler(), repo: repo, mirror: m}
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"username": username,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func firstProductID(t *testing.T, env *testEnv) string {
	t.Helper()
	products := env.mirror.Products()
	if len(products) == 0 {
		t.Fatal("no seeded products")
	}
	return products[0].ID
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestCheckoutFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")

	rec := env.do(t, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list products: %d", rec.Code)
	}

	id := firstProductID(t, env)
	rec = env.do(t, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"method": "CASH",
		"cart":   []map[string]any{{"id": id, "qty": 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: %d body %s", rec.Code, rec.Body.String())
	}

	var order domain.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if order.ReceiptID != "POS-1021" {
		t.Fatalf("expected first receipt POS-1021, got %s", order.ReceiptID)
	}
	if order.Method != domain.PaymentCash || order.Status != domain.OrderStatusCompleted {
		t.Fatalf("unexpected order: %+v", order)
	}
	if order.Cashier != "Counter 1" || order.Terminal != "POS-1" {
		t.Fatalf("token session not stamped: %+v", order)
	}
}

func TestCheckoutInsufficientStockReturnsConflict(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")

	id := firstProductID(t, env)
	rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"cart": []map[string]any{{"id": id, "qty": 100000}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "available") {
		t.Fatalf("expected stock detail in body: %s", rec.Body.String())
	}
}

func TestCheckoutUnknownProductReturnsConflict(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")

	rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"cart": []map[string]any{{"id": "gone_999", "qty": 1}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestProductCRUDRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	cashierToken := env.login(t, "cashier", "cashier123")
	adminToken := env.login(t, "admin", "admin123")

	body := map[string]any{
		"name": "Test Porter", "category": "Beer", "price_cents": 25000,
		"stock": 12, "barcode": "4006381333931",
	}
	rec := env.do(t, http.MethodPost, "/api/v1/products", cashierToken, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cashier create should be 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/products", adminToken, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin create: %d body %s", rec.Code, rec.Body.String())
	}
	var created domain.Product
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "test_porter_333931" {
		t.Fatalf("unexpected id: %s", created.ID)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/products/"+created.ID+"/restock", adminToken, map[string]any{"stock": 99})
	if rec.Code != http.StatusOK {
		t.Fatalf("restock: %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/products/"+created.ID, adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d body %s", rec.Code, rec.Body.String())
	}
}

func TestManualOrderAndLedgerQuery(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.login(t, "admin", "admin123")

	rec := env.do(t, http.MethodPost, "/api/v1/orders", adminToken, map[string]any{
		"method": "UPI",
		"items": []map[string]any{
			{"id": "x", "name": "House Lager", "price_cents": 18000, "qty": 1},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save order: %d body %s", rec.Code, rec.Body.String())
	}
	var saved domain.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(saved.ReceiptID, "MANUAL-") {
		t.Fatalf("expected MANUAL receipt, got %s", saved.ReceiptID)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/orders?range=all", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), saved.ReceiptID) {
		t.Fatalf("saved order missing from ledger query: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/orders/"+saved.Key, adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get order: %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/orders/"+saved.Key, adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete order: %d", rec.Code)
	}
}

func TestOrdersExportCSV(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.login(t, "admin", "admin123")

	env.do(t, http.MethodPost, "/api/v1/orders", adminToken, map[string]any{
		"items": []map[string]any{
			{"id": "x", "name": "House Lager", "price_cents": 18000, "qty": 2},
		},
	})

	rec := env.do(t, http.MethodGet, "/api/v1/orders/export/csv?range=all", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type: %s", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "receipt_id,timestamp") {
		t.Fatalf("missing csv header: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "House Lager") {
		t.Fatalf("line item missing from export: %s", rec.Body.String())
	}
}

func TestSequencePeekDoesNotAdvance(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.login(t, "admin", "admin123")

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodGet, "/api/v1/sequence", adminToken, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("sequence: %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"last_sequence":1020`) {
			t.Fatalf("peek advanced the counter: %s", rec.Body.String())
		}
	}
}

func TestReportEndpoints(t *testing.T) {
	env := newTestEnv(t)
	cashierToken := env.login(t, "cashier", "cashier123")
	adminToken := env.login(t, "admin", "admin123")

	id := firstProductID(t, env)
	rec := env.do(t, http.MethodPost, "/api/v1/checkout", cashierToken, map[string]any{
		"cart": []map[string]any{{"id": id, "qty": 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: %d", rec.Code)
	}

	paths := []string{
		"/api/v1/reports/summary?range=today",
		"/api/v1/reports/top-products?range=today&limit=5",
		"/api/v1/reports/category-split?range=today",
		"/api/v1/reports/timeseries?range=today&bucket=hour",
		"/api/v1/reports/low-stock",
	}
	for _, path := range paths {
		rec := env.do(t, http.MethodGet, path, adminToken, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d body %s", path, rec.Code, rec.Body.String())
		}
	}

	rec = env.do(t, http.MethodGet, "/api/v1/reports/summary?range=today", adminToken, nil)
	var summary domain.ReportSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Orders != 1 {
		t.Fatalf("expected 1 order in today's summary, got %d", summary.Orders)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/reports/summary?range=fortnight", adminToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown preset should 400, got %d", rec.Code)
	}
}

func TestBarcodeLookup(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")

	products := env.mirror.Products()
	var code string
	for _, p := range products {
		if p.Barcode != "" {
			code = p.Barcode
			break
		}
	}
	if code == "" {
		t.Fatal("no seeded barcodes")
	}

	rec := env.do(t, http.MethodGet, "/api/v1/products/barcode/"+code, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup: %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products/barcode/0000000000000", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown barcode, got %d", rec.Code)
	}
}

func TestCartPrune(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")

	id := firstProductID(t, env)
	rec := env.do(t, http.MethodPost, "/api/v1/cart/prune", token, map[string]any{
		"cart": []map[string]any{
			{"id": id, "qty": 1},
			{"id": "gone_999", "qty": 2},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("prune: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gone_999") {
		t.Fatalf("removed id missing: %s", rec.Body.String())
	}

	var resp struct {
		Cart    []domain.CartLine `json:"cart"`
		Removed []string          `json:"removed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Cart) != 1 || resp.Cart[0].ProductID != id {
		t.Fatalf("unexpected kept cart: %+v", resp.Cart)
	}
}

func TestCashierManagement(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.login(t, "admin", "admin123")

	rec := env.do(t, http.MethodPost, "/api/v1/users/cashiers", adminToken, map[string]any{
		"username": "counter2", "password": "secret99", "cashier_name": "Counter 2", "terminal": "POS-2",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create cashier: %d body %s", rec.Code, rec.Body.String())
	}

	token := env.login(t, "counter2", "secret99")
	checkoutBody := map[string]any{
		"cart": []map[string]any{{"id": firstProductID(t, env), "qty": 1}},
	}
	rec = env.do(t, http.MethodPost, "/api/v1/checkout", token, checkoutBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("new cashier checkout: %d body %s", rec.Code, rec.Body.String())
	}

	var order domain.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if order.Terminal != "POS-2" {
		t.Fatalf("expected order stamped with POS-2, got %q", order.Terminal)
	}
}

func TestMethodNormalizationDefaultsToCard(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "cashier", "cashier123")

	rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"cart": []map[string]any{{"id": firstProductID(t, env), "qty": 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), fmt.Sprintf("%q:%q", "method", "CARD")) {
		t.Fatalf("expected default CARD method: %s", rec.Body.String())
	}
}
