package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cajaclara/backend/internal/cache"
	"cajaclara/backend/internal/domain"
	"cajaclara/backend/internal/service"
	"cajaclara/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.New()
	svc := service.New(repo, cache.NoopSummaryCache{}, time.Minute, "Cash Advance", nil)
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

func doJSON(t *testing.T, api *API, method string, path string, token string, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/healthz", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleSales_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/sales", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleSales_CreateAndDuplicate(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload := domain.SaleCreateRequest{Day: "2024-07-01", CashRegisterCents: 50000, DebitCardCents: 10000}
	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, payload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate day, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list domain.SaleListResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(list.Sales) != 1 {
		t.Fatalf("expected 1 sale, got %d", len(list.Sales))
	}
}

func TestHandleSales_CreateWithoutCSRFRejected(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, "", domain.SaleCreateRequest{Day: "2024-07-01"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d", rec.Code)
	}
}

func TestHandleSaleDelete_CascadeWithManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.SaleCreateRequest{Day: "2024-07-01", CashRegisterCents: 80000})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale failed: %d", rec.Code)
	}
	var created struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/providers", token, csrf, domain.ProviderCreateRequest{Name: "Verduras Paz"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create provider failed: %d (body: %s)", rec.Code, rec.Body.String())
	}
	var provResp struct {
		Provider domain.Provider `json:"provider"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&provResp); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/expenses", token, csrf, domain.ExpenseCreateRequest{
		Day: "2024-07-01", ProviderID: provResp.Provider.ID, AmountCents: 4200, Method: "cash",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create expense failed: %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Missing PIN header is rejected before the cascade runs.
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sales/"+created.Sale.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without manager pin, got %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/sales/"+created.Sale.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	req.Header.Set("X-Manager-PIN", "123456")
	res = httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var deleted domain.SaleDeleteResponse
	if err := json.NewDecoder(res.Body).Decode(&deleted); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if deleted.ExpensesRemoved != 1 {
		t.Fatalf("expected 1 cascaded expense, got %d", deleted.ExpensesRemoved)
	}
}

func TestHandleProviderDelete_ClerkForbidden(t *testing.T) {
	api := newTestAPI(t)
	adminToken := loginAsAdmin(t, api)
	clerkToken := loginAs(t, api, "clerk", "clerk123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/providers", adminToken, csrf, domain.ProviderCreateRequest{Name: "Dulces Mar"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create provider failed: %d", rec.Code)
	}
	var provResp struct {
		Provider domain.Provider `json:"provider"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&provResp); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/providers/"+provResp.Provider.ID, nil)
	req.Header.Set("Authorization", "Bearer "+clerkToken)
	req.Header.Set("X-CSRF-Token", csrf)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk, got %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/providers/"+provResp.Provider.ID, nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("X-CSRF-Token", csrf)
	res = httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestHandleProviderSeedProtected(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/providers/seed-protected", token, csrf, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var result domain.ProviderSeedResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(result.Created) != 1 || result.Created[0] != "Cash Advance" {
		t.Fatalf("unexpected seed result: %+v", result)
	}

	// Seeded providers cannot be deleted.
	rec2 := doJSON(t, api, http.MethodGet, "/api/v1/providers", token, "", nil)
	var list domain.ProviderListResponse
	if err := json.NewDecoder(rec2.Body).Decode(&list); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/providers/"+list.Providers[0].ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 deleting protected provider, got %d", res.Code)
	}
}

func TestHandleDashboardDaily(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.SaleCreateRequest{
		Day: "2024-07-01", CashRegisterCents: 100000, DebitCardCents: 20000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale failed: %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/dashboard/daily?from=2024-07-01&to=2024-07-31", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var summary domain.DailySummaryResponse
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(summary.Days) != 1 || summary.Days[0].TotalSalesCents != 120000 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/dashboard/daily?from=2024-07-01&to=2024-07-31&format=csv", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for csv export, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/csv; charset=utf-8" {
		t.Fatalf("expected csv content type, got %q", got)
	}
}

func TestHandleDashboardProviders_RequiresRange(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/dashboard/providers?from=2024-07-01", token, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing to, got %d", rec.Code)
	}
}

func TestHandleAuditLogs_AdminOnly(t *testing.T) {
	api := newTestAPI(t)
	clerkToken := loginAs(t, api, "clerk", "clerk123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", clerkToken, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk, got %d", rec.Code)
	}

	adminToken := loginAsAdmin(t, api)
	rec = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", adminToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
}

func TestHandleClerks_CreateAndList(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/users/clerks", token, csrf, domain.ClerkCreateRequest{
		Username: "turnotarde",
		Password: "secret99",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/users/clerks", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Clerks []domain.ClerkUser `json:"clerks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Clerks) != 2 {
		t.Fatalf("expected 2 clerks (seed + created), got %d", len(body.Clerks))
	}
}
