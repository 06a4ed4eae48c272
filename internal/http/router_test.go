package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/laf070810/icbc-payment-gateway/internal/config"
	"github.com/laf070810/icbc-payment-gateway/internal/domain"
	"github.com/laf070810/icbc-payment-gateway/internal/icbc"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:routerdb?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// schema so handlers don't explode on list endpoints
	if err := db.AutoMigrate(&domain.Event{}, &domain.Registration{}, &domain.PaymentTransaction{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig(basePath string) config.Config {
	return config.Config{
		APIBasePath:   basePath,
		PublicBaseURL: "http://localhost:8080",
		RateRPS:       100,
		RateBurst:     10,
		CORS:          config.CORSConfig{AllowedOrigins: nil}, // AllowAllOrigins branch
		Security:      config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:          config.OTELConfig{ServiceName: "test-svc"},
		Gateway: config.GatewayConfig{
			VerifyPolicy: "all",
			Provider:     "icbc",
			QueryTimeout: 5 * time.Second,
		},
	}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	db := newTestDB(t)
	RegisterRoutes(r, db, testConfig("/api/v1"))

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (DELETE against a registered path)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_PaymentEndpointsMounted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	db := newTestDB(t)
	RegisterRoutes(r, db, testConfig("/api/v1"))

	// Checkout without token → 400 from the handler (route exists)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/1/registrations/2/icbc/checkout", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("GET checkout without token = %d; want 400", w.Code)
	}

	// Notify route accepts POST form posts
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/events/1/registrations/2/icbc/notify", bytes.NewBufferString(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST notify without token = %d; want 400", w.Code)
	}

	// Success is reachable via both GET and POST
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		w = httptest.NewRecorder()
		req = httptest.NewRequest(method, "/api/v1/events/1/registrations/2/icbc/success", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s success without token = %d; want 400", method, w.Code)
		}
	}

	// Admin listing with an unknown token → 400
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/registrations/ghost/transactions", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("GET transactions for unknown token = %d; want 400", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testConfig("/api/v2")
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	db := newTestDB(t)

	RegisterRoutes(r, db, cfg)

	// Any request runs through CORS middleware; header should reflect origin.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	// non-root prefix
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	// Hit all three
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/one", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "one" {
		t.Fatalf("GET /one got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/two", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "two" {
		t.Fatalf("GET /two got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("GET /api/ping got %d %q", rec.Code, rec.Body.String())
	}
}

func Test_verifyPolicy(t *testing.T) {
	if verifyPolicy("fixed") != icbc.PolicyFixedFields {
		t.Fatalf("expected fixed-field policy")
	}
	if verifyPolicy("all") != icbc.PolicyAllButSign {
		t.Fatalf("expected all-but-sign policy")
	}
	// unknown values fall back to the safer all-but-sign policy
	if verifyPolicy("") != icbc.PolicyAllButSign {
		t.Fatalf("expected fallback policy")
	}
}

// Smoke test that a request traverses tracing + ratelimit + security headers.
func TestPipeline_Smoke(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testConfig("/api/v1")
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour} // only set on https
	db := newTestDB(t)
	RegisterRoutes(r, db, cfg)

	// Any request goes through the middleware stack
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	// simulate https so HSTS could be eligible if middleware checks scheme
	req.URL.Scheme = "https"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	// RequestID header should be present (from RequestID middleware)
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func Test_repoShims_Proxy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	ctx := context.Background()

	ev := domain.Event{Title: "conf", PaymentEnabled: true, Currency: "CNY"}
	if err := db.Create(&ev).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}
	reg := domain.Registration{ID: "shim-reg", EventID: ev.ID, FormID: 7, Email: "a@b.test", Price: 10, State: "pending"}
	if err := db.Create(&reg).Error; err != nil {
		t.Fatalf("seed registration: %v", err)
	}

	// --- registration shim ---
	regs := regRepoShim{}
	got, err := regs.GetByToken(ctx, db, "shim-reg")
	if err != nil || got.ID != "shim-reg" {
		t.Fatalf("GetByToken: %+v, %v", got, err)
	}
	gotEv, err := regs.GetEvent(ctx, db, ev.ID)
	if err != nil || gotEv.ID != ev.ID {
		t.Fatalf("GetEvent: %+v, %v", gotEv, err)
	}
	active, err := regs.FindActive(ctx, db, "a@b.test", 7)
	if err != nil || active.ID != "shim-reg" {
		t.Fatalf("FindActive: %+v, %v", active, err)
	}

	// --- transaction shim ---
	txs := txRepoShim{}
	tx, err := txs.Register(ctx, db, reg.ID, 10, "CNY", domain.ActionComplete, "icbc", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	cur, err := txs.Current(ctx, db, reg.ID)
	if err != nil || cur.ID != tx.ID {
		t.Fatalf("Current: %+v, %v", cur, err)
	}
	all, err := txs.List(ctx, db, reg.ID)
	if err != nil || len(all) != 1 {
		t.Fatalf("List: %d, %v", len(all), err)
	}
}
