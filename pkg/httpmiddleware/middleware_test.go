package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrap_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Wrap(okHandler(), mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestMakeRouteFinder(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/orders/{id}", func(http.ResponseWriter, *http.Request) {})
	})
	find := MakeRouteFinder(r)

	route, ok := find(httptest.NewRequest(http.MethodGet, "/api/orders/42", nil))
	require.True(t, ok)
	assert.Equal(t, "/api/orders/{id}", route)

	_, ok = find(httptest.NewRequest(http.MethodPost, "/api/orders/42", nil))
	assert.False(t, ok)
}

func TestLogRequests(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := chi.NewRouter()
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	h := Wrap(r,
		RequestID(),
		InjectLogger(zap.New(core)),
		LogRequests(MakeRouteFinder(r)),
	)
	req := httptest.NewRequest(http.MethodGet, "/items/7", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("Request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusNotFound), fields["status"])
	assert.Equal(t, "/items/{id}", fields["route"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Wrap(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
		InjectLogger(zap.New(core)),
		Recovery(),
	)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"code":500,"reason":"internal","message":"internal server error"}`, w.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
}

func TestRequestID(t *testing.T) {
	var seen string
	h := Wrap(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}), RequestID())

	for _, tc := range []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"absent", "", false},
		{"valid", "order-flow-1", true},
		{"control chars", "bad\nid", false},
		{"too long", strings.Repeat("x", 129), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.incoming != "" {
				req.Header.Set(RequestIDHeader, tc.incoming)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			got := w.Header().Get(RequestIDHeader)
			require.NotEmpty(t, got)
			assert.Equal(t, got, seen)
			if tc.keep {
				assert.Equal(t, tc.incoming, got)
			} else {
				assert.NotEqual(t, tc.incoming, got)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	preflight := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodOptions, "/api/checkout", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "api_key")
		return req
	}

	t.Run("preflight allowed", func(t *testing.T) {
		h := Wrap(okHandler(), CORS(CORSConfig{AllowOrigins: []string{"https://Shop.example"}, MaxAge: 60}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, preflight("https://shop.example"))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://Shop.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST, PUT, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "api_key", w.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "60", w.Header().Get("Access-Control-Max-Age"))
	})
	t.Run("preflight rejected", func(t *testing.T) {
		h := Wrap(okHandler(), CORS(CORSConfig{AllowOrigins: []string{"https://shop.example"}}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, preflight("https://evil.example"))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
	t.Run("credentials echo origin", func(t *testing.T) {
		h := Wrap(okHandler(), CORS(CORSConfig{AllowCredentials: true}))
		req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
		req.Header.Set("Origin", "https://shop.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), RequestIDHeader)
		assert.Equal(t, []string{"Origin"}, w.Header().Values("Vary"))
	})
	t.Run("wildcard", func(t *testing.T) {
		h := Wrap(okHandler(), CORS(CORSConfig{AllowOrigins: []string{"*"}}))
		req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
		req.Header.Set("Origin", "https://any.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, w.Header().Values("Vary"))
	})
}
