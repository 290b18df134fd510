package httptransport

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }), mark("a"), mark("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	h := RequestLogger(log.New(&buf, "", 0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/steps", nil))
	require.True(t, strings.HasPrefix(buf.String(), "POST /v1/steps 418 "), buf.String())
}

func TestCORS(t *testing.T) {
	called := false
	h := CORS("http://localhost:5173")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	preflight := httptest.NewRequest(http.MethodOptions, "/v1/steps", nil)
	preflight.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, preflight)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))
	require.False(t, called)

	other := httptest.NewRequest(http.MethodGet, "/v1/steps", nil)
	other.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, other)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	require.True(t, called)
}

func TestDefaultServerConfig(t *testing.T) {
	srv := NewServer(DefaultServerConfig(":0"), http.NotFoundHandler())
	require.Equal(t, ":0", srv.Addr)
	require.NotZero(t, srv.ReadTimeout)
}
