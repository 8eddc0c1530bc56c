package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRouterServesTextExposition(t *testing.T) {
	m := New()
	m.SlaveTotalConnections.Inc()
	m.SlaveActiveConnections.Inc()

	router := m.Router()

	for _, path := range []string{"/", "/metrics", "/anything", "/foo/bar"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
		body := rec.Body.String()
		if !strings.Contains(body, "slave_total_connections") {
			t.Fatalf("%s: body missing slave_total_connections:\n%s", path, body)
		}
		if !strings.Contains(body, "slave_active_connections") {
			t.Fatalf("%s: body missing slave_active_connections:\n%s", path, body)
		}
	}
}
