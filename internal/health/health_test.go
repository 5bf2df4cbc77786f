package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"sendcore/backend/internal/storage/memory"
)

type downStore struct{ *memory.Store }

func (downStore) Health(context.Context) error { return errors.New("connection refused") }

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthChecker(t *testing.T) {
	t.Run("存储可用时就绪", func(t *testing.T) {
		hc := NewHealthChecker(memory.NewStore(), nil, Options{})
		assert.Equal(t, http.StatusOK, serve(hc.LiveHandler(), "/health/live").Code)
		assert.Equal(t, http.StatusOK, serve(hc.ReadyHandler(), "/health/ready").Code)
		assert.Equal(t, "OK", hc.CheckHealth(context.Background())["state-store"])
	})

	t.Run("存储不可用时未就绪但仍存活", func(t *testing.T) {
		hc := NewHealthChecker(downStore{memory.NewStore()}, nil, Options{})
		assert.Equal(t, http.StatusOK, serve(hc.LiveHandler(), "/health/live").Code)

		w := serve(hc.ReadyHandler(), "/health/ready?full=1")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "connection refused")
		assert.Contains(t, hc.CheckHealth(context.Background())["state-store"], "ERROR")
	})

	t.Run("附加就绪检查", func(t *testing.T) {
		hc := NewHealthChecker(memory.NewStore(), nil, Options{
			ExtraReadiness: map[string]func() error{
				"nats": func() error { return errors.New("disconnected") },
			},
		})
		assert.Equal(t, http.StatusServiceUnavailable, serve(hc.ReadyHandler(), "/health/ready").Code)
	})
}
