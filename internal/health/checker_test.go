package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

func serve(h *Checker) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET("/healthz", h.Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	return w
}

func TestHandler_ok(t *testing.T) {
	h := New(time.Second, zap.NewNop())
	h.Add("store", func(context.Context) error { return nil })

	w := serve(h)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandler_noProbes(t *testing.T) {
	if w := serve(New(0, zap.NewNop())); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCheckAll_reportsFailures(t *testing.T) {
	h := New(time.Second, zap.NewNop())
	h.Add("store", func(context.Context) error { return nil })
	h.Add("powerdns", func(context.Context) error { return errors.New("down") })
	h.Add("bolt", func(context.Context) error { return errors.New("closed") })

	failed := h.CheckAll(context.Background())
	if len(failed) != 2 || failed[0] != "bolt" || failed[1] != "powerdns" {
		t.Errorf("failed = %v", failed)
	}
	if w := serve(h); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestCheckAll_probeTimeout(t *testing.T) {
	h := New(20*time.Millisecond, zap.NewNop())
	h.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	start := time.Now()
	failed := h.CheckAll(context.Background())
	if len(failed) != 1 {
		t.Errorf("failed = %v", failed)
	}
	if time.Since(start) > time.Second {
		t.Error("probe was not bounded by the timeout")
	}
}
