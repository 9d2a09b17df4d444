// Package health serves GET /healthz. Each registered probe checks one
// dependency (the registry store, the DNS backend).
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// Checker runs all probes concurrently, each bounded by the probe timeout.
type Checker struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Checker. A zero timeout defaults to 2 seconds.
func New(timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{probes: make(map[string]Probe), timeout: timeout, logger: logger}
}

// Add registers probe under name, replacing any earlier probe with that name.
func (h *Checker) Add(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
}

// CheckAll runs every probe and returns the names of those that failed,
// sorted.
func (h *Checker) CheckAll(ctx context.Context) []string {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for k, v := range h.probes {
		probes[k] = v
	}
	h.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			if err := probe(pctx); err != nil {
				h.logger.Warn("health: probe failed", zap.String("probe", name), zap.Error(err))
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
		}(name, probe)
	}
	wg.Wait()
	sort.Strings(failed)
	return failed
}

// Handler answers {"status":"ok"} or 503 with the failing probes.
func (h *Checker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if failed := h.CheckAll(c.Request.Context()); len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failed": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
