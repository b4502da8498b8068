package metrics

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_ConcurrentIncrements(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Inc(DeliveryExpired)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), r.Counter(DeliveryExpired).Value())
	assert.Equal(t, map[string]int64{DeliveryExpired: 50}, r.Snapshot())
	assert.Equal(t, []string{DeliveryExpired}, r.Names())
}

func TestRegistry_NilDiscards(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() { r.Inc(AlertsCreated) })
	assert.Empty(t, r.Snapshot())
}

func TestRegistry_PrometheusExposition(t *testing.T) {
	r := NewRegistry()
	r.Inc(SpikesDetected)
	r.Counter(SpikesDetected).Add(2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tickerpulse_spikes_detected_total 3")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
