package dispatch

import "github.com/example/mailconnect/internal/models"

// Health window defaults.
const (
	DefaultWindowSize   = 20
	minSamples          = 4
	degradedErrorRate   = 0.5
	downErrorRate       = 0.9
	downConsecutiveFail = 5
)

// HealthWindow is a rolling record of the last N send outcomes of a provider.
// It is not safe for concurrent use; the owning registry entry serialises
// access.
type HealthWindow struct {
	outcomes    []bool
	next        int
	count       int
	failures    int
	consecutive int
}

// NewHealthWindow returns a window remembering size outcomes.
func NewHealthWindow(size int) *HealthWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &HealthWindow{outcomes: make([]bool, size)}
}

// Record adds one outcome, evicting the oldest when the window is full.
func (w *HealthWindow) Record(success bool) {
	if w.count == len(w.outcomes) {
		if !w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.count++
	}
	w.outcomes[w.next] = success
	w.next = (w.next + 1) % len(w.outcomes)

	if success {
		w.consecutive = 0
		return
	}
	w.failures++
	w.consecutive++
}

// ErrorRate is the share of failures in the window.
func (w *HealthWindow) ErrorRate() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.count)
}

// Samples is the number of outcomes currently held.
func (w *HealthWindow) Samples() int { return w.count }

// Status derives the health state: a run of consecutive failures or a very
// high error rate means down, a high error rate means degraded. Fewer than
// four samples never degrade a provider on rate alone.
func (w *HealthWindow) Status() models.HealthStatus {
	if w.consecutive >= downConsecutiveFail {
		return models.HealthDown
	}
	if w.count < minSamples {
		return models.HealthHealthy
	}
	switch rate := w.ErrorRate(); {
	case rate >= downErrorRate:
		return models.HealthDown
	case rate >= degradedErrorRate:
		return models.HealthDegraded
	default:
		return models.HealthHealthy
	}
}
