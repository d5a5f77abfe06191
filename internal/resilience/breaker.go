package resilience

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// BreakerOpenedTotal counts breaker open transitions per target.
var BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "circuit_breaker_opened_total",
	Help: "Number of times a circuit breaker transitioned to open.",
}, []string{"target"})

// RegisterMetrics registers the breaker collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(BreakerOpenedTotal)
}

// Breaker is a failure-ratio circuit breaker. It opens once the observed
// failure ratio over at least minRequests samples crosses the threshold and
// lets a probe through after the cool-off.
type Breaker struct {
	mu           sync.Mutex
	failures     int
	successes    int
	open         bool
	openedAt     time.Time
	minRequests  int
	failureRatio float64
	openFor      time.Duration
	target       string
}

// NewBreaker constructs a breaker for the named target.
func NewBreaker(target string, minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 5
	}
	if failureRatio <= 0 || failureRatio > 1 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{minRequests: minRequests, failureRatio: failureRatio, openFor: openFor, target: target}
}

// Allow reports whether a request may proceed right now.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if time.Since(b.openedAt) >= b.openFor {
		// Half-open: admit one probe; Report decides what happens next.
		return true
	}
	return false
}

// Report records the outcome of a request.
func (b *Breaker) Report(success bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		if b.open {
			b.open = false
			b.failures = 0
			b.successes = 0
			return
		}
		b.successes++
		return
	}
	b.failures++
	if b.open {
		b.openedAt = time.Now()
		return
	}
	total := b.failures + b.successes
	if total >= b.minRequests && float64(b.failures)/float64(total) >= b.failureRatio {
		b.open = true
		b.openedAt = time.Now()
		b.failures = 0
		b.successes = 0
		BreakerOpenedTotal.WithLabelValues(b.target).Inc()
	}
}

// Backoff returns the exponential backoff delay for the given attempt with
// proportional jitter.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if jitter > 0 {
		d += d * jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = float64(base)
	}
	return time.Duration(d)
}
