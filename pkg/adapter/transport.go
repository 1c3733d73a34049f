package adapter

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/castellan-io/castellan/pkg/catalog"
)

const defaultRequestTimeout = 30 * time.Second

// transport executes dialect requests with the shared resilience policy:
// rate limiting, circuit breaking, a single refresh+retry on unauthorized,
// and one backoff retry on 5xx (two tries total). Timeouts are classified
// retriable upstream.
type transport struct {
	httpc   *http.Client
	auth    *authManager
	limiter *rate.Limiter
	breaker *circuitBreaker
	prop    propagation.TextMapPropagator
	sleep   func(time.Duration)
}

func newTransport(httpc *http.Client, auth *authManager, rps float64) *transport {
	if rps <= 0 {
		rps = 10
	}
	return &transport{
		httpc:   httpc,
		auth:    auth,
		limiter: rate.NewLimiter(rate.Limit(rps), int(math.Max(1, rps))),
		breaker: newCircuitBreaker(5, 10*time.Second),
		prop:    otel.GetTextMapPropagator(),
		sleep:   time.Sleep,
	}
}

// do runs one request. The factory is re-invoked per try so request bodies
// can be replayed.
func (t *transport) do(ctx context.Context, dialect catalog.Dialect, op string, build func() (*http.Request, error)) (*http.Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, asAPIError(op, dialect, err)
	}
	if !t.breaker.allow() {
		return nil, &APIError{
			Operation: op, Dialect: dialect,
			Category: CategoryTransient, Message: "circuit breaker open",
		}
	}

	var (
		authRetried   bool
		serverRetried bool
	)
	for {
		req, err := build()
		if err != nil {
			return nil, asAPIError(op, dialect, err)
		}
		header, err := t.auth.header(ctx, dialect)
		if err != nil {
			t.breaker.failure()
			return nil, err
		}
		req.Header.Set("Authorization", header)
		t.prop.Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := t.httpc.Do(req)
		if err != nil {
			cat := classifyNetErr(err)
			if cat == CategoryTimeout && !serverRetried {
				serverRetried = true
				t.sleep(backoffWithJitter(0))
				continue
			}
			t.breaker.failure()
			return nil, &APIError{Operation: op, Dialect: dialect, Category: cat, Message: err.Error(), Cause: err}
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !authRetried:
			_ = resp.Body.Close()
			authRetried = true
			t.auth.invalidate()
			continue
		case resp.StatusCode >= 500 && !serverRetried:
			_ = resp.Body.Close()
			serverRetried = true
			t.sleep(backoffWithJitter(1))
			continue
		}

		if resp.StatusCode >= 500 {
			t.breaker.failure()
		} else {
			t.breaker.success()
		}
		return resp, nil
	}
}

// backoffWithJitter computes base * 2^attempt plus up to 50ms of jitter.
func backoffWithJitter(attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		backoff += time.Duration(n.Int64()) * time.Millisecond
	}
	return backoff
}

// circuitBreaker is a minimal closed/open/half-open state machine keyed on
// consecutive failures.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        "CLOSED",
	}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
