// Package oracle gates external price data before it reaches solvency
// valuation. A quote that is stale or too uncertain is rejected outright
// rather than smoothed or extrapolated.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/clearnet/pkg/circuit"
)

const (
	// MaxStaleness is the hard publish-age cutoff for a usable quote.
	MaxStaleness = 400 * time.Millisecond
	// MaxConfidenceRatio rejects quotes whose confidence interval exceeds
	// this fraction of the price.
	MaxConfidenceRatio = "0.10"
)

var (
	ErrStalePrice     = errors.New("oracle price too stale")
	ErrWideConfidence = errors.New("oracle confidence interval too wide")
	ErrNoPrice        = errors.New("no price available")
)

// Price is one published quote with its uncertainty band.
type Price struct {
	Symbol      string          `json:"symbol"`
	Value       decimal.Decimal `json:"value"`
	Confidence  decimal.Decimal `json:"confidence"`
	PublishedAt time.Time       `json:"published_at"`
}

// Source produces raw quotes. Implementations: HTTPSource for a price
// service, Static for tests.
type Source interface {
	LatestPrice(ctx context.Context, symbol string) (Price, error)
}

// Oracle validates quotes from a source behind a circuit breaker.
type Oracle struct {
	source  Source
	breaker *circuit.Breaker
	now     func() time.Time
}

// New creates an oracle over the given source.
func New(source Source) *Oracle {
	return &Oracle{
		source: source,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "oracle",
			MaxFailures: 5,
			Timeout:     10 * time.Second,
			HalfOpenMax: 1,
		}),
		now: time.Now,
	}
}

// Fetch returns a validated quote or an error. Validation failures count
// against the breaker the same as transport failures: a flapping oracle is
// an unusable oracle.
func (o *Oracle) Fetch(ctx context.Context, symbol string) (Price, error) {
	var price Price
	err := o.breaker.Execute(ctx, func() error {
		p, err := o.source.LatestPrice(ctx, symbol)
		if err != nil {
			return err
		}
		if err := o.validate(p); err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return Price{}, err
	}
	return price, nil
}

func (o *Oracle) validate(p Price) error {
	if o.now().Sub(p.PublishedAt) > MaxStaleness {
		return fmt.Errorf("%w: published %s ago", ErrStalePrice, o.now().Sub(p.PublishedAt))
	}
	if p.Value.IsZero() {
		return ErrNoPrice
	}
	ratio := p.Confidence.Div(p.Value.Abs())
	if ratio.GreaterThan(decimal.RequireFromString(MaxConfidenceRatio)) {
		return fmt.Errorf("%w: confidence/price %s", ErrWideConfidence, ratio.StringFixed(4))
	}
	return nil
}

// HTTPSource pulls quotes from a price service endpoint.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source against the given base URL.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Second},
	}
}

func (s *HTTPSource) LatestPrice(ctx context.Context, symbol string) (Price, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/prices/"+symbol, nil)
	if err != nil {
		return Price{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Price{}, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Price{}, fmt.Errorf("price service returned %d", resp.StatusCode)
	}
	var p Price
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Price{}, fmt.Errorf("failed to decode price: %w", err)
	}
	return p, nil
}

// Static is a settable in-memory source for tests and local runs.
type Static struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewStatic creates an empty static source.
func NewStatic() *Static {
	return &Static{prices: make(map[string]Price)}
}

// Set publishes a quote.
func (s *Static) Set(p Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[p.Symbol] = p
}

func (s *Static) LatestPrice(ctx context.Context, symbol string) (Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok {
		return Price{}, ErrNoPrice
	}
	return p, nil
}
