package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

var (
	// ErrStalePrice indicates the freshest available price is older than the
	// configured maximum age. Capacity computations must refuse to run on it.
	ErrStalePrice = errors.New("oracle: price is stale")
	// ErrInvalidPrice indicates the feed returned a zero or negative mantissa.
	ErrInvalidPrice = errors.New("oracle: invalid price")
	// ErrUnavailable indicates no registered feed produced a usable price.
	ErrUnavailable = errors.New("oracle: price unavailable")
)

// PricePoint captures a signed price observation from an external feed. The
// real price is Price × 10^Exponent.
type PricePoint struct {
	Price       *big.Int
	Exponent    int32
	PublishedAt time.Time
}

// Clone returns a deep copy of the point to prevent accidental mutations.
func (p PricePoint) Clone() PricePoint {
	clone := PricePoint{Exponent: p.Exponent, PublishedAt: p.PublishedAt}
	if p.Price != nil {
		clone.Price = new(big.Int).Set(p.Price)
	}
	return clone
}

// Feed resolves the latest observation for a feed identifier. The feed's
// internal consensus is a black box; only the mantissa, exponent and publish
// time cross this boundary.
type Feed interface {
	GetPrice(feedID string) (PricePoint, error)
}

// Adapter wraps a feed with the protocol's freshness policy. It has no side
// effects and never substitutes a fallback price: a stale or invalid
// observation is a hard stop for every capacity-dependent operation.
type Adapter struct {
	feed   Feed
	maxAge time.Duration
	clock  func() time.Time
}

// NewAdapter constructs an adapter enforcing the supplied maximum price age.
func NewAdapter(feed Feed, maxAge time.Duration) *Adapter {
	return &Adapter{feed: feed, maxAge: maxAge, clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (a *Adapter) SetClock(clock func() time.Time) {
	if a == nil || clock == nil {
		return
	}
	a.clock = clock
}

// GetPrice fetches and validates the latest observation.
func (a *Adapter) GetPrice(feedID string) (PricePoint, error) {
	if a == nil || a.feed == nil {
		return PricePoint{}, ErrUnavailable
	}
	point, err := a.feed.GetPrice(strings.TrimSpace(feedID))
	if err != nil {
		return PricePoint{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if point.Price == nil || point.Price.Sign() <= 0 {
		return PricePoint{}, ErrInvalidPrice
	}
	if a.maxAge > 0 && a.clock().Sub(point.PublishedAt) > a.maxAge {
		return PricePoint{}, ErrStalePrice
	}
	return point.Clone(), nil
}

// Value converts an asset amount into quote-currency terms using the
// observation: amount × price × 10^exponent, floored.
func Value(amount *big.Int, point PricePoint) *big.Int {
	if amount == nil || amount.Sign() <= 0 || point.Price == nil || point.Price.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(amount, point.Price)
	if point.Exponent >= 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(point.Exponent)), nil)
		return value.Mul(value, scale)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-point.Exponent)), nil)
	return value.Quo(value, scale)
}

// Aggregator consults registered feeds in priority order until one returns a
// usable observation. Identifiers are stored lowercase so lookups remain
// consistent regardless of configuration casing.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	feeds    map[string]Feed
}

// NewAggregator constructs an empty aggregator with the provided priority.
func NewAggregator(priority []string) *Aggregator {
	return &Aggregator{
		priority: append([]string{}, priority...),
		feeds:    make(map[string]Feed),
	}
}

// Register adds or replaces a feed under the supplied identifier.
func (g *Aggregator) Register(name string, feed Feed) {
	if g == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.feeds[trimmed] = feed
	for _, entry := range g.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	g.priority = append(g.priority, trimmed)
}

// GetPrice implements the Feed interface over the registered children.
func (g *Aggregator) GetPrice(feedID string) (PricePoint, error) {
	if g == nil {
		return PricePoint{}, ErrUnavailable
	}
	g.mu.RLock()
	priority := append([]string{}, g.priority...)
	g.mu.RUnlock()

	var lastErr error
	for _, name := range priority {
		g.mu.RLock()
		feed := g.feeds[name]
		g.mu.RUnlock()
		if feed == nil {
			continue
		}
		point, err := feed.GetPrice(feedID)
		if err != nil {
			lastErr = err
			continue
		}
		if point.Price == nil || point.Price.Sign() <= 0 {
			lastErr = fmt.Errorf("feed %s returned invalid price", name)
			continue
		}
		return point.Clone(), nil
	}
	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return PricePoint{}, lastErr
}

// ManualFeed provides an in-memory feed implementation used for tests and
// manual overrides during incident response.
type ManualFeed struct {
	mu     sync.RWMutex
	points map[string]PricePoint
}

// NewManualFeed constructs an empty manual feed instance.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{points: make(map[string]PricePoint)}
}

// SetPrice records the supplied observation for the feed identifier.
func (m *ManualFeed) SetPrice(feedID string, price *big.Int, exponent int32, publishedAt time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	point := PricePoint{Exponent: exponent, PublishedAt: publishedAt}
	if price != nil {
		point.Price = new(big.Int).Set(price)
	}
	m.points[strings.TrimSpace(feedID)] = point
}

// GetPrice implements the Feed interface.
func (m *ManualFeed) GetPrice(feedID string) (PricePoint, error) {
	if m == nil {
		return PricePoint{}, ErrUnavailable
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	point, ok := m.points[strings.TrimSpace(feedID)]
	if !ok {
		return PricePoint{}, ErrUnavailable
	}
	return point.Clone(), nil
}
