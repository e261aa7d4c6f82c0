package fetcher

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"

	"github.com/lexstalk/lexstalk/internal/config"
)

// Egress is one outbound identity: a distinct source IP or proxy that
// requests leave through. It is the unit of rate limiting.
type Egress struct {
	ID    string
	Proxy *url.URL // nil for a bare source IP
}

// Selector hands out egress identities round-robin so concurrent workers
// spread load evenly across them.
type Selector struct {
	egresses []Egress
	index    atomic.Int64
	logger   *slog.Logger
}

// NewSelector builds the egress set from configuration. With no configured
// identities a single "default" egress is assumed. Proxies, when present,
// bind positionally to identities.
func NewSelector(cfg *config.RateConfig, logger *slog.Logger) (*Selector, error) {
	ids := cfg.Egresses
	if len(ids) == 0 {
		ids = []string{"default"}
	}

	egresses := make([]Egress, len(ids))
	for i, id := range ids {
		egresses[i] = Egress{ID: id}
		if i < len(cfg.Proxies) && cfg.Proxies[i] != "" {
			u, err := url.Parse(cfg.Proxies[i])
			if err != nil {
				return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxies[i], err)
			}
			egresses[i].Proxy = u
		}
	}

	logger.Info("egress selector initialized", "count", len(egresses))
	return &Selector{
		egresses: egresses,
		logger:   logger.With("component", "egress_selector"),
	}, nil
}

// Next returns the next egress identity in rotation.
func (s *Selector) Next() Egress {
	idx := s.index.Add(1) % int64(len(s.egresses))
	return s.egresses[idx]
}

// Count returns the number of egress identities.
func (s *Selector) Count() int { return len(s.egresses) }

// All returns every configured egress.
func (s *Selector) All() []Egress { return s.egresses }
