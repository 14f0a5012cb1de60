package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/pkg/fn"
	"github.com/WessleyAI/flowpulse/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

// ErrRemote marks an error reported by the history service itself.
var ErrRemote = errors.New("history service error")

// FetchSubject returns the request subject serving history for kind.
func FetchSubject(kind domain.Kind) string {
	return "history." + string(kind) + ".fetch"
}

// FetchRequest is the request body sent to a history service.
type FetchRequest struct {
	EntityID string `json:"entity_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// FetchResponse is the reply from a history service.
type FetchResponse struct {
	Entries []domain.Entry `json:"entries"`
	Error   string         `json:"error,omitempty"`
}

// NATSProvider fetches history over NATS request/reply.
type NATSProvider struct {
	nc      *nats.Conn
	subject string
	limit   int
	retry   fn.RetryOpts
}

// NATSOption configures a NATSProvider.
type NATSOption func(*NATSProvider)

// WithSubject overrides the request subject.
func WithSubject(subject string) NATSOption {
	return func(p *NATSProvider) { p.subject = subject }
}

// WithLimit caps the number of entries requested.
func WithLimit(n int) NATSOption {
	return func(p *NATSProvider) { p.limit = n }
}

// WithRetry overrides the retry policy for timeouts.
func WithRetry(opts fn.RetryOpts) NATSOption {
	return func(p *NATSProvider) { p.retry = opts }
}

// NewNATSProvider creates a provider for one kind.
func NewNATSProvider(nc *nats.Conn, kind domain.Kind, opts ...NATSOption) *NATSProvider {
	p := &NATSProvider{
		nc:      nc,
		subject: FetchSubject(kind),
		retry:   fn.DefaultRetry,
	}
	p.retry.Retryable = retryable
	for _, o := range opts {
		o(p)
	}
	return p
}

// Fetch requests history for entityID, or for all entities when empty.
func (p *NATSProvider) Fetch(ctx context.Context, entityID string) ([]domain.Entry, error) {
	req := FetchRequest{EntityID: entityID, Limit: p.limit}
	r := fn.Retry(ctx, p.retry, func(ctx context.Context) fn.Result[FetchResponse] {
		resp, err := natsutil.Request[FetchRequest, FetchResponse](ctx, p.nc, p.subject, req)
		if err == nil && resp.Error != "" {
			err = fmt.Errorf("%w: %s", ErrRemote, resp.Error)
		}
		return fn.FromPair(resp, err)
	})
	resp, err := r.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("history: fetch %s: %w", p.subject, err)
	}
	if resp.Entries == nil {
		return []domain.Entry{}, nil
	}
	return resp.Entries, nil
}

func retryable(err error) bool {
	return !errors.Is(err, ErrRemote) && !errors.Is(err, nats.ErrNoResponders)
}
