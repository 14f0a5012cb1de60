package history

import (
	"context"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/pkg/fn"
)

// Provider fetches history for one entity kind. An empty entityID asks for
// every entity of the kind. "No data" is an empty slice, not an error.
type Provider interface {
	Fetch(ctx context.Context, entityID string) ([]domain.Entry, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, entityID string) ([]domain.Entry, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context, entityID string) ([]domain.Entry, error) {
	return f(ctx, entityID)
}

// Static serves a fixed set of entries. It is used for demo flows and tests.
type Static struct {
	Entries  []domain.Entry
	IDFields []string
}

// Fetch returns all entries, or those whose id resolves to entityID.
func (s Static) Fetch(_ context.Context, entityID string) ([]domain.Entry, error) {
	if entityID == "" {
		return append([]domain.Entry{}, s.Entries...), nil
	}
	out := fn.Filter(s.Entries, func(e domain.Entry) bool {
		id, ok := resolveID(e, s.IDFields)
		return ok && id == entityID
	})
	if out == nil {
		out = []domain.Entry{}
	}
	return out, nil
}
