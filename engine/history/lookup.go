// Package history indexes raw entity history into per-entity lookup tables
// and collects history from one provider per entity kind.
package history

import (
	"time"

	"github.com/WessleyAI/flowpulse/engine/domain"
)

// Lookup maps an entity id to its history entries. Buckets keep input order
// and carry no ordering guarantee beyond that.
type Lookup map[string][]domain.Entry

// Lookups holds one Lookup per entity kind.
type Lookups map[domain.Kind]Lookup

// Bucket returns the entries recorded for an entity. Missing kinds or
// entities yield nil.
func (l Lookups) Bucket(kind domain.Kind, entityID string) []domain.Entry {
	if l == nil {
		return nil
	}
	return l[kind][entityID]
}

// Snapshot is one generation of lookups. Every derivation in a
// recomputation pass reads the same Snapshot.
type Snapshot struct {
	Lookups    Lookups
	Generation uint64
	TakenAt    time.Time
}

// Bucket returns the entries recorded for an entity in this snapshot.
func (s Snapshot) Bucket(kind domain.Kind, entityID string) []domain.Entry {
	return s.Lookups.Bucket(kind, entityID)
}

var defaultIDFields = map[domain.Kind][]string{
	domain.KindDevice:      {"device_id", "deviceId", "dev_eui", "devEui"},
	domain.KindFunction:    {"function_id", "functionId"},
	domain.KindIntegration: {"integration_id", "integrationId"},
	domain.KindLabel:       {"label_id", "labelId"},
}

// IDFields returns the candidate id field names for a kind, snake_case
// first. Kinds without history return nil.
func IDFields(kind domain.Kind) []string {
	fields := defaultIDFields[kind]
	if fields == nil {
		return nil
	}
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// BuildLookup groups entries by entity id. For each entry idFields are
// probed in order and the first truthy value is the key. Entries with no
// resolvable id are dropped.
func BuildLookup(entries []domain.Entry, idFields ...string) Lookup {
	out := make(Lookup)
	for _, e := range entries {
		id, ok := resolveID(e, idFields)
		if !ok {
			continue
		}
		out[id] = append(out[id], e)
	}
	return out
}

// BuildLookups indexes raw history per kind using the default id fields.
func BuildLookups(raw map[domain.Kind][]domain.Entry) Lookups {
	out := make(Lookups, len(raw))
	for kind, entries := range raw {
		out[kind] = BuildLookup(entries, IDFields(kind)...)
	}
	return out
}

func resolveID(e domain.Entry, fields []string) (string, bool) {
	for _, f := range fields {
		if !e.Truthy(f) {
			continue
		}
		if id, ok := e.String(f); ok && id != "" {
			return id, true
		}
	}
	return "", false
}
