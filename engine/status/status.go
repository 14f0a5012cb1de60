// Package status derives the canonical health status of an entity from its
// history bucket.
package status

import (
	"slices"
	"time"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/engine/history"
)

// Latest returns the status of entityID according to the newest entry in
// its bucket. It never returns a value outside domain.Statuses and never
// mutates lookups.
func Latest(entityID string, kind domain.Kind, lookups history.Lookups) domain.Status {
	entry, ok := LatestEntry(entityID, kind, lookups)
	if !ok {
		return domain.StatusNoHistory
	}
	return FromEntry(kind, entry)
}

// LatestEntry returns the newest entry for entityID. Entries without a
// parseable timestamp rank below every dated entry; equal timestamps keep
// their bucket order.
func LatestEntry(entityID string, kind domain.Kind, lookups history.Lookups) (domain.Entry, bool) {
	if entityID == "" {
		return nil, false
	}
	sorted := Sorted(lookups.Bucket(kind, entityID))
	if len(sorted) == 0 {
		return nil, false
	}
	return sorted[0], true
}

// Sorted returns a copy of bucket ordered newest first.
func Sorted(bucket []domain.Entry) []domain.Entry {
	type dated struct {
		entry domain.Entry
		at    time.Time
		ok    bool
	}
	rows := make([]dated, len(bucket))
	for i, e := range bucket {
		at, ok := e.Timestamp()
		rows[i] = dated{entry: e, at: at, ok: ok}
	}
	slices.SortStableFunc(rows, func(a, b dated) int {
		switch {
		case a.ok && !b.ok:
			return -1
		case !a.ok && b.ok:
			return 1
		case !a.ok && !b.ok:
			return 0
		}
		return b.at.Compare(a.at)
	})
	out := make([]domain.Entry, len(rows))
	for i, r := range rows {
		out[i] = r.entry
	}
	return out
}

// FromEntry applies the kind-specific mapping to a single entry.
func FromEntry(kind domain.Kind, entry domain.Entry) domain.Status {
	switch kind {
	case domain.KindFunction, domain.KindIntegration, domain.KindLabel:
		if s, ok := domain.ParseOutcome(entry["status"]); ok {
			return s
		}
		return domain.StatusNoHistory
	case domain.KindDevice:
		return deviceStatus(entry)
	case domain.KindStorage, domain.KindAction:
		return domain.StatusNoHistory
	}
	return domain.StatusNoHistory
}

// deviceStatus treats any entry as evidence of connectivity unless it
// carries an error marker.
func deviceStatus(entry domain.Entry) domain.Status {
	if s, ok := domain.ParseOutcome(entry["status"]); ok {
		return s
	}
	if event, _ := entry["event"].(string); event == "error" {
		return domain.StatusError
	}
	if entry.Truthy("error") {
		return domain.StatusError
	}
	if data, ok := entry.Object("data"); ok {
		if success, ok := data["success"].(bool); ok && !success {
			return domain.StatusError
		}
	}
	return domain.StatusSuccess
}
