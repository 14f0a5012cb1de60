package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	maxLabelLength    = 128
	maxEntityIDLength = 256
)

// ParseKind validates a kind received from a client.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", NewValidationError("kind", s, ErrUnknownKind)
	}
	return k, nil
}

// ValidateLabel checks a user supplied node label. Empty labels are allowed;
// the store assigns a default.
func ValidateLabel(label string) error {
	if !utf8.ValidString(label) {
		return NewValidationError("label", label, ErrInvalidLabel)
	}
	if utf8.RuneCountInString(label) > maxLabelLength {
		return NewValidationError("label", label, ErrInvalidLabel)
	}
	return nil
}

// ValidateEntityID checks an entity reference. Empty means "not bound".
func ValidateEntityID(id string) error {
	if id == "" {
		return nil
	}
	if strings.TrimSpace(id) == "" || len(id) > maxEntityIDLength {
		return NewValidationError("entity_id", id, ErrInvalidEntityID)
	}
	return nil
}
