// Package domain defines the core types shared by the flow engine: entity
// kinds, derived statuses and raw history entries. It also acts as the
// validation gate for values arriving from the API layer.
package domain

import "strings"

// Kind identifies the type of pipeline entity a node represents.
type Kind string

const (
	KindDevice      Kind = "device"
	KindFunction    Kind = "function"
	KindIntegration Kind = "integration"
	KindLabel       Kind = "label"
	KindStorage     Kind = "storage"
	KindAction      Kind = "action"
)

// Kinds lists every node kind in canvas palette order.
var Kinds = []Kind{KindDevice, KindFunction, KindIntegration, KindLabel, KindStorage, KindAction}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDevice, KindFunction, KindIntegration, KindLabel, KindStorage, KindAction:
		return true
	}
	return false
}

// Title returns the kind with its first letter upper-cased ("Device").
func (k Kind) Title() string {
	if k == "" {
		return ""
	}
	return strings.ToUpper(string(k[:1])) + string(k[1:])
}

// HasHistory reports whether entities of this kind produce a history stream.
// Storage and action nodes are structural only.
func (k Kind) HasHistory() bool {
	switch k {
	case KindDevice, KindFunction, KindIntegration, KindLabel:
		return true
	}
	return false
}

// Status is the derived health classification of an entity.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusPartialSuccess Status = "partial_success"
	StatusNoHistory      Status = "no_history"
)

// Statuses lists every status value.
var Statuses = []Status{StatusSuccess, StatusError, StatusPartialSuccess, StatusNoHistory}

// Valid reports whether s is one of the four status values.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusPartialSuccess, StatusNoHistory:
		return true
	}
	return false
}

// ParseOutcome maps a raw status value reported by a backend to a Status.
// Only the three execution outcomes are recognized; everything else,
// including "no_history" and non-string values, is rejected.
func ParseOutcome(v any) (Status, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch Status(s) {
	case StatusSuccess, StatusError, StatusPartialSuccess:
		return Status(s), true
	}
	return "", false
}
