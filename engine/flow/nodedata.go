package flow

import (
	"encoding/json"
	"fmt"

	"github.com/WessleyAI/flowpulse/engine/domain"
)

// NodeData is the kind-specific payload of a node. Each kind has exactly
// one implementation.
type NodeData interface {
	Kind() domain.Kind
}

// DeviceData configures a device node.
type DeviceData struct {
	DevEUI string `json:"dev_eui,omitempty"`
	Model  string `json:"model,omitempty"`
}

// FunctionData configures a function node.
type FunctionData struct {
	Runtime string `json:"runtime,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

// IntegrationData configures an integration node.
type IntegrationData struct {
	Provider string `json:"provider,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// LabelData configures a label node.
type LabelData struct {
	Color string `json:"color,omitempty"`
}

// StorageData configures a storage node.
type StorageData struct {
	Bucket        string `json:"bucket,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

// ActionData configures an action node.
type ActionData struct {
	Action string `json:"action,omitempty"`
	Target string `json:"target,omitempty"`
}

func (DeviceData) Kind() domain.Kind      { return domain.KindDevice }
func (FunctionData) Kind() domain.Kind    { return domain.KindFunction }
func (IntegrationData) Kind() domain.Kind { return domain.KindIntegration }
func (LabelData) Kind() domain.Kind       { return domain.KindLabel }
func (StorageData) Kind() domain.Kind     { return domain.KindStorage }
func (ActionData) Kind() domain.Kind      { return domain.KindAction }

// newNodeData returns a pointer to the zero payload for kind.
func newNodeData(kind domain.Kind) (NodeData, error) {
	switch kind {
	case domain.KindDevice:
		return &DeviceData{}, nil
	case domain.KindFunction:
		return &FunctionData{}, nil
	case domain.KindIntegration:
		return &IntegrationData{}, nil
	case domain.KindLabel:
		return &LabelData{}, nil
	case domain.KindStorage:
		return &StorageData{}, nil
	case domain.KindAction:
		return &ActionData{}, nil
	}
	return nil, domain.NewValidationError("kind", string(kind), domain.ErrUnknownKind)
}

// DecodeNodeData decodes raw into the payload type for kind. Empty input
// yields the zero payload.
func DecodeNodeData(kind domain.Kind, raw json.RawMessage) (NodeData, error) {
	data, err := newNodeData(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return data, nil
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", kind,
			domain.NewValidationError("data", err.Error(), domain.ErrInvalidNodeData))
	}
	return data, nil
}

// matchesKind reports whether data is nil or belongs to kind.
func matchesKind(data NodeData, kind domain.Kind) bool {
	return data == nil || data.Kind() == kind
}

// cloneData copies data into a fresh pointer payload. Value payloads are
// accepted and normalized to pointers.
func cloneData(data NodeData) NodeData {
	switch d := data.(type) {
	case *DeviceData:
		c := *d
		return &c
	case DeviceData:
		return &d
	case *FunctionData:
		c := *d
		return &c
	case FunctionData:
		return &d
	case *IntegrationData:
		c := *d
		return &c
	case IntegrationData:
		return &d
	case *LabelData:
		c := *d
		return &c
	case LabelData:
		return &d
	case *StorageData:
		c := *d
		return &c
	case StorageData:
		return &d
	case *ActionData:
		c := *d
		return &c
	case ActionData:
		return &d
	}
	return data
}
