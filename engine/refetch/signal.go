package refetch

import "fmt"

// Signal is a presence event reported by the dashboard client.
type Signal string

const (
	SignalVisible     Signal = "visible"
	SignalHidden      Signal = "hidden"
	SignalOnline      Signal = "online"
	SignalOffline     Signal = "offline"
	SignalInteraction Signal = "interaction"
)

// ParseSignal validates a signal name.
func ParseSignal(s string) (Signal, error) {
	switch sig := Signal(s); sig {
	case SignalVisible, SignalHidden, SignalOnline, SignalOffline, SignalInteraction:
		return sig, nil
	}
	return "", fmt.Errorf("refetch: unknown signal %q", s)
}

// State is the scheduler's activity classification.
type State int

const (
	Active State = iota
	Background
	Idle
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Background:
		return "background"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}
