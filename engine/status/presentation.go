package status

import (
	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/fatih/color"
)

// View describes how a status is rendered by terminal and API consumers.
type View struct {
	Label string
	Badge string
	Color color.Attribute
}

var views = map[domain.Status]View{
	domain.StatusSuccess:        {Label: "Success", Badge: "●", Color: color.FgGreen},
	domain.StatusError:          {Label: "Error", Badge: "✖", Color: color.FgRed},
	domain.StatusPartialSuccess: {Label: "Partial", Badge: "◐", Color: color.FgYellow},
	domain.StatusNoHistory:      {Label: "No history", Badge: "○", Color: color.FgHiBlack},
}

// Presentation returns the view for s. Unknown values render as no history.
func Presentation(s domain.Status) View {
	if v, ok := views[s]; ok {
		return v
	}
	return views[domain.StatusNoHistory]
}

// Render returns the badge and label, colored for s.
func Render(s domain.Status) string {
	v := Presentation(s)
	return color.New(v.Color).Sprint(v.Badge + " " + v.Label)
}
