package workflow

import (
	"sort"
	"time"
)

// Workflow is an ordered step program authored against a fixed screen
// resolution. Templates referenced by its steps are stored at that
// resolution; screenshots from devices with a different resolution are
// rescaled before matching.
type Workflow struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	ScreenWidth  int `json:"screen_width"`
	ScreenHeight int `json:"screen_height"`

	// IsMaster marks the fleet-wide default workflow. At most one workflow
	// carries this flag; the repo enforces it on write.
	IsMaster bool `json:"is_master"`

	// ModeName and MonthYear index the workflow for scheduled lookups,
	// e.g. ("daily-login", "2026-08").
	ModeName  string `json:"mode_name,omitempty"`
	MonthYear string `json:"month_year,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	Steps []Step `json:"steps"`
}

// GroupSteps returns the steps labeled with group, preserving their relative
// order. Used by repeat_group execution.
func (w *Workflow) GroupSteps(group string) []Step {
	var out []Step
	for _, s := range w.Steps {
		if s.GroupName == group {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// normalize sorts steps by order index and applies per-type defaults.
func (w *Workflow) normalize() {
	sort.SliceStable(w.Steps, func(i, j int) bool { return w.Steps[i].OrderIndex < w.Steps[j].OrderIndex })
	for i := range w.Steps {
		w.Steps[i].applyDefaults()
	}
}
