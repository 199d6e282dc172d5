// Package workflow defines workflow documents, their persistence, and the
// interpreter that executes them against a device.
package workflow

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// StepType tags a workflow step. The interpreter is a switch over this tag.
type StepType string

const (
	StepClick        StepType = "click"
	StepSwipe        StepType = "swipe"
	StepWait         StepType = "wait"
	StepWaitForColor StepType = "wait_for_color"
	StepImageMatch   StepType = "image_match"
	StepFindAllClick StepType = "find_all_click"
	StepLoopClick    StepType = "loop_click"
	StepRepeatGroup  StepType = "repeat_group"
	StepPressBack    StepType = "press_back"
	StepStartGame    StepType = "start_game"
	StepRestartGame  StepType = "restart_game"
)

// knownStepTypes is the closed set accepted at load time.
var knownStepTypes = map[StepType]bool{
	StepClick: true, StepSwipe: true, StepWait: true, StepWaitForColor: true,
	StepImageMatch: true, StepFindAllClick: true, StepLoopClick: true,
	StepRepeatGroup: true, StepPressBack: true, StepStartGame: true,
	StepRestartGame: true,
}

// Match actions for image_match steps.
const (
	ActionTapCenter = "tap_center"
	ActionNone      = "none"
)

// BGRColor is a pixel color in the [B, G, R] order workflow JSON uses.
//
// Persisted JSON sometimes carries the array as a string (legacy rows wrote
// `"[255, 255, 255]"`), so unmarshalling accepts both forms.
type BGRColor [3]int

// UnmarshalJSON accepts `[b,g,r]` and the legacy string form `"[b,g,r]"`.
func (c *BGRColor) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	if res.Type == gjson.String {
		res = gjson.Parse(res.String())
	}
	arr := res.Array()
	if len(arr) != 3 {
		return fmt.Errorf("expected_color must have 3 channels, got %d", len(arr))
	}
	for i, v := range arr {
		n := v.Int()
		if n < 0 || n > 255 {
			return fmt.Errorf("expected_color channel %d out of range: %d", i, n)
		}
		c[i] = int(n)
	}
	return nil
}

// B, G, R return the individual channels.
func (c BGRColor) B() int { return c[0] }
func (c BGRColor) G() int { return c[1] }
func (c BGRColor) R() int { return c[2] }

// Step is one record of a workflow. Type selects which fields are
// meaningful; the rest stay at their zero values.
type Step struct {
	OrderIndex  int      `json:"order_index"`
	Type        StepType `json:"step_type"`
	Description string   `json:"description,omitempty"`
	GroupName   string   `json:"group_name,omitempty"`

	// click / swipe / wait_for_color coordinates.
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// swipe.
	EndX            int `json:"end_x,omitempty"`
	EndY            int `json:"end_y,omitempty"`
	SwipeDurationMS int `json:"swipe_duration_ms,omitempty"`

	// wait.
	WaitDurationMS int `json:"wait_duration_ms,omitempty"`

	// wait_for_color.
	ExpectedColor *BGRColor `json:"expected_color,omitempty"`
	Tolerance     int       `json:"tolerance,omitempty"`
	CheckInterval float64   `json:"check_interval,omitempty"`

	// image_match / find_all_click / loop_click / repeat_group share a
	// template reference and threshold.
	TemplateRef string  `json:"template_ref,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`

	// image_match.
	MaxWaitSeconds float64 `json:"max_wait_seconds,omitempty"`
	MaxRetries     int     `json:"max_retries,omitempty"`
	RetryInterval  float64 `json:"retry_interval,omitempty"`
	SkipIfNotFound bool    `json:"skip_if_not_found,omitempty"`
	OnMatchAction  string  `json:"on_match_action,omitempty"`

	// find_all_click.
	MatchAll bool `json:"match_all,omitempty"`

	// loop_click.
	MaxIterations     int     `json:"max_iterations,omitempty"`
	NotFoundThreshold int     `json:"not_found_threshold,omitempty"`
	ClickDelay        float64 `json:"click_delay,omitempty"`
	RetryDelay        float64 `json:"retry_delay,omitempty"`

	// repeat_group.
	LoopGroupName     string `json:"loop_group_name,omitempty"`
	StopTemplateRef   string `json:"stop_template_ref,omitempty"`
	StopOnNotFound    bool   `json:"stop_on_not_found,omitempty"`
	LoopMaxIterations int    `json:"loop_max_iterations,omitempty"`
}

// applyDefaults fills the per-type defaults the original authoring tool
// assumed, so sparsely-written steps behave.
func (s *Step) applyDefaults() {
	switch s.Type {
	case StepSwipe:
		if s.SwipeDurationMS == 0 {
			s.SwipeDurationMS = 300
		}
	case StepWait:
		if s.WaitDurationMS == 0 {
			s.WaitDurationMS = 1000
		}
	case StepWaitForColor:
		// Tolerance is left as authored: zero means exact match.
		if s.CheckInterval == 0 {
			s.CheckInterval = 1.0
		}
		if s.MaxWaitSeconds == 0 {
			s.MaxWaitSeconds = 30
		}
	case StepImageMatch:
		if s.Threshold == 0 {
			s.Threshold = 0.8
		}
		if s.MaxWaitSeconds == 0 {
			s.MaxWaitSeconds = 10
		}
		if s.RetryInterval == 0 {
			s.RetryInterval = 1.0
		}
	case StepFindAllClick:
		if s.Threshold == 0 {
			s.Threshold = 0.8
		}
	case StepLoopClick:
		if s.Threshold == 0 {
			s.Threshold = 0.8
		}
		if s.MaxIterations == 0 {
			s.MaxIterations = 20
		}
		if s.NotFoundThreshold == 0 {
			s.NotFoundThreshold = 3
		}
		if s.ClickDelay == 0 {
			s.ClickDelay = 1.5
		}
		if s.RetryDelay == 0 {
			s.RetryDelay = 2.0
		}
	case StepRepeatGroup:
		if s.Threshold == 0 {
			s.Threshold = 0.8
		}
	}
}
