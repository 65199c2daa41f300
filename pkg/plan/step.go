// Package plan defines the step contract consumed from the planner and the
// per-step result produced by the executor.
package plan

// Kind identifies what a step does. The set is closed: every Kind returned by
// Kinds must have an executor handler.
type Kind string

const (
	KindNavigate Kind = "navigate"
	KindClick    Kind = "click"
	KindType     Kind = "type"
	KindFillForm Kind = "fill_form"
	KindWait     Kind = "wait"
	KindExtract  Kind = "extract"
	KindSnapshot Kind = "snapshot"
	KindSubmit   Kind = "submit"
	KindSelect   Kind = "select"
)

var kinds = []Kind{
	KindNavigate,
	KindClick,
	KindType,
	KindFillForm,
	KindWait,
	KindExtract,
	KindSnapshot,
	KindSubmit,
	KindSelect,
}

// Kinds returns every recognized step kind.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

// Valid reports whether k is one of the recognized kinds.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Step is one planner-issued unit of work. Steps are treated as immutable once
// handed to the executor.
type Step struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind            Kind           `json:"type" yaml:"type"`
	Params          map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
}

// DisplayName returns the step name, falling back to id then kind.
func (s Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.ID != "":
		return s.ID
	default:
		return string(s.Kind)
	}
}

// Status is the terminal outcome of a step.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is produced exactly once per executed step and never mutated after.
type Result struct {
	Success    bool           `json:"success"`
	Status     Status         `json:"status"`
	DurationMs int64          `json:"duration"`
	Output     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Step       Step           `json:"step"`
}
