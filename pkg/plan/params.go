package plan

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// DefaultWaitMs is used by wait steps that omit a duration.
const DefaultWaitMs = 1000

// NavigateParams configures a navigate step. Timeout is in milliseconds.
type NavigateParams struct {
	URL     string `mapstructure:"url"`
	Timeout int    `mapstructure:"timeout"`
}

// ClickParams configures a click step.
type ClickParams struct {
	Selector string `mapstructure:"selector"`
}

// TypeParams configures a type step. Submit presses Enter after typing.
type TypeParams struct {
	Selector string `mapstructure:"selector"`
	Text     string `mapstructure:"text"`
	Submit   bool   `mapstructure:"submit"`
}

// SelectParams configures a select step. Value is shorthand for a single entry
// in Values.
type SelectParams struct {
	Selector string   `mapstructure:"selector"`
	Value    string   `mapstructure:"value"`
	Values   []string `mapstructure:"values"`
}

// Options returns the option values to select.
func (p SelectParams) Options() []string {
	if len(p.Values) > 0 {
		return p.Values
	}
	if p.Value != "" {
		return []string{p.Value}
	}
	return nil
}

// FillFormParams maps target descriptions to the text typed into each.
type FillFormParams struct {
	Fields map[string]string `mapstructure:"fields"`
}

// WaitParams configures a wait step. Duration is in milliseconds.
type WaitParams struct {
	Duration int `mapstructure:"duration"`
}

// ExtractParams reads values from one or more targets. Key names the context
// entry for a single selector; batch selectors are keyed by themselves.
type ExtractParams struct {
	Selector  string   `mapstructure:"selector"`
	Selectors []string `mapstructure:"selectors"`
	Attribute string   `mapstructure:"attribute"`
	Key       string   `mapstructure:"key"`
}

// SnapshotParams configures a snapshot step.
type SnapshotParams struct {
	IncludeHidden bool `mapstructure:"include_hidden"`
}

// SubmitParams configures a submit step. Without a selector the current
// focus is submitted.
type SubmitParams struct {
	Selector string `mapstructure:"selector"`
}

// DecodeParams decodes a step's loose params into a typed struct. Numeric
// strings and JSON floats are coerced to the field types.
func DecodeParams[T any](step Step) (T, error) {
	var out T
	if len(step.Params) == 0 {
		return out, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return out, fmt.Errorf("build params decoder: %w", err)
	}
	if err := decoder.Decode(step.Params); err != nil {
		return out, fmt.Errorf("decode %s params: %w", step.Kind, err)
	}
	return out, nil
}
