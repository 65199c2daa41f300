package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/odvcencio/planrunner/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Plan is an ordered step list with the goal it serves.
type Plan struct {
	Goal  string `json:"goal" yaml:"goal"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// Load reads a plan file. .yaml and .yml are parsed as YAML, anything else as JSON.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "parse plan YAML").WithContext("path", path)
		}
	default:
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "parse plan JSON").WithContext("path", path)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural integrity: unique ids and dependencies that point
// at earlier steps. Step kinds and params are left to the executor, which
// reports them per step.
func (p *Plan) Validate() error {
	if p == nil {
		return apperrors.New(apperrors.ErrCodeValidation, "plan is nil")
	}
	seen := make(map[string]int, len(p.Steps))
	for i, step := range p.Steps {
		if step.ID != "" {
			if prev, dup := seen[step.ID]; dup {
				return apperrors.Newf(apperrors.ErrCodeValidation, "duplicate step id %q", step.ID).
					WithContext("first_index", prev).
					WithContext("index", i)
			}
		}
		for _, dep := range step.Dependencies {
			if _, ok := seen[dep]; !ok {
				return apperrors.Newf(apperrors.ErrCodeValidation, "step %q depends on unknown or later step %q", step.DisplayName(), dep).
					WithContext("index", i)
			}
		}
		if step.ID != "" {
			seen[step.ID] = i
		}
	}
	return nil
}
