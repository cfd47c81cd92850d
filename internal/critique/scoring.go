package critique

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/photomentor/pmv/internal/prompt"
)

// Rubric is the optional structured scoring attached to a critique.
type Rubric struct {
	Composition float64 `json:"composition"`
	Lighting    float64 `json:"lighting"`
	Color       float64 `json:"color"`
	Technical   float64 `json:"technical"`
	Originality float64 `json:"originality"`
	Notes       string  `json:"notes"`
}

const scoringTimeout = 20 * time.Second

// jsonObjectRe finds the first JSON object in a response, tolerating models
// that wrap the object in prose despite the strict-JSON instruction.
var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// ParseRubric extracts and unmarshals a rubric from free-form model output.
// It is a fallible transformation, never a hard dependency of persistence.
func ParseRubric(raw string) (Rubric, error) {
	match := jsonObjectRe.FindString(raw)
	if match == "" {
		return Rubric{}, fmt.Errorf("no JSON object in scoring response")
	}
	var r Rubric
	if err := json.Unmarshal([]byte(match), &r); err != nil {
		return Rubric{}, fmt.Errorf("unmarshalling rubric: %w", err)
	}
	return r, nil
}

// scoreRubric asks the model for structured scores and returns the rubric as
// normalized JSON. Best-effort: any failure logs at debug and returns "",
// which persists as a null rubric.
func (s *Service) scoreRubric(ctx context.Context, description, critiqueText string) string {
	ctx, cancel := context.WithTimeout(ctx, scoringTimeout)
	defer cancel()

	raw, err := s.engine.Chat(ctx, s.cfg.CritiqueModel, prompt.Rubric(description, critiqueText))
	if err != nil {
		slog.Debug("rubric scoring chat failed", "error", err)
		return ""
	}

	rubric, err := ParseRubric(raw)
	if err != nil {
		slog.Debug("rubric scoring parse failed", "error", err, "response", raw)
		return ""
	}

	normalized, err := json.Marshal(rubric)
	if err != nil {
		slog.Debug("rubric scoring marshal failed", "error", err)
		return ""
	}
	return string(normalized)
}
