// Package prompt holds the fixed templates the critique pipeline feeds to
// the engine. Section headers are part of the product contract: clients and
// tests look for them in generated critiques.
package prompt

import (
	"fmt"
	"strings"

	"github.com/photomentor/pmv/internal/engine"
)

// Section headers every critique is asked to produce.
const (
	SectionWorks       = "What Works Well"
	SectionImprovement = "Areas for Improvement"
)

// VisionInstruction is the fixed instruction for the multimodal describe call.
const VisionInstruction = "Describe this image in detail for a photography composition analysis. " +
	"Focus on the subject, lighting, colors, and arrangement of elements."

const critiqueTemplate = `You are an expert, objective photography critic. Your goal is to provide honest, professional feedback to help a photographer improve their craft.

Based on these principles from your knowledge base:
---
%s
---
And based on the AI's description of the photo:
---
%s
---
Generate a direct and professional critique. Structure it into two sections: '%s' and '%s'.

In '%s', be specific and direct about the photo's flaws and offer actionable advice on how it could have been composed, lit, or executed better. Do not be overly encouraging; be honest and objective.`

// Critique builds the generation messages for a fresh critique. The same
// template is used with and without retrieved context; empty context is not
// an error.
func Critique(description string, passages []string) []engine.Message {
	context := strings.Join(passages, "\n")
	body := fmt.Sprintf(critiqueTemplate, context, description,
		SectionWorks, SectionImprovement, SectionImprovement)
	return []engine.Message{engine.User(body)}
}

const refineTemplate = `You are an expert photography critic. Evolve and refine the prior critique.

Prior critique:
---
%s
---

Image description:
---
%s
---

User instructions (optional):
---
%s
---

Write an improved critique that remains honest and actionable. Keep '%s' and '%s'.`

// Refine builds the generation messages for a refinement pass over a prior
// critique. The image description is the lineage's original, unchanged.
func Refine(priorCritique, description, instructions string) []engine.Message {
	body := fmt.Sprintf(refineTemplate, priorCritique, description, instructions,
		SectionWorks, SectionImprovement)
	return []engine.Message{engine.User(body)}
}

// Rubric builds the best-effort structured-scoring messages. The response is
// expected to be strict JSON; the scoring parser handles models that wrap it
// in prose anyway.
func Rubric(description, critique string) []engine.Message {
	return []engine.Message{
		engine.System("Return strict JSON only with numeric scores."),
		engine.User(fmt.Sprintf(
			"Score 1-5 for composition, lighting, color, technical, originality and include short 'notes'.\nDescription: %s\nCritique: %s",
			description, critique)),
	}
}
