package reasoning

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/maverde73/cortex-flow-sub000/model"
)

type (
	// Reflector scores a draft answer against its task. Scores are in [0, 1];
	// higher is better. The critique explains what to improve and is fed back
	// to the model verbatim on a refinement cycle.
	Reflector interface {
		Reflect(ctx context.Context, task, draft string) (score float64, critique string, err error)
	}

	// ReflectionConfig enables self-assessment of final answers.
	ReflectionConfig struct {
		// Reflector scores drafts. Required when reflection is enabled.
		Reflector Reflector
		// Threshold is the minimum acceptable score. Drafts at or above it
		// are accepted as-is.
		Threshold float64
		// MaxRefinements caps how many refine cycles a run may consume. When
		// exhausted, the best draft is returned flagged for quality review.
		MaxRefinements int
	}

	// ModelReflector implements Reflector with a second model call that asks
	// for a numeric score and a critique in a fixed line format.
	ModelReflector struct {
		// Client invokes the scoring model.
		Client model.Client
		// Model optionally overrides the adapter default for scoring calls.
		Model string
	}
)

const reflectSystemPrompt = `You are a strict quality reviewer. Given a task and a draft answer, respond with exactly two lines:
score: <number between 0.0 and 1.0>
critique: <one or two sentences on what to improve, or "none" if the draft is excellent>`

// Reflect implements Reflector.
func (m *ModelReflector) Reflect(ctx context.Context, task, draft string) (float64, string, error) {
	resp, err := m.Client.Complete(ctx, model.Request{
		Model: m.Model,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: reflectSystemPrompt},
			{Role: model.RoleUser, Content: "Task:\n" + task + "\n\nDraft answer:\n" + draft},
		},
	})
	if err != nil {
		return 0, "", fmt.Errorf("reflection call: %w", err)
	}
	return parseReflection(resp.Text)
}

// parseReflection extracts the score and critique lines from a reviewer
// response. Tolerates extra prose around the expected lines but requires a
// parseable score.
func parseReflection(text string) (float64, string, error) {
	var (
		score    float64
		critique string
		found    bool
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(strings.ToLower(line), "score:"):
			raw := strings.TrimSpace(line[len("score:"):])
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return 0, "", fmt.Errorf("unparseable reflection score %q", raw)
			}
			score, found = v, true
		case strings.HasPrefix(strings.ToLower(line), "critique:"):
			critique = strings.TrimSpace(line[len("critique:"):])
		}
	}
	if !found {
		return 0, "", fmt.Errorf("reflection response missing score line: %q", text)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, critique, nil
}
