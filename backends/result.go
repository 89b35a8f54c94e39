package backends

import (
	"fmt"
	"math"
	"strings"
)

// ResultKind tags which branch of Result is populated.
type ResultKind string

const (
	KindLabels      ResultKind = "labels"
	KindDescription ResultKind = "description"
)

// Label is a single ranked label or web entity.
type Label struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// LabelSet is the payload of a vision result.
type LabelSet struct {
	Labels      []Label `json:"labels"`
	WebEntities []Label `json:"web_entities,omitempty"`
}

// Description is the payload of a generative result.
type Description struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Result is the normalised outcome of a successful backend call. Exactly one
// of Labels or Description is set, matching Kind. Results handed out by the
// cache are shared and must be treated as read-only.
type Result struct {
	Mode        Mode         `json:"mode"`
	Kind        ResultKind   `json:"kind"`
	Backend     string       `json:"backend"`
	Model       string       `json:"model,omitempty"`
	Labels      *LabelSet    `json:"labels,omitempty"`
	Description *Description `json:"description,omitempty"`
}

// NewLabelResult builds a vision Result. Scores are rounded to two decimals.
func NewLabelResult(labels, webEntities []Label) *Result {
	return &Result{
		Mode: ModeVision,
		Kind: KindLabels,
		Labels: &LabelSet{
			Labels:      roundScores(labels),
			WebEntities: roundScores(webEntities),
		},
	}
}

// NewDescriptionResult builds a generative Result.
func NewDescriptionResult(text, finishReason string) *Result {
	return &Result{
		Mode: ModeGenerative,
		Kind: KindDescription,
		Description: &Description{
			Text:         strings.TrimSpace(text),
			FinishReason: finishReason,
		},
	}
}

// Validate checks that the populated branch matches Kind and Mode.
func (r *Result) Validate() error {
	if r == nil {
		return fmt.Errorf("nil result")
	}
	switch r.Kind {
	case KindLabels:
		if r.Labels == nil || r.Description != nil {
			return fmt.Errorf("labels result must carry only a label set")
		}
		if r.Mode != ModeVision {
			return fmt.Errorf("labels result reported for mode %q", r.Mode)
		}
	case KindDescription:
		if r.Description == nil || r.Labels != nil {
			return fmt.Errorf("description result must carry only a description")
		}
		if r.Mode != ModeGenerative {
			return fmt.Errorf("description result reported for mode %q", r.Mode)
		}
		if r.Description.Text == "" {
			return fmt.Errorf("description result has empty text")
		}
	default:
		return fmt.Errorf("unknown result kind %q", r.Kind)
	}
	return nil
}

// Summary returns the headline of the result: the top label for vision
// results, the description text for generative ones.
func (r *Result) Summary() (string, float64) {
	switch {
	case r.Labels != nil && len(r.Labels.Labels) > 0:
		top := r.Labels.Labels[0]
		return top.Name, top.Score
	case r.Description != nil:
		return r.Description.Text, 0
	default:
		return "", 0
	}
}

func roundScores(in []Label) []Label {
	if len(in) == 0 {
		return nil
	}
	out := make([]Label, len(in))
	for i, l := range in {
		out[i] = Label{Name: l.Name, Score: math.Round(l.Score*100) / 100}
	}
	return out
}
