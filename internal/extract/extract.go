// Package extract pulls registration fields out of free-form Portuguese text.
//
// Two extractors are provided: an OpenAI-backed structured extractor and a
// deterministic heuristic fallback. A Chain composes them so extractor
// failures never surface to the caller.
package extract

import (
	"context"
	"log/slog"

	"github.com/saudezap/secretaria/internal/models"
)

// Fields holds the values recognized in one message. Nil means the field was
// not mentioned; extraction merges must never erase an existing answer with
// nil.
type Fields struct {
	Name    *string
	DOB     *string
	CPF     *string
	Address *string
	Consent *bool
}

// Empty reports whether no field was recognized.
func (f *Fields) Empty() bool {
	return f == nil || (f.Name == nil && f.DOB == nil && f.CPF == nil && f.Address == nil && f.Consent == nil)
}

// ToAnswers converts recognized fields to answer-map values. Consent booleans
// are stored as "sim"/"não" so the stored value stays human-readable.
func (f *Fields) ToAnswers() map[models.FieldID]string {
	answers := make(map[models.FieldID]string)
	if f == nil {
		return answers
	}
	if f.Name != nil {
		answers[models.FieldName] = *f.Name
	}
	if f.DOB != nil {
		answers[models.FieldDOB] = *f.DOB
	}
	if f.CPF != nil {
		answers[models.FieldCPF] = *f.CPF
	}
	if f.Address != nil {
		answers[models.FieldAddress] = *f.Address
	}
	if f.Consent != nil {
		if *f.Consent {
			answers[models.FieldConsent] = "sim"
		} else {
			answers[models.FieldConsent] = "não"
		}
	}
	return answers
}

// Extractor recognizes registration fields in a message text.
type Extractor interface {
	Extract(ctx context.Context, text string) (*Fields, error)
}

// Chain tries each extractor in order and returns the first successful
// result. It only errors when every extractor fails.
type Chain struct {
	extractors []Extractor
}

// NewChain composes extractors into a fallback chain.
func NewChain(extractors ...Extractor) *Chain {
	return &Chain{extractors: extractors}
}

func (c *Chain) Extract(ctx context.Context, text string) (*Fields, error) {
	var lastErr error
	for _, e := range c.extractors {
		fields, err := e.Extract(ctx, text)
		if err != nil {
			slog.Debug("Extract chain member failed, trying next", "error", err)
			lastErr = err
			continue
		}
		return fields, nil
	}
	return nil, lastErr
}
