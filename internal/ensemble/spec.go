// Package ensemble runs groups of trained models over one astronomical
// object and reduces each group's outputs to a consensus value.
package ensemble

import (
	"fmt"
	"slices"

	"github.com/SyedDaiam9101/astro-ensemble/internal/modality"
)

// TargetKind tells how a model output is decoded and reduced.
type TargetKind int

const (
	Continuous TargetKind = iota
	Categorical
)

func (k TargetKind) String() string {
	if k == Categorical {
		return "categorical"
	}
	return "continuous"
}

// ConfigError reports a malformed predictor or group. It is only returned
// while building pipelines, never from Process.
type ConfigError struct {
	Subject string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Subject, e.Reason)
}

func configErrorf(subject, format string, args ...any) *ConfigError {
	return &ConfigError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}

// PredictorSpec identifies one trained model and what it consumes and
// produces. A target with a label table is categorical; every other target
// is continuous.
type PredictorSpec struct {
	ID      string
	Inputs  []modality.Modality
	Outputs []string
	Labels  map[string][]string
}

// Kind returns the kind of target.
func (s PredictorSpec) Kind(target string) TargetKind {
	if _, ok := s.Labels[target]; ok {
		return Categorical
	}
	return Continuous
}

// Declares reports whether target is one of the outputs.
func (s PredictorSpec) Declares(target string) bool {
	return slices.Contains(s.Outputs, target)
}

// Validate checks the spec is usable.
func (s PredictorSpec) Validate() error {
	if s.ID == "" {
		return configErrorf("predictor", "empty model id")
	}
	if len(s.Inputs) == 0 {
		return configErrorf(s.ID, "no input modalities")
	}
	if len(s.Outputs) == 0 {
		return configErrorf(s.ID, "no output targets")
	}
	seen := make(map[modality.Modality]bool, len(s.Inputs))
	for _, m := range s.Inputs {
		if !m.Valid() {
			return configErrorf(s.ID, "invalid modality %d", m)
		}
		if seen[m] {
			return configErrorf(s.ID, "modality %s listed twice", m)
		}
		seen[m] = true
	}
	for i, t := range s.Outputs {
		if slices.Contains(s.Outputs[:i], t) {
			return configErrorf(s.ID, "target %s listed twice", t)
		}
	}
	for t, labels := range s.Labels {
		if !s.Declares(t) {
			return configErrorf(s.ID, "label table for undeclared target %s", t)
		}
		if len(labels) == 0 {
			return configErrorf(s.ID, "empty label table for %s", t)
		}
	}
	return nil
}
