package saga

import (
	"fmt"
	"strings"
	"time"
)

// DefaultStepTimeout bounds the wait for a participant response when neither
// the step nor the definition sets an explicit timeout.
const DefaultStepTimeout = 30 * time.Second

// Step is one entry in a saga's ordered step sequence.
type Step struct {
	// Name identifies the step in completion events and compensation
	// bookkeeping. Unique within a definition.
	Name string
	// Command is the transport destination the orchestrator publishes the
	// step's command envelope to.
	Command string
	// CompensationCommand is the destination for the semantically-inverse
	// command issued when a later step fails. Required for every step past
	// the first unless the step is best-effort.
	CompensationCommand string
	// BestEffort marks a step whose failure is absorbed rather than
	// compensated: a failed outcome is logged and treated as completion, and
	// the step is skipped during compensation. Use for non-critical side
	// effects such as notifications.
	BestEffort bool
	// Timeout overrides the definition-level step timeout.
	Timeout time.Duration
}

// Definition is the static, ordered step table for one saga type.
type Definition struct {
	SagaType string
	Steps    []Step
	// StepTimeout applies to every step without its own Timeout. Zero falls
	// back to DefaultStepTimeout.
	StepTimeout time.Duration
}

// Validate checks the structural invariants of a definition.
func (def Definition) Validate() error {
	if strings.TrimSpace(def.SagaType) == "" {
		return ErrSagaTypeRequired
	}

	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %s", ErrDefinitionRequired, def.SagaType)
	}

	seen := make(map[string]bool, len(def.Steps))

	for i, step := range def.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("%w: step %d of %s", ErrStepNameRequired, i, def.SagaType)
		}

		if seen[name] {
			return fmt.Errorf("%w: %s in %s", ErrStepNameDuplicate, name, def.SagaType)
		}

		seen[name] = true

		if strings.TrimSpace(step.Command) == "" {
			return fmt.Errorf("%w: step %s of %s", ErrStepCommandRequired, name, def.SagaType)
		}

		if i > 0 && !step.BestEffort && strings.TrimSpace(step.CompensationCommand) == "" {
			return fmt.Errorf("%w: step %s of %s", ErrCompensationRequired, name, def.SagaType)
		}
	}

	return nil
}

// StepByName returns the step with the given name.
func (def Definition) StepByName(name string) (Step, bool) {
	for _, step := range def.Steps {
		if step.Name == name {
			return step, true
		}
	}

	return Step{}, false
}

// StepTimeoutFor resolves the effective timeout for one step.
func (def Definition) StepTimeoutFor(step Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}

	if def.StepTimeout > 0 {
		return def.StepTimeout
	}

	return DefaultStepTimeout
}

// StepNames returns the ordered step name sequence.
func (def Definition) StepNames() []string {
	names := make([]string, len(def.Steps))
	for i, step := range def.Steps {
		names[i] = step.Name
	}

	return names
}
