package saga

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Instance is the persisted state of one running saga.
//
// Instances are mutated only by the orchestrator while holding the per-saga
// lock; stores enforce optimistic concurrency through Version.
type Instance struct {
	ID       uuid.UUID
	SagaType string
	Status   Status
	// CurrentStep indexes the step whose completion event the orchestrator is
	// waiting for. Always a prefix-consistent position: len(CompletedSteps)
	// equals CurrentStep while the saga moves forward.
	CurrentStep    int
	CompletedSteps []string
	// PendingCompensations lists the completed steps still awaiting
	// compensation, head first, in reverse completion order.
	PendingCompensations []string
	// Context carries the opaque business identifiers every step needs.
	// Participant results are merged into it as steps complete.
	Context map[string]string
	// StepDeadline bounds the wait for the outstanding command's response.
	// Nil when no command is outstanding.
	StepDeadline *time.Time
	// ResendAttempts counts deadline-triggered re-issues of the current
	// compensation command.
	ResendAttempts int
	LastError      string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewInstance creates a saga instance in the Started state.
func NewInstance(sagaType string, businessContext map[string]string) *Instance {
	now := time.Now().UTC()

	ctx := make(map[string]string, len(businessContext))
	for key, value := range businessContext {
		ctx[key] = value
	}

	return &Instance{
		ID:        uuid.New(),
		SagaType:  sagaType,
		Status:    StatusStarted,
		Context:   ctx,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasCompleted reports whether the named step already finished successfully.
func (instance *Instance) HasCompleted(stepName string) bool {
	return slices.Contains(instance.CompletedSteps, stepName)
}

// Terminal reports whether the instance reached an immutable state.
func (instance *Instance) Terminal() bool {
	return instance.Status.IsTerminal()
}

// Transition moves the instance to the next status, enforcing lifecycle rules.
func (instance *Instance) Transition(next Status) error {
	if err := ValidateTransition(instance.Status, next); err != nil {
		return err
	}

	instance.Status = next
	instance.UpdatedAt = time.Now().UTC()

	return nil
}

// MergeResult folds a participant's result values into the saga context.
func (instance *Instance) MergeResult(result map[string]string) {
	if len(result) == 0 {
		return
	}

	if instance.Context == nil {
		instance.Context = make(map[string]string, len(result))
	}

	for key, value := range result {
		instance.Context[key] = value
	}
}

// Clone returns a deep copy, used by in-memory stores to keep callers from
// sharing mutable state.
func (instance *Instance) Clone() *Instance {
	if instance == nil {
		return nil
	}

	clone := *instance
	clone.CompletedSteps = slices.Clone(instance.CompletedSteps)
	clone.PendingCompensations = slices.Clone(instance.PendingCompensations)

	if instance.Context != nil {
		clone.Context = make(map[string]string, len(instance.Context))
		for key, value := range instance.Context {
			clone.Context[key] = value
		}
	}

	if instance.StepDeadline != nil {
		deadline := *instance.StepDeadline
		clone.StepDeadline = &deadline
	}

	return &clone
}
