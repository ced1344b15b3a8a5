package saga

import "errors"

var (
	ErrUnknownSagaType         = errors.New("unknown saga type")
	ErrSagaTypeRequired        = errors.New("saga type is required")
	ErrDefinitionRequired      = errors.New("saga definition requires at least one step")
	ErrStepNameRequired        = errors.New("step name is required")
	ErrStepNameDuplicate       = errors.New("duplicate step name")
	ErrStepCommandRequired     = errors.New("step command is required")
	ErrCompensationRequired    = errors.New("steps past the first require a compensation command")
	ErrDefinitionRegistered    = errors.New("saga type already registered")
	ErrRegistryRequired        = errors.New("saga registry is required")
	ErrStoreRequired           = errors.New("instance store is required")
	ErrSenderRequired          = errors.New("command sender is required")
	ErrOrchestratorRequired    = errors.New("orchestrator is required")
	ErrInstanceRequired        = errors.New("saga instance is required")
	ErrInstanceNotFound        = errors.New("saga instance not found")
	ErrInstanceExists          = errors.New("saga instance already exists")
	ErrInstanceStale           = errors.New("saga instance was modified concurrently")
	ErrStatusInvalid           = errors.New("invalid saga status")
	ErrStatusTransitionInvalid = errors.New("invalid saga status transition")
	ErrSweeperRunning          = errors.New("timeout sweeper is already running")
)
