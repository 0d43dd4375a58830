package models

import "errors"

var (
	ErrMalformedEvent      = errors.New("malformed event")
	ErrNoCapableAgent      = errors.New("no capable agent")
	ErrNotFound            = errors.New("not found")
	ErrUnknownTask         = errors.New("unknown task")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrTaskCancelled       = errors.New("task cancelled")
	ErrUnknownWorkflow     = errors.New("unknown workflow")
	ErrInvalidWorkflow     = errors.New("invalid workflow definition")
	ErrWorkflowStepFailure = errors.New("workflow step failure")
	ErrStaleCompletion     = errors.New("stale completion")
	ErrInvalidSchedule     = errors.New("invalid schedule")
	ErrOutcomeNotApplied   = errors.New("task outcome not applied")
)
