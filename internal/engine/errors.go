package engine

import (
	goerrors "github.com/goliatone/go-errors"

	"github.com/petrijr/conveyor/pkg/api"
)

const (
	ErrCodeStateConflict          = "ENGINE_STATE_CONFLICT"
	ErrCodeInvalidAsyncResponse   = "ENGINE_INVALID_ASYNC_RESPONSE"
	ErrCodeUnhandledAdvice        = "ENGINE_UNHANDLED_ADVICE"
	ErrCodeUnhandledInterrupt     = "ENGINE_UNHANDLED_INTERRUPT"
	ErrCodeUnhandledCallback      = "ENGINE_UNHANDLED_CALLBACK"
	ErrCodeStateMachineNotFound   = "ENGINE_STATE_MACHINE_NOT_FOUND"
	ErrCodeStateMachineRegistered = "ENGINE_STATE_MACHINE_REGISTERED"
	ErrCodeStateNotFound          = "ENGINE_STATE_NOT_FOUND"
	ErrCodeInstanceNotFound       = "ENGINE_INSTANCE_NOT_FOUND"
	ErrCodeInvalidAdvice          = "ENGINE_INVALID_ADVICE"
	ErrCodeInvalidInterrupt       = "ENGINE_INVALID_INTERRUPT"
	ErrCodeExecutionFailed        = "ENGINE_EXECUTION_FAILED"
)

var (
	ErrStateConflict = goerrors.New("instance was changed by a concurrent actor", goerrors.CategoryConflict).
				WithTextCode(ErrCodeStateConflict)
	ErrInvalidAsyncResponse = goerrors.New("async response without correlation ids", goerrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidAsyncResponse)
	ErrUnhandledAdvice = goerrors.New("unhandled execution event advice", goerrors.CategoryHandler).
				WithTextCode(ErrCodeUnhandledAdvice)
	ErrUnhandledInterrupt = goerrors.New("unhandled interrupt", goerrors.CategoryHandler).
				WithTextCode(ErrCodeUnhandledInterrupt)
	ErrUnhandledCallback = goerrors.New("unhandled notify callback", goerrors.CategoryHandler).
				WithTextCode(ErrCodeUnhandledCallback)
	ErrStateMachineNotFound = goerrors.New("state machine not registered", goerrors.CategoryBadInput).
				WithTextCode(ErrCodeStateMachineNotFound)
	ErrStateMachineRegistered = goerrors.New("a different state machine is registered under this id", goerrors.CategoryConflict).
					WithTextCode(ErrCodeStateMachineRegistered)
	ErrStateNotFound = goerrors.New("state not found", goerrors.CategoryBadInput).
				WithTextCode(ErrCodeStateNotFound)
	ErrInstanceNotFound = goerrors.New("state execution instance not found", goerrors.CategoryBadInput).
				WithTextCode(ErrCodeInstanceNotFound)
	ErrInvalidAdvice = goerrors.New("invalid execution event advice", goerrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidAdvice)
	ErrInvalidInterrupt = goerrors.New("invalid interrupt", goerrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidInterrupt)
	ErrExecutionFailed = goerrors.New("state machine execution did not succeed", goerrors.CategoryHandler).
				WithTextCode(ErrCodeExecutionFailed)
)

func newError(base *goerrors.Error, message string, metadata map[string]any) *goerrors.Error {
	return api.NewCodedError(base, message, metadata)
}

// ErrorCode returns the text code carried by err, or "".
func ErrorCode(err error) string {
	return api.ErrorCode(err)
}

func instanceMeta(inst *api.StateExecutionInstance) map[string]any {
	return map[string]any{
		"execution_uuid": inst.ExecutionUUID,
		"instance_id":    inst.UUID,
		"state":          inst.StateName,
		"status":         string(inst.Status),
	}
}
