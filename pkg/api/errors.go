package api

import (
	stderrors "errors"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInvalidStateMachine       = "STATE_MACHINE_INVALID"
	ErrCodeStateNotFound             = "STATE_NOT_FOUND"
	ErrCodeChildStateMachineNotFound = "CHILD_STATE_MACHINE_NOT_FOUND"
)

var (
	ErrInvalidStateMachine = goerrors.New("invalid state machine", goerrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidStateMachine)
	ErrStateNotFound = goerrors.New("state not found", goerrors.CategoryBadInput).
				WithTextCode(ErrCodeStateNotFound)
	ErrChildStateMachineNotFound = goerrors.New("child state machine not found", goerrors.CategoryBadInput).
					WithTextCode(ErrCodeChildStateMachineNotFound)
)

// NewCodedError copies base, replacing its message and attaching metadata.
func NewCodedError(base *goerrors.Error, message string, metadata map[string]any) *goerrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of a coded error, or "" if err carries
// none.
func ErrorCode(err error) string {
	var ge *goerrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}
