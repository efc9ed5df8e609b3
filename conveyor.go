package conveyor

import (
	"github.com/petrijr/conveyor/internal/config"
	"github.com/petrijr/conveyor/internal/engine"
	"github.com/petrijr/conveyor/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Executor       = engine.Executor
	ExecuteOptions = engine.ExecuteOptions
	RecoverResult  = engine.RecoverResult
	Config         = config.Config

	State                  = api.State
	BaseState              = api.BaseState
	StateMachine           = api.StateMachine
	StateMachineDefinition = api.StateMachineDefinition
	StateExecutionInstance = api.StateExecutionInstance
	ExecutionContext       = api.ExecutionContext
	ExecutionResponse      = api.ExecutionResponse
	ExecutionStatus        = api.ExecutionStatus
	ErrorStrategy          = api.ErrorStrategy
	ContextElement         = api.ContextElement

	ExecutionEvent        = api.ExecutionEvent
	ExecutionEventAdvice  = api.ExecutionEventAdvice
	ExecutionEventAdvisor = api.ExecutionEventAdvisor
	AdvisorFunc           = api.ExecutionEventAdvisorFunc
	AdviceType            = api.AdviceType

	Interrupt     = api.Interrupt
	InterruptType = api.InterruptType

	Callback        = api.StateMachineExecutionCallback
	CallbackFunc    = api.CallbackFunc
	ChildResponse   = api.ChildResponse
	DelegateService = api.DelegateService
	AlertService    = api.AlertService
	Alert           = api.Alert
	Logger          = api.Logger

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewStateMachine      = api.NewStateMachine
	DefaultConfig        = config.Default
	LoadConfig           = config.Load
	// ErrorCode returns the text code of an executor error, or "".
	ErrorCode = engine.ErrorCode
)

const (
	StatusNew      = api.StatusNew
	StatusQueued   = api.StatusQueued
	StatusStarting = api.StatusStarting
	StatusRunning  = api.StatusRunning
	StatusPaused   = api.StatusPaused
	StatusWaiting  = api.StatusWaiting
	StatusAborting = api.StatusAborting
	StatusSuccess  = api.StatusSuccess
	StatusFailed   = api.StatusFailed
	StatusError    = api.StatusError
	StatusAborted  = api.StatusAborted

	ErrorStrategyFail  = api.ErrorStrategyFail
	ErrorStrategyPause = api.ErrorStrategyPause

	InterruptIgnore       = api.InterruptIgnore
	InterruptResume       = api.InterruptResume
	InterruptMarkSuccess  = api.InterruptMarkSuccess
	InterruptRetry        = api.InterruptRetry
	InterruptAbort        = api.InterruptAbort
	InterruptAbortAll     = api.InterruptAbortAll
	InterruptEndExecution = api.InterruptEndExecution
	InterruptRollback     = api.InterruptRollback
	InterruptPauseAll     = api.InterruptPauseAll
	InterruptResumeAll    = api.InterruptResumeAll
)
