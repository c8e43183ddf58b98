package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrMonitorRunning  = errors.New("monitoring already running")
	ErrNotRunning      = errors.New("monitoring not running")
	ErrMissingToken    = errors.New("auth token is required")
	ErrReplyInProgress = errors.New("another reply is in progress")
	ErrDMUnavailable   = errors.New("direct messages unavailable for this account")
	ErrAlreadyReplied  = errors.New("result already replied")
	ErrLLMUnavailable  = errors.New("llm classifier not configured")
)

// ErrorClass drives retry and recovery decisions
type ErrorClass int

const (
	// ClassTransient failures get bounded local retries and recovery tiers
	ClassTransient ErrorClass = iota
	// ClassTargetState failures describe the remote target and are not retried
	ClassTargetState
	// ClassFatal failures mean the environment is broken
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTargetState:
		return "target_state"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// ReplyStage is a state of the reply/DM workflow
type ReplyStage string

const (
	StageIdle              ReplyStage = "idle"
	StagePrepare           ReplyStage = "prepare"
	StageLocatePendingCard ReplyStage = "locate_pending_card"
	StageCopyShareLink     ReplyStage = "copy_share_link"
	StagePostInlineReply   ReplyStage = "post_inline_reply"
	StageOpenDmThread      ReplyStage = "open_dm_thread"
	StageSendDmLink        ReplyStage = "send_dm_link"
	StageSendDmText        ReplyStage = "send_dm_text"
	StageCourtesyReply     ReplyStage = "courtesy_reply"
	StageDone              ReplyStage = "done"
)

// ReasonedError carries the failing stage, its class and a human-readable reason
type ReasonedError struct {
	Stage  ReplyStage
	Class  ErrorClass
	Reason string
	Err    error
}

func (e *ReasonedError) Error() string {
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "unknown failure"
	}
	if e.Stage != "" {
		msg = string(e.Stage) + ": " + msg
	}
	if e.Err != nil && e.Reason != "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReasonedError) Unwrap() error { return e.Err }

func newReasoned(class ErrorClass, stage ReplyStage, err error, format string, args ...any) *ReasonedError {
	return &ReasonedError{Stage: stage, Class: class, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Transient builds a retryable stage failure
func Transient(stage ReplyStage, err error, format string, args ...any) *ReasonedError {
	return newReasoned(ClassTransient, stage, err, format, args...)
}

// TargetState builds a non-retryable failure caused by the target
func TargetState(stage ReplyStage, err error, format string, args ...any) *ReasonedError {
	return newReasoned(ClassTargetState, stage, err, format, args...)
}

// Fatal builds an environment failure
func Fatal(stage ReplyStage, err error, format string, args ...any) *ReasonedError {
	return newReasoned(ClassFatal, stage, err, format, args...)
}

// ClassOf returns the class of err; unclassified errors are transient
func ClassOf(err error) ErrorClass {
	var re *ReasonedError
	if errors.As(err, &re) {
		return re.Class
	}
	return ClassTransient
}

// StageOf returns the stage recorded in err, or "" if none
func StageOf(err error) ReplyStage {
	var re *ReasonedError
	if errors.As(err, &re) {
		return re.Stage
	}
	return ""
}
