package app

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUploadNotFound = errors.New("upload not found")
	ErrUploadNotReady = errors.New("upload is not ready for questions")
	ErrSubmitFailed   = errors.New("upload submission failed")
	ErrInvalidPDF     = errors.New("file is not a readable pdf")
)

// QueryState is a step of answering one question.
type QueryState string

const (
	StateReceived   QueryState = "RECEIVED"
	StateCondensing QueryState = "CONDENSING"
	StateRetrieving QueryState = "RETRIEVING"
	StateGenerating QueryState = "GENERATING"
	StatePersisting QueryState = "PERSISTING"
	StateDone       QueryState = "DONE"
	StateFailed     QueryState = "FAILED"
)

// QueryError reports the state a question failed in.
type QueryError struct {
	State QueryState
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed while %s: %v", e.State, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// BeforeStream reports whether the failure happened before any event could
// have been emitted.
func (e *QueryError) BeforeStream() bool {
	switch e.State {
	case StateReceived, StateCondensing, StateRetrieving:
		return true
	}
	return false
}
