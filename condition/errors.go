package condition

import (
	"errors"
	"fmt"

	"github.com/flowflex/stagecondition/rules"
)

// ErrorKind classifies why an evaluation could not follow the normal path.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindParse means the rules document is malformed.
	KindParse
	// KindDataAssembly means component data could not be loaded. It is
	// logged and absorbed, never surfaced to callers.
	KindDataAssembly
	// KindNotFound means the instance does not exist or is not valid.
	KindNotFound
	// KindInfrastructure covers store, lock and transaction failures.
	KindInfrastructure
	// KindAlreadyCompleted means a locked trigger arrived for a stage the
	// instance has already completed.
	KindAlreadyCompleted
)

func (k ErrorKind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindDataAssembly:
		return "data_assembly"
	case KindNotFound:
		return "not_found"
	case KindInfrastructure:
		return "infrastructure"
	case KindAlreadyCompleted:
		return "already_completed"
	default:
		return "unknown"
	}
}

var (
	// ErrInstanceNotFound is returned by stores when an instance is missing.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrLockTimeout is returned by lock implementations when the lock
	// could not be acquired within the allowed wait.
	ErrLockTimeout = errors.New("timed out waiting for instance lock")

	// ErrStageAlreadyCompleted rejects a duplicate completion trigger.
	ErrStageAlreadyCompleted = errors.New("stage already completed")
)

// EvaluationError carries the kind of failure along with the operation
// that failed.
type EvaluationError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *EvaluationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Errors that are not an *EvaluationError are
// classified by their sentinel, defaulting to KindInfrastructure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ee *EvaluationError
	if errors.As(err, &ee) && ee.Kind != KindUnknown {
		return ee.Kind
	}
	switch {
	case rules.IsParseError(err):
		return KindParse
	case errors.Is(err, ErrInstanceNotFound):
		return KindNotFound
	case errors.Is(err, ErrStageAlreadyCompleted):
		return KindAlreadyCompleted
	default:
		return KindInfrastructure
	}
}

func infraError(op string, err error) error {
	return &EvaluationError{Kind: KindInfrastructure, Op: op, Err: err}
}

func notFoundError(op string, err error) error {
	return &EvaluationError{Kind: KindNotFound, Op: op, Err: err}
}

func alreadyCompletedError(stageID string) error {
	return &EvaluationError{
		Kind: KindAlreadyCompleted,
		Op:   "check stage progress",
		Err:  fmt.Errorf("%w: %s", ErrStageAlreadyCompleted, stageID),
	}
}
