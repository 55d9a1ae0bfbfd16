// Package inject loads a DLL into another process. Three strategies share
// one state machine: Validated, Opened, Staged, Triggered, Awaited, then
// Succeeded or Failed. A failed step aborts the rest of the attempt and
// runs the cleanup matching how far staging had progressed.
package inject

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// State is how far an attempt has progressed.
type State int

const (
	StateInitial State = iota
	StateValidated
	StateOpened
	StateStaged
	StateTriggered
	StateAwaited
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateValidated:
		return "validated"
	case StateOpened:
		return "opened"
	case StateStaged:
		return "staged"
	case StateTriggered:
		return "triggered"
	case StateAwaited:
		return "awaited"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureKind classifies why an attempt died.
type FailureKind int

const (
	KindNone FailureKind = iota
	KindNotFound
	KindMalformedInput
	KindOpenFailure
	KindResourceExhaustion
	KindTransferFailure
	KindSymbolResolution
	KindTriggerFailure
	KindTimeout
	KindCleanupFailure
)

func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not-found"
	case KindMalformedInput:
		return "malformed-input"
	case KindOpenFailure:
		return "open-failure"
	case KindResourceExhaustion:
		return "resource-exhaustion"
	case KindTransferFailure:
		return "transfer-failure"
	case KindSymbolResolution:
		return "symbol-resolution-failure"
	case KindTriggerFailure:
		return "trigger-failure"
	case KindTimeout:
		return "timeout"
	case KindCleanupFailure:
		return "cleanup-failure"
	default:
		return "unknown"
	}
}

// Error carries the failure kind and the step it happened in.
type Error struct {
	Kind FailureKind
	Step State
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// failf builds a classified step error.
func failf(kind FailureKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Request names the target and payload of one attempt. Timeout bounds
// the await step; zero means the 10 second default.
type Request struct {
	PID     uint32
	DLLPath string
	Timeout time.Duration
}

// Result reports what an attempt left behind in the target.
type Result struct {
	Strategy string
	State    State
	// ImageBase is the remote base of the mapped image (manual map only).
	ImageBase uintptr
	// RetainedBase is remote memory intentionally left allocated: the
	// hijack shellcode buffer, or the mapped image.
	RetainedBase uintptr
	RetainedSize uintptr
}

// Strategy is one injection technique broken into the shared steps. A
// Strategy value holds the state of a single attempt and is not reusable.
type Strategy interface {
	Name() string
	Validate(req *Request) error
	Open(req *Request) error
	Stage(req *Request) error
	Trigger(req *Request) error
	// Await blocks until the triggered code finished, where observable.
	// Strategies that cannot observe completion return nil immediately.
	Await(req *Request) error
	// Cleanup releases what the attempt acquired, given the state it
	// reached. Runs on success and on every failure path.
	Cleanup(reached State)
	Result() Result
}

// defaultKinds maps each step to its failure kind when the strategy
// returns an unclassified error.
var defaultKinds = map[State]FailureKind{
	StateValidated: KindNotFound,
	StateOpened:    KindOpenFailure,
	StateStaged:    KindTransferFailure,
	StateTriggered: KindTriggerFailure,
	StateAwaited:   KindTimeout,
}

// Run drives a strategy through the state machine. logger may be nil.
func Run(s Strategy, req Request, logger *logrus.Logger) (Result, error) {
	reached := StateInitial
	debugf := func(format string, args ...interface{}) {
		if logger != nil {
			logger.WithField("strategy", s.Name()).Debugf(format, args...)
		}
	}

	// Cleanup always sees how far the attempt actually got, so a failure
	// between stage and trigger can undo exactly the staged work.
	defer func() {
		s.Cleanup(reached)
	}()

	steps := []struct {
		to State
		fn func(*Request) error
	}{
		{StateValidated, s.Validate},
		{StateOpened, s.Open},
		{StateStaged, s.Stage},
		{StateTriggered, s.Trigger},
		{StateAwaited, s.Await},
	}
	for _, step := range steps {
		if err := step.fn(&req); err != nil {
			serr, ok := err.(*Error)
			if !ok {
				serr = &Error{Kind: defaultKinds[step.to], Err: err}
			}
			serr.Step = step.to
			debugf("failed entering %s after %s: %v", step.to, reached, serr)
			res := s.Result()
			res.State = StateFailed
			return res, serr
		}
		reached = step.to
		debugf("entered %s", reached)
	}
	reached = StateSucceeded
	res := s.Result()
	res.State = StateSucceeded
	debugf("succeeded")
	return res, nil
}
