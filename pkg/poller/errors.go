package poller

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal error
type Kind string

const (
	KindDatabase   Kind = "database"
	KindSink       Kind = "sink"
	KindCheckpoint Kind = "checkpoint"
)

// Process exit codes
const (
	ExitOK       = 0
	ExitUsage    = 1
	ExitConfig   = 2 // configuration or checkpoint fault
	ExitDatabase = 3
	ExitSink     = 4
)

// FatalError ends the poll loop. Nothing after the last successful cycle
// is persisted.
type FatalError struct {
	Kind Kind
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s fault: %v", e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(kind Kind, err error) *FatalError {
	return &FatalError{Kind: kind, Err: err}
}

// ExitCode maps a Run result to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var fe *FatalError
	if !errors.As(err, &fe) {
		return ExitUsage
	}
	switch fe.Kind {
	case KindDatabase:
		return ExitDatabase
	case KindSink:
		return ExitSink
	case KindCheckpoint:
		return ExitConfig
	}
	return ExitUsage
}
