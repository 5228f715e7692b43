package models

import (
	"errors"
	"fmt"
)

var (
	ErrConfig               = errors.New("configuration error")
	ErrToolTimeout          = errors.New("tool timed out")
	ErrToolCrash            = errors.New("tool crashed")
	ErrParse                = errors.New("parse error")
	ErrCacheCorruption      = errors.New("cache entry corrupted")
	ErrWriteFailure         = errors.New("report write failure")
	ErrNoOutput             = errors.New("no stage produced output")
	ErrReportAlreadyWritten = errors.New("report already written for run")
	ErrRunThrottled         = errors.New("run skipped by scan history policy")
	ErrInvalidTransition    = errors.New("invalid state transition")
)

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func NewConfigError(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ToolError describes a failed external tool invocation. Kind is either
// ErrToolTimeout or ErrToolCrash.
type ToolError struct {
	Tool     string
	Kind     error
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	if errors.Is(e.Kind, ErrToolTimeout) {
		return fmt.Sprintf("%s: %v", e.Tool, e.Kind)
	}
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v (exit %d): %s", e.Tool, e.Kind, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s: %v (exit %d)", e.Tool, e.Kind, e.ExitCode)
}

func (e *ToolError) Unwrap() error { return e.Kind }

type ParseError struct {
	Tool string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: line %d: %v", e.Tool, e.Line, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }
