package toolrunner

import (
	"time"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

// ExitPolicy maps a tool's exit status to an outcome. A code that is neither
// a success code nor a no-result code is a crash.
type ExitPolicy struct {
	SuccessCodes  []int
	NoResultCodes []int
	// SilentFailureIsEmpty treats a non-zero exit that wrote nothing to
	// stdout or stderr as "no results".
	SilentFailureIsEmpty bool
}

type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeNoResults
	outcomeCrash
)

func (p ExitPolicy) classify(code int, stdoutEmpty, stderrEmpty bool) outcome {
	success := p.SuccessCodes
	if len(success) == 0 {
		success = []int{0}
	}
	for _, c := range success {
		if c == code {
			return outcomeSuccess
		}
	}
	for _, c := range p.NoResultCodes {
		if c == code {
			return outcomeNoResults
		}
	}
	if p.SilentFailureIsEmpty && code > 0 && stdoutEmpty && stderrEmpty {
		return outcomeNoResults
	}
	return outcomeCrash
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// PoliciesFromConfig builds runner policies from a tool's configuration.
// silentDefault applies when the config leaves silent_failure_is_empty unset.
func PoliciesFromConfig(tc models.ToolConfig, silentDefault bool) (ExitPolicy, RetryPolicy) {
	silent := silentDefault
	if tc.ExitPolicy.SilentFailureIsEmpty != nil {
		silent = *tc.ExitPolicy.SilentFailureIsEmpty
	}
	exit := ExitPolicy{
		SuccessCodes:         tc.ExitPolicy.SuccessCodes,
		NoResultCodes:        tc.ExitPolicy.NoResultCodes,
		SilentFailureIsEmpty: silent,
	}
	maxBackoff := tc.Retry.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Minute
	}
	retry := RetryPolicy{
		Attempts:   tc.Retry.Attempts,
		Backoff:    tc.Retry.Backoff,
		MaxBackoff: maxBackoff,
	}
	return exit, retry
}
