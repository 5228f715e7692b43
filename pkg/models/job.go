package models

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
	JobCached  JobStatus = "cached"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobCached},
	JobRunning: {JobDone, JobFailed},
}

// ScanJob is one tool invocation over one target batch.
type ScanJob struct {
	ID          string    `json:"id" yaml:"id"`
	Tool        string    `json:"tool" yaml:"tool"`
	Stage       string    `json:"stage" yaml:"stage"`
	Targets     []string  `json:"targets" yaml:"targets"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	Status      JobStatus `json:"status" yaml:"status"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
	Truncated   bool      `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Transition moves the job forward. Jobs never return to pending.
func (j *ScanJob) Transition(to JobStatus, now time.Time) error {
	for _, allowed := range jobTransitions[j.Status] {
		if allowed != to {
			continue
		}
		switch to {
		case JobRunning:
			j.StartedAt = now
		case JobCached:
			j.StartedAt = now
			j.FinishedAt = now
		default:
			j.FinishedAt = now
		}
		j.Status = to
		return nil
	}
	return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, j.ID, j.Status, to)
}

func (j *ScanJob) Terminal() bool {
	return j.Status == JobDone || j.Status == JobFailed || j.Status == JobCached
}

func (j *ScanJob) Succeeded() bool {
	return j.Status == JobDone || j.Status == JobCached
}

type TargetState string

const (
	StatePending       TargetState = "pending"
	StateReconRunning  TargetState = "recon_running"
	StateReconDone     TargetState = "recon_done"
	StateReconDegraded TargetState = "recon_degraded"
	StateVulnRunning   TargetState = "vuln_running"
	StateComplete      TargetState = "complete"
	StateVulnDegraded  TargetState = "vuln_degraded"
)

var targetTransitions = map[TargetState][]TargetState{
	StatePending:      {StateReconRunning},
	StateReconRunning: {StateReconDone, StateReconDegraded},
	StateReconDone:    {StateVulnRunning, StateComplete},
	StateVulnRunning:  {StateComplete, StateVulnDegraded},
}

func (s TargetState) CanTransition(to TargetState) bool {
	for _, allowed := range targetTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s TargetState) Terminal() bool {
	return s == StateReconDegraded || s == StateComplete || s == StateVulnDegraded
}
