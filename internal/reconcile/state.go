package reconcile

import (
	"sync"
	"time"
)

// CycleStatus is the outcome of a single reconciliation cycle (spec.md §9's
// explicit Success/Failed sum type, in place of exception-driven control
// flow).
type CycleStatus string

const (
	CycleSuccess CycleStatus = "success"
	CycleFailed  CycleStatus = "failed"
)

// CycleResult is the memoized outcome recorded by the lifecycle after every
// cycle (spec.md §4.1, §6.6).
type CycleResult struct {
	CycleID   string
	Status    CycleStatus
	Error     string
	Mode      string
	StartedAt time.Time
	Counts    map[string]int
}

// Override records a forced startup-gate bypass (spec.md §3.1's
// OverrideContext).
type Override struct {
	UserID           string
	Reason           string
	Timestamp        time.Time
	LastResult       *CycleResult
}

// ServiceState is the process-wide lifecycle singleton of spec.md §3.1/§4.1:
// the startup gate, elapsed/timeout clock, last-result memo, forced-bypass
// context, and cancellation signal. Every accessor is safe for concurrent
// use — periodic-loop goroutine, HTTP status handlers, and operator bypass
// calls may all touch it at once.
type ServiceState struct {
	mu sync.Mutex

	startupStartedAt time.Time
	startupComplete  bool
	timeout          time.Duration
	dryRun           bool

	lastResult *CycleResult
	override   *Override
	cancelled  bool
}

// NewServiceState starts the startup clock immediately.
func NewServiceState(timeout time.Duration, dryRun bool) *ServiceState {
	return &ServiceState{
		startupStartedAt: time.Now().UTC(),
		timeout:          timeout,
		dryRun:           dryRun,
		startupComplete:  dryRun,
	}
}

// IsStartupComplete implements spec.md §4.1. DryRun mode short-circuits to
// true without ever running a cycle.
func (s *ServiceState) IsStartupComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startupComplete
}

// StartupElapsedSeconds implements spec.md §4.1.
func (s *ServiceState) StartupElapsedSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startupStartedAt).Seconds()
}

// StartupTimedOut implements spec.md §4.1.
func (s *ServiceState) StartupTimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startupStartedAt) > s.timeout
}

// MarkStartupComplete implements spec.md §4.1 point 4. When forced is
// false it just flips the flag (e.g. the orchestrator opening the gate
// after the first successful cycle). When forced is true it requires a
// previously recorded LastResult plus a non-empty userID and reason.
func (s *ServiceState) MarkStartupComplete(forced bool, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !forced {
		s.startupComplete = true
		return nil
	}

	if s.lastResult == nil {
		return &InvalidBypassError{Reason: "no prior reconciliation result recorded"}
	}
	if userID == "" {
		return &InvalidBypassError{Reason: "userID is required"}
	}
	if reason == "" {
		return &InvalidBypassError{Reason: "reason is required"}
	}

	s.override = &Override{
		UserID:     userID,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
		LastResult: s.lastResult,
	}
	s.startupComplete = true
	return nil
}

// OverrideActive implements spec.md §4.1.
func (s *ServiceState) OverrideActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.override != nil
}

// OverrideContext implements spec.md §4.1; returns nil if no bypass has
// been recorded.
func (s *ServiceState) OverrideContext() *Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.override
}

// RecordReconciliationResult implements spec.md §4.1 point 6.
func (s *ServiceState) RecordReconciliationResult(result *CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = result
	if result.Status == CycleSuccess {
		s.startupComplete = true
	}
}

// LastResult returns the most recently recorded cycle result, or nil.
func (s *ServiceState) LastResult() *CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// Stop idempotently signals cancellation to the periodic loop (spec.md §5).
func (s *ServiceState) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

// Stopped reports whether Stop has been called.
func (s *ServiceState) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// DryRun reports whether the service was constructed in dry-run mode.
func (s *ServiceState) DryRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dryRun
}
