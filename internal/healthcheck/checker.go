// Package healthcheck runs readiness checks against the engine's backends.
package healthcheck

import (
	"context"
	"sync"
	"time"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates the dependency works but is degraded or unused.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
)

const defaultTimeout = 3 * time.Second

// CheckResult is one readiness item.
type CheckResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// Checker evaluates one dependency.
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// Report aggregates check results. Status is the worst item status.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

func (r Report) Ready() bool {
	return r.Status != StatusError
}

// Run evaluates all checkers concurrently under a shared timeout.
func Run(ctx context.Context, timeout time.Duration, checkers ...Checker) Report {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	status := StatusOK
	for _, r := range results {
		switch {
		case r.Status == StatusError:
			status = StatusError
		case r.Status == StatusWarn && status == StatusOK:
			status = StatusWarn
		}
	}
	return Report{Status: status, Checks: results}
}

// Pinger is a backend that can report its connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

type pingChecker struct {
	id     string
	pinger Pinger
}

// NewPingChecker reports an error when the pinger fails.
func NewPingChecker(id string, p Pinger) Checker {
	return pingChecker{id: id, pinger: p}
}

func (c pingChecker) Check(ctx context.Context) CheckResult {
	if err := c.pinger.Ping(ctx); err != nil {
		return CheckResult{ID: c.id, Status: StatusError, Summary: err.Error()}
	}
	return CheckResult{ID: c.id, Status: StatusOK}
}

// Func adapts a plain function to Checker.
type Func func(ctx context.Context) CheckResult

func (f Func) Check(ctx context.Context) CheckResult { return f(ctx) }
