package healthcheck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRunAggregatesWorstStatus(t *testing.T) {
	t.Parallel()

	ok := NewPingChecker("store", pingFunc(func(context.Context) error { return nil }))
	warn := Func(func(context.Context) CheckResult { return CheckResult{ID: "channels", Status: StatusWarn} })
	failing := NewPingChecker("events", pingFunc(func(context.Context) error { return errors.New("connection closed") }))

	report := Run(context.Background(), time.Second, ok, warn)
	assert.Equal(t, StatusWarn, report.Status)
	assert.True(t, report.Ready())

	report = Run(context.Background(), time.Second, ok, warn, failing)
	assert.Equal(t, StatusError, report.Status)
	assert.False(t, report.Ready())
	require.Len(t, report.Checks, 3)
	assert.Equal(t, "events", report.Checks[2].ID)
	assert.Equal(t, "connection closed", report.Checks[2].Summary)
}

func TestRunAppliesTimeout(t *testing.T) {
	t.Parallel()

	slow := NewPingChecker("store", pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	start := time.Now()
	report := Run(context.Background(), 50*time.Millisecond, slow)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusError, report.Status)
}

func TestRunWithoutCheckers(t *testing.T) {
	t.Parallel()

	report := Run(context.Background(), 0)
	assert.Equal(t, StatusOK, report.Status)
	assert.Empty(t, report.Checks)
}
