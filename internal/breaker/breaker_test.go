package breaker

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() *Manager {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	return NewManager(logger, nil, cfg)
}

func TestExecute_SuccessPassesThrough(t *testing.T) {
	m := testManager()
	res, err := Execute(context.Background(), m, "llm", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.False(t, res.FallbackActive)
	assert.Equal(t, "closed", m.State("llm"))
}

func TestExecute_TripsAfterConsecutiveFailures(t *testing.T) {
	m := testManager()
	failing := func(context.Context) (string, error) { return "", errors.New("boom") }

	for i := 0; i < 2; i++ {
		_, err := Execute(context.Background(), m, "llm", failing)
		assert.Error(t, err)
	}

	assert.Equal(t, "open", m.State("llm"))
	assert.Equal(t, LevelCritical, m.DegradationLevel("llm"))
}

func TestExecute_FallbackServesWhenOpen(t *testing.T) {
	m := testManager()
	failing := func(context.Context) (string, error) { return "", errors.New("boom") }
	for i := 0; i < 2; i++ {
		_, _ = Execute(context.Background(), m, "llm", failing)
	}
	require.Equal(t, "open", m.State("llm"))

	m.RegisterFallback("llm", func(context.Context) (interface{}, error) {
		return "fallback-value", nil
	})

	res, err := Execute(context.Background(), m, "llm", failing)
	require.NoError(t, err)
	assert.True(t, res.FallbackActive)
	assert.Equal(t, "fallback-value", res.Value)
}

func TestExecute_BothPrimaryAndFallbackFail(t *testing.T) {
	m := testManager()
	failing := func(context.Context) (string, error) { return "", errors.New("boom") }
	m.RegisterFallback("chat", func(context.Context) (interface{}, error) {
		return nil, errors.New("fallback also down")
	})

	_, err := Execute(context.Background(), m, "chat", failing)
	assert.Error(t, err)

	met := m.MetricsFor("chat")
	assert.LessOrEqual(t, met.Successful+met.Failed, met.Total)
	assert.Equal(t, uint64(1), met.Total)
	assert.Equal(t, uint64(1), met.Failed)
}

func TestExecute_SuccessResetsConsecutiveFailures(t *testing.T) {
	m := testManager()
	failing := func(context.Context) (string, error) { return "", errors.New("boom") }
	succeeding := func(context.Context) (string, error) { return "ok", nil }

	_, _ = Execute(context.Background(), m, "llm", failing)
	_, _ = Execute(context.Background(), m, "llm", succeeding)
	_, _ = Execute(context.Background(), m, "llm", failing)

	assert.Equal(t, "closed", m.State("llm"), "a success between failures should reset the consecutive count")
}

func TestExecute_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.TimeoutSeconds = 1
	cfg.SuccessThreshold = 3
	m := NewManager(logger, nil, cfg)

	failing := func(context.Context) (string, error) { return "", errors.New("boom") }
	succeeding := func(context.Context) (string, error) { return "ok", nil }

	_, _ = Execute(context.Background(), m, "llm", failing)
	require.Equal(t, "open", m.State("llm"))

	time.Sleep(1100 * time.Millisecond)

	for i := 0; i < cfg.SuccessThreshold-1; i++ {
		_, err := Execute(context.Background(), m, "llm", succeeding)
		require.NoError(t, err)
		assert.Equal(t, "half-open", m.State("llm"), "should still be half-open before the %d-th success threshold is reached", cfg.SuccessThreshold)
	}

	_, err := Execute(context.Background(), m, "llm", succeeding)
	require.NoError(t, err)
	assert.Equal(t, "closed", m.State("llm"), "should close once SuccessThreshold consecutive successes are observed in half-open")
}

func TestSystemDegradationLevel_WorstOfServices(t *testing.T) {
	m := testManager()
	failing := func(context.Context) (string, error) { return "", errors.New("boom") }
	succeeding := func(context.Context) (string, error) { return "ok", nil }

	_, _ = Execute(context.Background(), m, "chat", succeeding)
	for i := 0; i < 2; i++ {
		_, _ = Execute(context.Background(), m, "llm", failing)
	}

	assert.Equal(t, LevelCritical, m.SystemDegradationLevel())
}

func TestAlertAdmin_ThrottledWithinWindow(t *testing.T) {
	m := testManager()
	sink := &recordingSink{}
	m.alerts = sink

	failing := func(context.Context) (string, error) { return "", errors.New("same error") }
	_, _ = Execute(context.Background(), m, "chat", failing)
	_, _ = Execute(context.Background(), m, "chat", failing)

	assert.Equal(t, 1, sink.calls, "second identical alert within the hour should be suppressed")
}

type recordingSink struct {
	calls int
}

func (r *recordingSink) Set(ctx context.Context, key, value, description string) error {
	r.calls++
	return nil
}
