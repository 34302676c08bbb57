package audit

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/bugtriage/internal/models"
)

type fakeStore struct {
	rows []models.TriageDecision
}

func (f *fakeStore) InsertTriageDecision(ctx context.Context, d models.TriageDecision) error {
	f.rows = append(f.rows, d)
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRecordDecision_PersistsAndUpdatesMetrics(t *testing.T) {
	store := &fakeStore{}
	l := New(store, testLogger())

	d := models.TriageDecision{IssueID: "issue-1", Confidence: 90, CreatedAt: time.Now()}
	require.NoError(t, l.RecordDecision(context.Background(), "issue-1", d, true, true))

	require.Len(t, store.rows, 1)
	snap := l.Snapshot()
	assert.Equal(t, uint64(1), snap.DecisionsLogged)
	assert.Equal(t, uint64(1), snap.AutoAssigned)
	assert.Equal(t, uint64(0), snap.RoutedToHuman)
	assert.Equal(t, uint64(1), snap.DraftsOpened)
	assert.Equal(t, 90.0, snap.AverageConfidence)
}

func TestRecordDecision_RoutedToHumanNotCountedAsAssigned(t *testing.T) {
	store := &fakeStore{}
	l := New(store, testLogger())

	d := models.TriageDecision{IssueID: "issue-2", Confidence: 20, CreatedAt: time.Now()}
	require.NoError(t, l.RecordDecision(context.Background(), "issue-2", d, false, false))

	snap := l.Snapshot()
	assert.Equal(t, uint64(1), snap.RoutedToHuman)
	assert.Equal(t, uint64(0), snap.AutoAssigned)
}

func TestLogSystemEvent_DoesNotPanic(t *testing.T) {
	l := New(&fakeStore{}, testLogger())
	assert.NotPanics(t, func() {
		l.LogSystemEvent("breaker_state_change", map[string]interface{}{"service": "llm"}, logrus.WarnLevel)
	})
}
