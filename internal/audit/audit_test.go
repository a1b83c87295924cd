package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/events"
	"github.com/parley/parley/internal/router"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec), "line %d must parse as a complete object", len(records)+1)
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestJournalWritesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "routing_audit.jsonl")
	j, err := New(path, 16, nil, newTestLogger())
	require.NoError(t, err)

	longMessage := strings.Repeat("expense reimbursement question ", 10)
	j.RecordDecision("emp001", longMessage, router.Decision{
		Decision:    "s1",
		Confidence:  0.62,
		Reasoning:   "weak topical match",
		MatchedRole: router.MatchedUser,
	})
	j.RecordDecision("emp002", "quick one", router.Decision{
		Decision:   router.NewSession,
		Confidence: 0.95,
		Reasoning:  "fresh topic",
	})
	require.NoError(t, j.Close())

	records := readRecords(t, path)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, events.RoutingAudited, first.EventType)
	assert.Equal(t, "emp001", first.UserID)
	assert.LessOrEqual(t, utf8.RuneCountInString(first.MessagePreview), 100)
	assert.Equal(t, "s1", first.Decision)
	assert.True(t, first.AuditRequired)
	assert.False(t, first.Reviewed)
	assert.False(t, first.Timestamp.IsZero())

	assert.False(t, records[1].AuditRequired)
	assert.Equal(t, int64(2), j.Stats().Written)
}

func TestJournalAlertsBelowFloor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	var mu sync.Mutex
	var alerts []Record
	j, err := New(path, 16, func(rec Record) {
		mu.Lock()
		alerts = append(alerts, rec)
		mu.Unlock()
	}, newTestLogger())
	require.NoError(t, err)

	j.RecordDecision("emp001", "hm", router.Decision{Decision: router.NewSession, Confidence: 0.3, Reasoning: "router error: timeout"})
	j.RecordDecision("emp001", "ok", router.Decision{Decision: "s1", Confidence: 0.65, Reasoning: "weak"})
	require.NoError(t, j.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1, "only the below-floor decision alerts")
	assert.Equal(t, "emp001", alerts[0].UserID)
	assert.InDelta(t, 0.3, alerts[0].Confidence, 1e-9)
}

func TestJournalConcurrentAppendsAreRecordAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := New(path, 1024, nil, newTestLogger())
	require.NoError(t, err)

	const writers = 20
	const perWriter = 10
	payload := strings.Repeat("x", 80)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				j.RecordDecision(fmt.Sprintf("user-%d", w), payload, router.Decision{
					Decision:   router.NewSession,
					Confidence: 0.6,
					Reasoning:  payload,
				})
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, j.Close())

	records := readRecords(t, path)
	assert.Len(t, records, writers*perWriter)
	assert.Equal(t, int64(writers*perWriter), j.Stats().Written)
	assert.Zero(t, j.Stats().Dropped)
}

func TestJournalDropsWhenQueueFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	alertEntered := make(chan struct{})
	alertRelease := make(chan struct{})
	j, err := New(path, 1, func(rec Record) {
		close(alertEntered)
		<-alertRelease
	}, newTestLogger())
	require.NoError(t, err)

	// The first record parks the writer inside the alert sink.
	j.RecordDecision("emp001", "first", router.Decision{Confidence: 0.1, Decision: router.NewSession})
	<-alertEntered

	// One record fits the queue; the rest must drop, not block.
	j.RecordDecision("emp001", "second", router.Decision{Confidence: 0.9, Decision: "s1"})
	j.RecordDecision("emp001", "third", router.Decision{Confidence: 0.9, Decision: "s1"})
	j.RecordDecision("emp001", "fourth", router.Decision{Confidence: 0.9, Decision: "s1"})

	assert.Equal(t, int64(2), j.Stats().Dropped)

	close(alertRelease)
	require.NoError(t, j.Close())
	assert.Equal(t, int64(2), j.Stats().Written)
}

func TestJournalCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := New(path, 4, nil, newTestLogger())
	require.NoError(t, err)

	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	// Appends after close are ignored, never a panic.
	j.RecordDecision("emp001", "late", router.Decision{Confidence: 0.4, Decision: router.NewSession})
	assert.Zero(t, j.Stats().Written)
}

func TestJournalStatsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "audit.jsonl")
	j, err := New(path, 4, nil, newTestLogger())
	require.NoError(t, err)
	defer j.Close()

	assert.Equal(t, path, j.Stats().Path)

	j.SetClock(func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) })
	j.RecordDecision("emp001", "hello", router.Decision{Confidence: 0.6, Decision: "s1"})
	require.NoError(t, j.Close())

	records := readRecords(t, path)
	require.Len(t, records, 1)
	assert.Equal(t, 2026, records[0].Timestamp.Year())
}
