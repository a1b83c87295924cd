// Package audit journals low-confidence routing decisions as line-delimited
// JSON for offline review. A single writer goroutine owns the file, so
// concurrent appends can never interleave bytes within a record; the queue
// in front of it is bounded and lossy because the journal must never block
// a turn.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/events"
	"github.com/parley/parley/internal/router"
	"github.com/parley/parley/internal/session"
)

// previewLen caps the message preview stored per record, counting the
// truncation marker.
const previewLen = 100

// AlertFunc receives records whose confidence falls below the alert
// threshold. Wiring injects a sink that publishes the operational alert.
type AlertFunc func(rec Record)

// Record is one journal line.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	EventType      string    `json:"event_type"`
	UserID         string    `json:"user_id"`
	MessagePreview string    `json:"message_preview"`
	Decision       string    `json:"decision"`
	Confidence     float64   `json:"confidence"`
	Reasoning      string    `json:"reasoning"`
	MatchedRole    string    `json:"matched_role,omitempty"`
	AuditRequired  bool      `json:"audit_required"`
	Reviewed       bool      `json:"reviewed"`
}

// Stats is the journal's operational snapshot.
type Stats struct {
	Path    string `json:"path"`
	Written int64  `json:"written"`
	Dropped int64  `json:"dropped"`
	Pending int    `json:"pending"`
}

// Journal appends records to a JSONL file through one writer goroutine.
type Journal struct {
	path  string
	file  *os.File
	alert AlertFunc
	log   *logger.Logger
	now   func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Record

	wg      sync.WaitGroup
	written atomic.Int64
	dropped atomic.Int64
}

// New opens (or creates) the journal file and starts the writer. alert may
// be nil.
func New(path string, bufferSize int, alert AlertFunc, log *logger.Logger) (*Journal, error) {
	if log == nil {
		log = logger.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}

	j := &Journal{
		path:  path,
		file:  file,
		alert: alert,
		log:   log.WithFields(zap.String("component", "audit"), zap.String("path", path)),
		now:   time.Now,
		queue: make(chan Record, bufferSize),
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// SetClock overrides the journal's clock. Test hook.
func (j *Journal) SetClock(now func() time.Time) { j.now = now }

// RecordDecision journals one routing decision for userID's message.
func (j *Journal) RecordDecision(userID, message string, d router.Decision) {
	j.Append(Record{
		EventType:      events.RoutingAudited,
		UserID:         userID,
		MessagePreview: session.Truncate(message, previewLen-1),
		Decision:       d.Decision,
		Confidence:     d.Confidence,
		Reasoning:      d.Reasoning,
		MatchedRole:    d.MatchedRole,
		AuditRequired:  d.AuditRequired(),
	})
}

// Append enqueues a record without blocking. A full queue drops the record
// and counts it; a closed journal ignores it.
func (j *Journal) Append(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = j.now()
	}
	rec.Reviewed = false

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- rec:
	default:
		j.dropped.Add(1)
		j.log.Error("audit queue full, record dropped",
			zap.String("user_id", rec.UserID),
			zap.String("decision", rec.Decision))
	}
}

// Stats reports journal counters and the file location.
func (j *Journal) Stats() Stats {
	return Stats{
		Path:    j.path,
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Pending: len(j.queue),
	}
}

// Close drains pending records and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	j.wg.Wait()
	return j.file.Close()
}

// run is the sole writer. Each record is flushed before the next is taken
// so a crash loses at most the in-flight line.
func (j *Journal) run() {
	defer j.wg.Done()
	for rec := range j.queue {
		data, err := json.Marshal(rec)
		if err != nil {
			j.log.Error("audit record not serializable", zap.Error(err))
			continue
		}
		data = append(data, '\n')
		if _, err := j.file.Write(data); err != nil {
			j.log.Error("audit write failed", zap.Error(err))
			continue
		}
		if err := j.file.Sync(); err != nil {
			j.log.Warn("audit sync failed", zap.Error(err))
		}
		j.written.Add(1)

		if j.alert != nil && rec.Confidence < router.ConfidenceFloor {
			j.alert(rec)
		}
	}
}
