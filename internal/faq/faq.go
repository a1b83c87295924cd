// Package faq persists question/answer pairs captured from completed expert
// mediations. The store is capped: once the configured entry limit is
// reached the oldest entries are evicted so the digest the agent consults
// stays small and current.
package faq

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
)

// Entry is one captured question/answer pair.
type Entry struct {
	ID         string    `db:"id" json:"id"`
	Question   string    `db:"question" json:"question"`
	Answer     string    `db:"answer" json:"answer"`
	Domain     string    `db:"domain" json:"domain,omitempty"`
	ExpertName string    `db:"expert_name" json:"expert_name,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Store is the SQLite-backed FAQ store.
type Store struct {
	db         *sqlx.DB
	entryCap   int
	digestPath string
	log        *logger.Logger
	now        func() time.Time

	// mu serializes capture+evict+export so the digest always reflects a
	// consistent snapshot.
	mu sync.Mutex
}

// New opens (or creates) the store at dbPath. digestPath, when non-empty,
// receives a Markdown digest of the current entries after every capture.
func New(dbPath string, entryCap int, digestPath string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if entryCap <= 0 {
		entryCap = 500
	}
	if err := ensureDir(dbPath); err != nil {
		return nil, fmt.Errorf("prepare faq database path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open faq database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:         db,
		entryCap:   entryCap,
		digestPath: digestPath,
		log:        log.WithFields(zap.String("component", "faq-store")),
		now:        time.Now,
	}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("close faq database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("initialize faq schema: %w", err)
	}
	return s, nil
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS faq_entries (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		domain TEXT,
		expert_name TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_faq_created ON faq_entries(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Capture stores one Q/A pair, evicts beyond the entry cap, and refreshes
// the digest. Eviction keeps the newest entries.
func (s *Store) Capture(ctx context.Context, question, answer, domain, expertName string) (*Entry, error) {
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if question == "" || answer == "" {
		return nil, fmt.Errorf("faq capture requires both question and answer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry{
		ID:         uuid.New().String(),
		Question:   question,
		Answer:     answer,
		Domain:     strings.TrimSpace(domain),
		ExpertName: strings.TrimSpace(expertName),
		CreatedAt:  s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO faq_entries (id, question, answer, domain, expert_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Question, entry.Answer, entry.Domain, entry.ExpertName, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert faq entry: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM faq_entries
		WHERE id NOT IN (
			SELECT id FROM faq_entries ORDER BY created_at DESC, rowid DESC LIMIT ?
		)
	`, s.entryCap); err != nil {
		return nil, fmt.Errorf("evict faq entries: %w", err)
	}

	if s.digestPath != "" {
		if err := s.exportDigestLocked(ctx); err != nil {
			s.log.Warn("faq digest export failed", zap.Error(err))
		}
	}
	return entry, nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = s.entryCap
	}
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, question, answer, domain, expert_name, created_at
		FROM faq_entries
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list faq entries: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM faq_entries`); err != nil {
		return 0, fmt.Errorf("count faq entries: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// exportDigestLocked writes the Markdown digest atomically. Callers hold mu.
func (s *Store) exportDigestLocked(ctx context.Context) error {
	entries, err := s.List(ctx, 0)
	if err != nil {
		return err
	}
	return WriteDigest(s.digestPath, entries, s.now().UTC())
}

// WriteDigest renders entries as a Markdown document at path, newest first,
// via a temp file and rename so readers never observe a partial digest.
func WriteDigest(path string, entries []Entry, at time.Time) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create digest directory: %w", err)
		}
	}

	var b strings.Builder
	b.WriteString("# FAQ\n\n")
	fmt.Fprintf(&b, "Updated: %s · Entries: %d\n", at.Format(time.RFC3339), len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "\n## %s\n\n", e.Question)
		if e.Domain != "" || e.ExpertName != "" {
			fmt.Fprintf(&b, "- domain: %s\n- expert: %s\n\n", e.Domain, e.ExpertName)
		}
		b.WriteString(e.Answer)
		b.WriteString("\n")
	}

	tmp, err := os.CreateTemp(dir, ".faq-*.md")
	if err != nil {
		return fmt.Errorf("create digest temp file: %w", err)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write digest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close digest temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace digest: %w", err)
	}
	return nil
}
