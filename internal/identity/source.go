package identity

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parley/parley/internal/common/database"
)

// TableSource reads the directory from a Postgres table with columns
// user_id, name, is_expert, and expert_domains (comma-separated text).
type TableSource struct {
	db    *database.DB
	table string
}

var _ Source = (*TableSource)(nil)

// NewTableSource binds a directory table. An empty table name defaults to
// "identities".
func NewTableSource(db *database.DB, table string) *TableSource {
	if table == "" {
		table = "identities"
	}
	return &TableSource{db: db, table: table}
}

func (t *TableSource) Load(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf(
		`SELECT user_id, COALESCE(name, ''), is_expert, COALESCE(expert_domains, '') FROM %s`,
		t.table,
	)
	rows, err := t.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query identity table: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var domains string
		if err := rows.Scan(&r.UserID, &r.Name, &r.IsExpert, &domains); err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		r.ExpertDomains = splitDomains(domains)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read identity table: %w", err)
	}
	return records, nil
}

func splitDomains(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if d := normalizeDomain(p); d != "" {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// FileSource reads the directory from a YAML file. Used in standalone mode
// and for deployments without a directory database.
type FileSource struct {
	path string
}

var _ Source = (*FileSource)(nil)

// NewFileSource binds a directory file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Load(ctx context.Context) ([]Record, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var doc struct {
		Users []Record `yaml:"users"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", f.path, err)
	}
	return doc.Users, nil
}

// StaticSource serves a fixed record set. Used in tests and when no
// directory is configured.
type StaticSource struct {
	records []Record
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource wraps a fixed record set.
func NewStaticSource(records ...Record) *StaticSource {
	return &StaticSource{records: records}
}

func (s *StaticSource) Load(ctx context.Context) ([]Record, error) {
	return s.records, nil
}
