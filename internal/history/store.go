// Package history persists per-user records of past analyses.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Kind separates the two history collections.
type Kind string

const (
	KindImage    Kind = "image"
	KindDocument Kind = "document"
)

// ParseKind accepts singular and plural forms, plus the legacy Portuguese
// names used by older clients.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "images", "imagem", "imagens":
		return KindImage, nil
	case "document", "documents", "documento", "documentos":
		return KindDocument, nil
	}
	return "", fmt.Errorf("unknown history kind %q", s)
}

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("history record not found")
	// ErrForbidden is returned when a record belongs to another user.
	ErrForbidden = errors.New("history record belongs to another user")
)

// Record is one stored history entry. Data holds the kind-specific payload
// as JSON.
type Record struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      Kind            `json:"kind"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Query selects a user's records of one kind, newest first.
type Query struct {
	UserID string
	Kind   Kind
	Limit  int
}

// Store persists history records.
type Store interface {
	Persist(ctx context.Context, rec Record) (Record, error)
	Query(ctx context.Context, q Query) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// SQLStore keeps records in SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// Open opens a store for driver "sqlite" or "postgres".
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	}
	return nil, fmt.Errorf("unsupported history driver %q", driver)
}

// NewSQLiteStore opens (creating if needed) a SQLite history database.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "visao-history.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history store: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &SQLStore{db: db, dialect: "sqlite", now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore connects to a Postgres history database.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres history store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres", now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s history store: %w", s.dialect, err)
	}

	// created_at holds Unix microseconds so ordering is exact on both
	// dialects.
	ddl := []string{`
CREATE TABLE IF NOT EXISTS history_records (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS history_user_kind_created ON history_records (user_id, kind, created_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize history schema: %w", err)
		}
	}
	return nil
}

// bind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Persist stores rec, assigning an id and timestamp when missing.
func (s *SQLStore) Persist(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if len(rec.Data) == 0 {
		rec.Data = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx,
		s.bind(`INSERT INTO history_records(id, user_id, kind, name, data, created_at) VALUES(?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.UserID, string(rec.Kind), rec.Name, string(rec.Data), rec.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("write history record: %w", err)
	}
	return rec, nil
}

// Query returns up to q.Limit records, newest first. A limit <= 0 returns
// nothing.
func (s *SQLStore) Query(ctx context.Context, q Query) ([]Record, error) {
	if q.Limit <= 0 {
		return []Record{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT id, user_id, kind, name, data, created_at FROM history_records
		WHERE user_id = ? AND kind = ? ORDER BY created_at DESC, id DESC LIMIT ?`),
		q.UserID, string(q.Kind), q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history records: %w", err)
	}
	return out, nil
}

// Get returns the record with id, or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		s.bind(`SELECT id, user_id, kind, name, data, created_at FROM history_records WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Delete removes the record with id, or returns ErrNotFound.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM history_records WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete history record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete history record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec     Record
		kind    string
		data    string
		created int64
	)
	if err := sc.Scan(&rec.ID, &rec.UserID, &kind, &rec.Name, &data, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan history record: %w", err)
	}
	rec.Kind = Kind(kind)
	rec.Data = json.RawMessage(data)
	rec.CreatedAt = time.UnixMicro(created).UTC()
	return rec, nil
}
