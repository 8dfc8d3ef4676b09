package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "laned/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store persists completed-run records to sqlite.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

type StoreConfig struct {
	Path        string
	BusyTimeout time.Duration
}

func OpenStore(cfg StoreConfig, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return nil
	}
	var started any
	if !rec.Started.IsZero() {
		started = rec.Started.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(lane, task, priority, started, took_ms, outcome, err)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.Lane, rec.Task, rec.Priority, started,
		rec.Duration.Milliseconds(), string(rec.Outcome), nullStr(rec.Error),
	)
	return err
}

// RecentRuns returns up to n persisted records, newest first.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT lane, task, priority, started, took_ms, outcome, err
		 FROM runs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var started sql.NullString
		var tookMS int64
		var outcome string
		var errStr sql.NullString
		if err := rows.Scan(&rec.Lane, &rec.Task, &rec.Priority, &started, &tookMS, &outcome, &errStr); err != nil {
			return nil, err
		}
		if started.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, started.String); perr == nil {
				rec.Started = t
			}
		}
		rec.Duration = time.Duration(tookMS) * time.Millisecond
		rec.Outcome = Outcome(outcome)
		rec.Error = errStr.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
