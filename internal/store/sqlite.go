package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/shelfscope/api/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// fixed width so lexical order equals time order
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is the durable job store.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database in dataDir and applies pending
// migrations. Pass ":memory:" for an in-process database.
func OpenSQLite(dataDir string) (*SQLite, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "shelfscope.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// single connection: avoids "database is locked" and keeps :memory: shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// parseMigrationVersion extracts 1 from "001_init.sql".
func parseMigrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration filename %q", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %q: %w", name, err)
	}
	return v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// SaveJob upserts the job snapshot.
func (s *SQLite) SaveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_sessions (id, subject_url, status, error, error_code, job_json, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			error_code = excluded.error_code,
			job_json = excluded.job_json,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		job.ID, job.SubjectURL, string(job.Status), job.Error, job.ErrorCode, string(data),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt), formatTimePtr(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns model.ErrJobNotFound when no row exists.
func (s *SQLite) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT job_json FROM analysis_sessions WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}
	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns one page of summaries, newest first, and the total count.
func (s *SQLite) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.JobSummary, int, error) {
	filter.Normalize()

	where, args := "", []any{}
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM analysis_sessions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, subject_url, status, created_at, completed_at FROM analysis_sessions"+where+
			" ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []model.JobSummary{}
	for rows.Next() {
		var (
			sum       model.JobSummary
			status    string
			created   string
			completed sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.SubjectURL, &status, &created, &completed); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		sum.Status = model.JobStatus(status)
		if sum.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, 0, fmt.Errorf("parse created_at: %w", err)
		}
		if completed.Valid {
			t, err := time.Parse(timeLayout, completed.String)
			if err != nil {
				return nil, 0, fmt.Errorf("parse completed_at: %w", err)
			}
			sum.CompletedAt = &t
		}
		out = append(out, sum)
	}
	return out, total, rows.Err()
}

// SaveRecords replaces the collected records of a job.
func (s *SQLite) SaveRecords(ctx context.Context, jobID string, records []model.CollectedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM product_data WHERE session_id = ?", jobID); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	now := formatTime(time.Now())
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO product_data (session_id, position, url, asin, is_main_product, scrape_success, record_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, i, rec.Locator, rec.ASIN, rec.IsSubject, rec.Success, string(data), now,
		); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	return tx.Commit()
}

// Records returns the collected records of a job in collection order.
func (s *SQLite) Records(ctx context.Context, jobID string) ([]model.CollectedRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT record_json FROM product_data WHERE session_id = ? ORDER BY position", jobID)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	out := []model.CollectedRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec model.CollectedRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEvent stores one progress event. Re-appending a sequence number is a no-op.
func (s *SQLite) AppendEvent(ctx context.Context, ev *model.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_progress (session_id, seq, event_type, phase, phase_status, progress, event_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING`,
		ev.JobID, ev.Seq, ev.Type, string(ev.Phase), string(ev.PhaseStatus), ev.Progress, string(data), formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Events returns the stored events of a job in emission order.
func (s *SQLite) Events(ctx context.Context, jobID string) ([]model.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT event_json FROM agent_progress WHERE session_id = ? ORDER BY seq", jobID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	out := []model.ProgressEvent{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev model.ProgressEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
