package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/otakuhub/streamcore/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Repository struct {
	db *sql.DB
}

func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists int
		checkErr := db.QueryRow(`SELECT 1 FROM schema_migrations WHERE name = ? LIMIT 1;`, entry.Name()).Scan(&exists)
		if checkErr == nil {
			continue
		}
		if checkErr != sql.ErrNoRows {
			return checkErr
		}

		sqlBytes, readErr := migrationFS.ReadFile("migrations/" + entry.Name())
		if readErr != nil {
			return readErr
		}
		if _, execErr := db.Exec(string(sqlBytes)); execErr != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), execErr)
		}
		if _, insertErr := db.Exec(
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?);`,
			entry.Name(),
			time.Now().UTC().Format(time.RFC3339),
		); insertErr != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), insertErr)
		}
	}
	return nil
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateDownload enqueues one download job.
func (r *Repository) CreateDownload(ctx context.Context, episodeID, sourceURL string, headers map[string]string, destPath string) (model.DownloadJob, error) {
	now := time.Now().UTC()
	job := model.DownloadJob{
		ID:        uuid.NewString(),
		EpisodeID: episodeID,
		SourceURL: sourceURL,
		Headers:   headers,
		DestPath:  destPath,
		Status:    model.DownloadQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rawHeaders, err := json.Marshal(headers)
	if err != nil {
		return model.DownloadJob{}, err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO downloads (id, episode_id, source_url, headers, dest_path, status, error, retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', 0, ?, ?);
	`, job.ID, job.EpisodeID, job.SourceURL, string(rawHeaders), job.DestPath, string(job.Status), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return model.DownloadJob{}, err
	}
	return job, nil
}

// ClaimNextDownload atomically moves the oldest queued job to running.
// The second return value is false when the queue is empty.
func (r *Repository) ClaimNextDownload(ctx context.Context) (model.DownloadJob, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.DownloadJob{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, episode_id, source_url, headers, dest_path, status, error, retries, created_at, updated_at
		FROM downloads
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT 1;
	`, string(model.DownloadQueued))

	job, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return model.DownloadJob{}, false, nil
	}
	if err != nil {
		return model.DownloadJob{}, false, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		UPDATE downloads SET status = ?, updated_at = ? WHERE id = ?;
	`, string(model.DownloadRunning), now, job.ID); err != nil {
		return model.DownloadJob{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.DownloadJob{}, false, err
	}

	job.Status = model.DownloadRunning
	return job, true, nil
}

// UpdateDownload records a terminal or requeue transition.
func (r *Repository) UpdateDownload(ctx context.Context, id string, status model.DownloadStatus, errText string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, error = ?, updated_at = ? WHERE id = ?;
	`, string(status), errText, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

// RequeueDownload puts a failed attempt back in the queue with its
// retry count bumped.
func (r *Repository) RequeueDownload(ctx context.Context, id string, errText string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, error = ?, retries = retries + 1, updated_at = ? WHERE id = ?;
	`, string(model.DownloadQueued), errText, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

// ResetRunningDownloads requeues jobs a previous process left running.
func (r *Repository) ResetRunningDownloads(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, updated_at = ? WHERE status = ?;
	`, string(model.DownloadQueued), time.Now().UTC().Format(time.RFC3339), string(model.DownloadRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) GetDownload(ctx context.Context, id string) (model.DownloadJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, episode_id, source_url, headers, dest_path, status, error, retries, created_at, updated_at
		FROM downloads
		WHERE id = ?
		LIMIT 1;
	`, id)
	return scanDownload(row)
}

func (r *Repository) ListDownloads(ctx context.Context, limit int) ([]model.DownloadJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, episode_id, source_url, headers, dest_path, status, error, retries, created_at, updated_at
		FROM downloads
		ORDER BY created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]model.DownloadJob, 0, limit)
	for rows.Next() {
		job, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (model.DownloadJob, error) {
	var job model.DownloadJob
	var rawHeaders, status, createdAt, updatedAt string
	if err := row.Scan(
		&job.ID,
		&job.EpisodeID,
		&job.SourceURL,
		&rawHeaders,
		&job.DestPath,
		&status,
		&job.Error,
		&job.Retries,
		&createdAt,
		&updatedAt,
	); err != nil {
		return model.DownloadJob{}, err
	}
	if rawHeaders != "" {
		if err := json.Unmarshal([]byte(rawHeaders), &job.Headers); err != nil {
			return model.DownloadJob{}, fmt.Errorf("download %s: headers blob: %w", job.ID, err)
		}
	}
	job.Status = model.DownloadStatus(status)
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return job, nil
}
