// Package download runs the local download queue: one worker claims
// queued jobs from the repository, fetches the source with the headers
// bound to it, and writes the file under the download directory.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/otakuhub/streamcore/internal/db"
	"github.com/otakuhub/streamcore/internal/log"
	"github.com/otakuhub/streamcore/internal/metrics"
	"github.com/otakuhub/streamcore/internal/model"
)

// Publisher pushes job status changes to event subscribers.
type Publisher interface {
	Publish(event string, payload any)
}

type Worker struct {
	repo       *db.Repository
	httpClient *http.Client
	dir        string
	maxRetries int
	events     Publisher
	logger     zerolog.Logger
	wake       chan struct{}
}

func NewWorker(repo *db.Repository, dir string, maxRetries int, events Publisher) *Worker {
	return &Worker{
		repo: repo,
		// No overall timeout: media files take as long as they take.
		// Per-request cancellation comes from the run context.
		httpClient: &http.Client{},
		dir:        dir,
		maxRetries: maxRetries,
		events:     events,
		logger:     log.WithComponent("download"),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue creates a job for the given source and nudges the worker.
func (w *Worker) Enqueue(ctx context.Context, episodeID, sourceURL string, headers map[string]string) (model.DownloadJob, error) {
	dest := filepath.Join(w.dir, destName(episodeID, sourceURL))
	job, err := w.repo.CreateDownload(ctx, episodeID, sourceURL, headers, dest)
	if err != nil {
		return model.DownloadJob{}, err
	}
	metrics.DownloadJobsTotal.WithLabelValues(string(model.DownloadQueued)).Inc()
	w.events.Publish("download.queued", job)
	w.Notify()
	return job, nil
}

// Notify wakes the worker loop without blocking.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run processes the queue sequentially until ctx is done. Jobs left
// running by a previous process are requeued first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.repo.ResetRunningDownloads(ctx); err != nil {
		w.logger.Error().Err(err).Msg("requeue interrupted downloads")
	} else if n > 0 {
		w.logger.Info().Int64("count", n).Msg("requeued interrupted downloads")
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := w.repo.ClaimNextDownload(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("claim download")
			return
		}
		if !ok {
			return
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job model.DownloadJob) {
	metrics.DownloadJobsTotal.WithLabelValues(string(model.DownloadRunning)).Inc()
	w.events.Publish("download.running", map[string]string{"id": job.ID})

	err := w.fetch(ctx, job)
	if err == nil {
		_ = w.repo.UpdateDownload(ctx, job.ID, model.DownloadCompleted, "")
		metrics.DownloadJobsTotal.WithLabelValues(string(model.DownloadCompleted)).Inc()
		w.events.Publish("download.completed", map[string]string{"id": job.ID, "dest": job.DestPath})
		w.logger.Info().Str("job_id", job.ID).Str("dest", job.DestPath).Msg("download completed")
		return
	}

	if ctx.Err() != nil {
		// Shutting down; leave the job running, startup recovery requeues it.
		return
	}

	if job.Retries < w.maxRetries {
		_ = w.repo.RequeueDownload(ctx, job.ID, err.Error())
		w.events.Publish("download.requeued", map[string]string{"id": job.ID, "error": err.Error()})
		w.logger.Warn().Err(err).Str("job_id", job.ID).Int("retries", job.Retries+1).Msg("download requeued")
		return
	}

	_ = w.repo.UpdateDownload(ctx, job.ID, model.DownloadFailed, err.Error())
	metrics.DownloadJobsTotal.WithLabelValues(string(model.DownloadFailed)).Inc()
	w.events.Publish("download.failed", map[string]string{"id": job.ID, "error": err.Error()})
	w.logger.Error().Err(err).Str("job_id", job.ID).Msg("download failed")
}

// fetch writes the source to a temp file and renames it into place so
// a partial download never looks completed.
func (w *Worker) fetch(ctx context.Context, job model.DownloadJob) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.SourceURL, nil)
	if err != nil {
		return err
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source responded %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(job.DestPath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(job.DestPath), ".download-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), job.DestPath)
}

func destName(episodeID, sourceURL string) string {
	base := sanitize(episodeID)
	ext := ".mp4"
	if u := strings.ToLower(sourceURL); strings.Contains(u, ".m3u8") {
		ext = ".m3u8"
	}
	return base + ext
}

func sanitize(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_", " ", "_")
	out := replacer.Replace(strings.TrimSpace(name))
	if out == "" {
		out = "episode"
	}
	return out
}
