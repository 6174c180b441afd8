package pullpush

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"hls-pullpush/internal/output"
)

const (
	// DefaultConcurrency bounds the upload workers when neither the request
	// nor the environment configures a limit.
	DefaultConcurrency = 16

	maxFetchRetries     = 3
	fetchRetryDelay     = 1 * time.Second
	defaultFetchTimeout = 5 * time.Second
)

// SegmentUpload is one segment queue item: fetch URI, upload as FileName.
// Position is the segment's offset within its batch, used to strike failed
// segments from the cache before merging.
type SegmentUpload struct {
	URI      string
	FileName string
	Position int
}

// ManifestUpload is one manifest queue item.
type ManifestUpload struct {
	FileName string
	FileData string
}

// Uploader drives the two bounded-concurrency upload queues of one session.
// Submitting a batch blocks until every item resolved, giving the session a
// barrier between "segments uploaded" and "manifests referencing them
// uploaded".
type Uploader struct {
	dest         output.Destination
	client       *http.Client
	concurrency  int
	fetchTimeout time.Duration
	log          *slog.Logger
}

// NewUploader returns an Uploader pushing to dest with at most concurrency
// in-flight items per batch. A non-positive concurrency falls back to
// DefaultConcurrency, a non-positive fetchTimeout to 5s.
func NewUploader(dest output.Destination, concurrency int, fetchTimeout time.Duration, log *slog.Logger) *Uploader {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	return &Uploader{
		dest:         dest,
		client:       &http.Client{},
		concurrency:  concurrency,
		fetchTimeout: fetchTimeout,
		log:          log,
	}
}

// UploadSegments fetches every item's source bytes with retry and hands them
// to the destination. The returned slice aligns with items; a false entry
// means the item permanently failed after exhausting its retries.
func (u *Uploader) UploadSegments(ctx context.Context, items []SegmentUpload) []bool {
	results := make([]bool, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			data, ok := u.fetchSegment(gctx, item.URI)
			if !ok {
				return nil
			}
			results[i] = u.dest.UploadMediaSegment(gctx, output.FileUpload{
				FileName:    item.FileName,
				ContentType: ContentTypeFor(item.FileName),
				Data:        data,
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// UploadManifests pushes rendered manifest text to the destination. The
// returned slice aligns with items.
func (u *Uploader) UploadManifests(ctx context.Context, items []ManifestUpload) []bool {
	results := make([]bool, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			results[i] = u.dest.UploadMediaPlaylist(gctx, output.FileUpload{
				FileName:    item.FileName,
				ContentType: ContentTypeFor(item.FileName),
				Data:        []byte(item.FileData),
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DeleteSegment removes a previously uploaded segment when the destination
// supports deletion; otherwise it is a no-op.
func (u *Uploader) DeleteSegment(ctx context.Context, fileName string) {
	if deleter, ok := u.dest.(output.SegmentDeleter); ok {
		deleter.DeleteMediaSegment(ctx, fileName)
	}
}

// fetchSegment GETs uri with a per-attempt timeout. A non-2xx response or a
// timed-out attempt consumes one retry slot; once the ceiling is reached the
// fetch reports failure instead of returning an error.
func (u *Uploader) fetchSegment(ctx context.Context, uri string) ([]byte, bool) {
	for attempt := 1; attempt <= maxFetchRetries; attempt++ {
		data, retryable := u.fetchOnce(ctx, uri, attempt)
		if data != nil {
			return data, true
		}
		if !retryable || attempt == maxFetchRetries {
			break
		}
		select {
		case <-time.After(fetchRetryDelay):
		case <-ctx.Done():
			return nil, false
		}
	}
	u.log.Error("segment fetch failed after retries", slog.String("uri", uri))
	return nil, false
}

func (u *Uploader) fetchOnce(ctx context.Context, uri string, attempt int) (data []byte, retryable bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, u.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, uri, nil)
	if err != nil {
		u.log.Error("building segment request failed",
			slog.String("uri", uri),
			slog.String("error", err.Error()))
		return nil, false
	}
	resp, err := u.client.Do(req)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			u.log.Warn("segment fetch timed out",
				slog.String("uri", uri),
				slog.Int("attempt", attempt),
				slog.Duration("timeout", u.fetchTimeout))
			return nil, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		// Refused/reset connections and DNS hiccups are transient; they
		// consume a retry slot like a non-2xx response.
		u.log.Warn("segment fetch failed",
			slog.String("uri", uri),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return nil, true
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		u.log.Warn("segment unreachable",
			slog.String("uri", uri),
			slog.Int("status", resp.StatusCode),
			slog.Int("retries_left", maxFetchRetries-attempt))
		return nil, true
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		u.log.Error("reading segment body failed",
			slog.String("uri", uri),
			slog.String("error", err.Error()))
		return nil, true
	}
	return body, false
}
