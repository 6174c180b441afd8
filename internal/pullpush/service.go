package pullpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"hls-pullpush/internal/output"
	"hls-pullpush/internal/platform/metrics"
)

// ErrFetcherNotFound is returned when a fetcher ID is not in the registry.
var ErrFetcherNotFound = errors.New("fetcher not found")

// SourceFactory builds a Source for the given playlist URL. Injected so
// tests and embedders can substitute the poller.
type SourceFactory func(url string) Source

// Service owns the session registry and the output plugin registry and
// applies the fetcher lifecycle rules; the HTTP handler delegates to it.
type Service struct {
	registry       *Registry
	plugins        *output.Registry
	newSource      SourceFactory
	defaultWorkers int
	fetchTimeout   time.Duration
	log            *slog.Logger
	metrics        *metrics.Metrics
}

// NewService wires a Service. defaultWorkers bounds upload concurrency for
// requests that do not set their own; non-positive values fall back to
// DefaultConcurrency.
func NewService(plugins *output.Registry, newSource SourceFactory, defaultWorkers int, fetchTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Service {
	if defaultWorkers <= 0 {
		defaultWorkers = DefaultConcurrency
	}
	return &Service{
		registry:       NewRegistry(),
		plugins:        plugins,
		newSource:      newSource,
		defaultWorkers: defaultWorkers,
		fetchTimeout:   fetchTimeout,
		log:            log,
		metrics:        m,
	}
}

// StartFetcherRequest is the validated POST /fetcher body.
type StartFetcherRequest struct {
	Name        string          `json:"name"`
	URL         string          `json:"url"`
	Output      string          `json:"output"`
	Payload     json.RawMessage `json:"payload"`
	Concurrency int             `json:"concurrency,omitempty"`
	WindowSize  int             `json:"windowSize,omitempty"`
}

// StartFetcher validates the request, builds the destination from the named
// plugin, and creates and starts a session. Plugin and payload validation
// errors fail the whole request; no session is created.
func (svc *Service) StartFetcher(req StartFetcherRequest) (*Session, error) {
	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid source url %q", req.URL)
	}

	plugin, err := svc.plugins.Get(req.Output)
	if err != nil {
		return nil, err
	}
	dest, err := plugin.CreateOutputDestination(req.Payload, svc.log)
	if err != nil {
		return nil, fmt.Errorf("output destination rejected payload: %w", err)
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = svc.defaultWorkers
	}
	session := NewSession(SessionParams{
		Name:         req.Name,
		URL:          u.String(),
		DestName:     req.Output,
		Destination:  dest,
		Source:       svc.newSource(u.String()),
		Concurrency:  concurrency,
		WindowSize:   req.WindowSize,
		FetchTimeout: svc.fetchTimeout,
		Log:          svc.log,
		Metrics:      svc.metrics,
	})
	svc.registry.Add(session)
	svc.log.Info("fetcher session created",
		slog.String("session_id", session.ID),
		slog.String("name", req.Name),
		slog.String("url", req.URL),
		slog.String("dest", req.Output))
	return session, nil
}

// StopFetcher stops the identified session (awaiting its full stop sequence)
// and removes it from the registry.
func (svc *Service) StopFetcher(ctx context.Context, fetcherID string) error {
	session, ok := svc.registry.Get(fetcherID)
	if !ok {
		return ErrFetcherNotFound
	}
	if err := session.Stop(ctx); err != nil {
		return err
	}
	svc.registry.Remove(fetcherID)
	svc.log.Info("fetcher session deleted", slog.String("session_id", fetcherID))
	return nil
}

// ActiveFetchers lists all sessions still active, pruning inactive ones.
func (svc *Service) ActiveFetchers() []FetcherInfo {
	return svc.registry.ActiveList()
}

// ActiveFetcherCount returns the number of active sessions. Used for metrics.
func (svc *Service) ActiveFetcherCount() int {
	return svc.registry.ActiveCount()
}
