package pullpush

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hls-pullpush/internal/output"
	"hls-pullpush/internal/platform/metrics"
)

// SessionState is the lifecycle phase of a fetcher session.
type SessionState int32

const (
	StateInitializing SessionState = iota
	StateActive
	StateStopping
	StateInactive
)

// defaultLiveWindow is applied when the source turns out to be a LIVE
// playlist and no window was requested: a live relay cannot accumulate
// segments forever.
const defaultLiveWindow = 120

// stopTimeout bounds how long Stop waits for the event loop to drain.
const stopTimeout = 30 * time.Second

// SessionParams carries everything needed to start a fetcher session.
type SessionParams struct {
	Name        string
	URL         string
	DestName    string
	Destination output.Destination
	Source      Source
	Concurrency int
	// WindowSize is the target window in seconds; 0 or negative means
	// unbounded (VOD semantics) until the source type says otherwise.
	WindowSize   int
	FetchTimeout time.Duration
	Log          *slog.Logger
	Metrics      *metrics.Metrics
}

// Session is the per-stream engine: it owns the collected segment cache and
// window counters and reacts to source updates by uploading new segments and
// regenerated manifests. All mutable state is owned by the session's event
// loop goroutine; other goroutines interact only through Stop and the
// read-only accessors.
type Session struct {
	ID      string
	Created time.Time

	name        string
	sourceURL   string
	destName    string
	concurrency int
	source      Source
	uploader    *Uploader
	log         *slog.Logger
	metrics     *metrics.Metrics

	// Event-loop-owned state.
	collected        *SegmentSet
	playlistData     PlaylistData
	targetWindowSize int
	currentWindow    float64
	sourceIsEvent    bool
	atFirstUpdate    bool
	masterUploaded   bool
	sourceType       PlaylistType

	mu     sync.RWMutex
	state  SessionState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession constructs a session and starts its source and event loop.
func NewSession(params SessionParams) *Session {
	windowSize := params.WindowSize
	if windowSize <= 0 {
		windowSize = -1
	}
	s := &Session{
		ID:               uuid.NewString(),
		Created:          time.Now().UTC(),
		name:             params.Name,
		sourceURL:        params.URL,
		destName:         params.DestName,
		concurrency:      params.Concurrency,
		source:           params.Source,
		log:              params.Log,
		metrics:          params.Metrics,
		collected:        NewSegmentSet(),
		targetWindowSize: windowSize,
		atFirstUpdate:    true,
		state:            StateInitializing,
		done:             make(chan struct{}),
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	s.log = s.log.With(slog.String("session_id", s.ID))
	params.Destination.AttachSessionID(s.ID)
	s.uploader = NewUploader(params.Destination, s.concurrency, params.FetchTimeout, s.log)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.setState(StateActive)
	go s.run(ctx)
	return s
}

// IsActive reports whether the session still accepts source updates.
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateActive
}

// Info returns the session fields exposed on the fetcher listing.
func (s *Session) Info() FetcherInfo {
	s.mu.RLock()
	sourceType := s.sourceType.String()
	windowSize := s.targetWindowSize
	s.mu.RUnlock()
	return FetcherInfo{
		FetcherID:          s.ID,
		Created:            s.Created.Format(time.RFC3339),
		Name:               s.name,
		URL:                s.sourceURL,
		Dest:               s.destName,
		Concurrency:        s.concurrency,
		WindowSize:         windowSize,
		SourcePlaylistType: sourceType,
	}
}

// Stop ends the session: the source poller is stopped and the event loop is
// awaited so no update is processed after Stop returns. Stopping an already
// inactive session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateInactive {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.source.Stop()
	s.cancel()

	waitCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	select {
	case <-s.done:
	case <-waitCtx.Done():
		s.setState(StateInactive)
		return waitCtx.Err()
	}
	s.setState(StateInactive)
	s.log.Info("session stopped")
	return nil
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// run is the session's event loop. Updates are handled strictly one at a
// time; the source serializes its own emission, so no two handleUpdate calls
// for one session ever overlap.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	if err := s.source.Start(ctx); err != nil {
		s.log.Error("source start failed", slog.String("error", err.Error()))
		s.setState(StateInactive)
		return
	}
	updates, errs := s.source.Updates(), s.source.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.log.Error("source poller error, stopping session", slog.String("error", err.Error()))
			s.source.Stop()
			s.setState(StateInactive)
			return
		case update, ok := <-updates:
			if !ok {
				s.setState(StateInactive)
				return
			}
			if !s.IsActive() {
				// Stop raced an in-flight event; ignore it.
				continue
			}
			stopAfter := s.handleUpdate(ctx, update)
			if stopAfter {
				s.source.Stop()
				s.setState(StateInactive)
				return
			}
		}
	}
}

// handleUpdate runs the per-update algorithm and reports whether the session
// should stop afterwards (source drained to VOD). Invariant violations abort
// only the current cycle; the session stays active for the next update.
func (s *Session) handleUpdate(ctx context.Context, update SourceUpdate) (stopAfter bool) {
	s.mu.Lock()
	s.sourceType = update.Type
	s.mu.Unlock()

	// 1. Classify source type. EVENT latches; a LIVE source without a
	// configured window gets a default so the relay does not grow unbounded.
	switch update.Type {
	case PlaylistTypeEvent:
		if !s.sourceIsEvent {
			s.sourceIsEvent = true
			s.log.Info("source classified as EVENT, accumulating segments")
		}
	case PlaylistTypeLive:
		if s.targetWindowSize == -1 {
			// Info reads targetWindowSize from API goroutines.
			s.mu.Lock()
			s.targetWindowSize = defaultLiveWindow
			s.mu.Unlock()
		}
	case PlaylistTypeVOD:
		s.log.Info("source playlist became VOD, session will stop after this update")
		stopAfter = true
	}

	ref := update.Segments.ReferenceTrack()
	if ref == nil {
		s.log.Error("source update without a video rendition, aborting cycle")
		return stopAfter
	}
	s.log.Debug("source update received",
		slog.String("type", update.Type.String()),
		slog.Int("source_segments", len(ref.SegList)))

	// 2. Multivariant manifest goes up once; a failed attempt is retried on
	// the next update.
	if !s.masterUploaded && update.MasterManifest != "" {
		s.uploadMaster(ctx, update)
	}

	// 3./4. Diff the source snapshot against the cache. The first update of
	// a VOD source takes the entire snapshot: there is no prior state and
	// the backlog is the content.
	var batch *SegmentSet
	if s.atFirstUpdate && update.Type == PlaylistTypeVOD {
		batch = update.Segments.Clone()
	} else {
		batch = NewestSince(update.Segments, LatestIndex(s.collected))
	}

	// 5. Upload the batch and wait for every item.
	items := s.segmentUploadItems(batch)
	uploadResults := s.uploader.UploadSegments(ctx, items)

	// 6. A segment that never reached the destination must not enter the
	// cache; strike it and mark the gap.
	failed := failedPositions(items, uploadResults)
	if len(failed) > 0 {
		s.log.Warn("dropping segments that failed to upload", slog.Int("count", len(failed)))
		RemoveFailed(batch, failed)
	}
	if s.metrics != nil {
		s.metrics.AddSegmentsUploaded(len(items) - len(failed))
		s.metrics.AddSegmentUploadFailures(len(failed))
	}

	// 7. Merge the surviving batch; track window growth on the reference
	// rendition when a bounded window is in effect.
	added := Merge(s.collected, batch, s.log)
	if s.targetWindowSize != -1 {
		s.currentWindow += added
	}

	// 8. Evict down to the window and roll the released counts into the
	// output manifest counters.
	if s.targetWindowSize != -1 {
		ev := EvictToWindow(s.collected, s.currentWindow, float64(s.targetWindowSize))
		s.currentWindow -= ev.DurationReleased
		s.playlistData.MSeq += ev.SegmentsReleased
		s.playlistData.DSeq += ev.DiscontinuityReleased
		if ev.SegmentsReleased > 0 {
			s.log.Debug("window eviction",
				slog.Int64("segments_released", ev.SegmentsReleased),
				slog.Int64("mseq", s.playlistData.MSeq),
				slog.Int64("dseq", s.playlistData.DSeq),
				slog.Float64("current_window", s.currentWindow))
		}
		s.deleteEvicted(ctx, ev.Removed)
	}

	// 9. Target duration reflects the current cache contents.
	s.playlistData.TargetDur = TargetDuration(s.collected)

	// 10. Render and upload a manifest per rendition.
	manifests := s.manifestUploadItems()
	manifestResults := s.uploader.UploadManifests(ctx, manifests)
	uploaded := 0
	for _, ok := range manifestResults {
		if ok {
			uploaded++
		}
	}
	if s.metrics != nil {
		s.metrics.AddManifestsUploaded(uploaded)
	}
	s.log.Debug("update cycle finished",
		slog.Int("segments", len(items)),
		slog.Int("manifests", uploaded))

	// 11. First update handled.
	s.atFirstUpdate = false
	return stopAfter
}

func (s *Session) uploadMaster(ctx context.Context, update SourceUpdate) {
	master := RewriteMasterManifest(update.MasterManifest, update.Segments)
	ok := s.uploader.UploadManifests(ctx, []ManifestUpload{{
		FileName: MasterFileName,
		FileData: master,
	}})
	if len(ok) == 1 && ok[0] {
		s.masterUploaded = true
		s.log.Info("multivariant manifest uploaded", slog.String("file", MasterFileName))
	} else {
		s.log.Warn("multivariant manifest upload failed, retrying on next update")
	}
}

// segmentUploadItems flattens a batch into queue items, walking position by
// position so all renditions of one position are submitted before the next.
func (s *Session) segmentUploadItems(batch *SegmentSet) []SegmentUpload {
	var items []SegmentUpload
	ref := batch.ReferenceTrack()
	if ref == nil {
		return items
	}
	bws := batch.Bandwidths()
	for i := 0; i < len(ref.SegList); i++ {
		for _, bw := range bws {
			track := batch.Video[bw]
			if i >= len(track.SegList) {
				continue
			}
			seg := track.SegList[i]
			if seg.URI == "" || seg.Index == nil {
				continue
			}
			items = append(items, SegmentUpload{
				URI:      seg.URI,
				FileName: SegmentFileName(VideoRenditionKey(bw), *seg.Index, seg.URI, "ts"),
				Position: i,
			})
		}
		items = append(items, extraUploadItems(batch.Audio, i, "aac")...)
		items = append(items, extraUploadItems(batch.Subtitle, i, "vtt")...)
	}
	return items
}

func extraUploadItems(tracks map[string]map[string]*RenditionTrack, position int, fallbackExt string) []SegmentUpload {
	var items []SegmentUpload
	for _, group := range sortedKeys(tracks) {
		for _, lang := range sortedKeys(tracks[group]) {
			track := tracks[group][lang]
			if position >= len(track.SegList) {
				continue
			}
			seg := track.SegList[position]
			if seg.URI == "" || seg.Index == nil {
				continue
			}
			items = append(items, SegmentUpload{
				URI:      seg.URI,
				FileName: SegmentFileName(ExtraRenditionKey(group, lang), *seg.Index, seg.URI, fallbackExt),
				Position: position,
			})
		}
	}
	return items
}

// failedPositions maps upload results back to batch positions. A failure of
// any rendition at a position strikes that whole position so the renditions
// stay in lockstep.
func failedPositions(items []SegmentUpload, results []bool) []int {
	seen := make(map[int]bool)
	var failed []int
	for i, item := range items {
		if i < len(results) && !results[i] && !seen[item.Position] {
			seen[item.Position] = true
			failed = append(failed, item.Position)
		}
	}
	return failed
}

func (s *Session) manifestUploadItems() []ManifestUpload {
	var items []ManifestUpload
	for _, bw := range s.collected.Bandwidths() {
		rendition := VideoRenditionKey(bw)
		items = append(items, ManifestUpload{
			FileName: PlaylistFileName(rendition),
			FileData: RenderMediaPlaylist(s.collected.Video[bw], rendition, s.playlistData, "ts"),
		})
	}
	for _, group := range sortedKeys(s.collected.Audio) {
		for _, lang := range sortedKeys(s.collected.Audio[group]) {
			rendition := ExtraRenditionKey(group, lang)
			items = append(items, ManifestUpload{
				FileName: PlaylistFileName(rendition),
				FileData: RenderMediaPlaylist(s.collected.Audio[group][lang], rendition, s.playlistData, "aac"),
			})
		}
	}
	for _, group := range sortedKeys(s.collected.Subtitle) {
		for _, lang := range sortedKeys(s.collected.Subtitle[group]) {
			rendition := ExtraRenditionKey(group, lang)
			items = append(items, ManifestUpload{
				FileName: PlaylistFileName(rendition),
				FileData: RenderMediaPlaylist(s.collected.Subtitle[group][lang], rendition, s.playlistData, "vtt"),
			})
		}
	}
	return items
}

// deleteEvicted removes evicted segment files from the destination when it
// supports deletion. Best effort: the manifest already stopped referencing
// them.
func (s *Session) deleteEvicted(ctx context.Context, removed []RemovedSegment) {
	for _, rm := range removed {
		if rm.Seg.Index == nil || rm.Seg.URI == "" {
			continue
		}
		var name string
		switch rm.Type {
		case TrackVideo:
			name = SegmentFileName(VideoRenditionKey(rm.Key), *rm.Seg.Index, rm.Seg.URI, "ts")
		case TrackAudio:
			name = SegmentFileName(ExtraRenditionKey(rm.Key, rm.Lang), *rm.Seg.Index, rm.Seg.URI, "aac")
		case TrackSubtitle:
			name = SegmentFileName(ExtraRenditionKey(rm.Key, rm.Lang), *rm.Seg.Index, rm.Seg.URI, "vtt")
		}
		s.uploader.DeleteSegment(ctx, name)
	}
}
