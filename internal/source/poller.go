// Package source implements the HLS source poller: it watches an upstream
// master playlist and its media playlists and emits a snapshot update to the
// session engine whenever new segments appear.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/grafov/m3u8"

	"hls-pullpush/internal/pullpush"
)

const (
	defaultPollInterval = 3 * time.Second
	requestTimeout      = 10 * time.Second

	// maxConsecutiveFailures is how many poll rounds may fail in a row
	// before the source counts as permanently lost.
	maxConsecutiveFailures = 5

	// maxRetainedSegments caps the per-rendition snapshot the poller keeps.
	// The session diffs by segment index, so trimming old entries is safe.
	maxRetainedSegments = 1024
)

// Poller pulls an HLS stream and emits SourceUpdate events. One Poller serves
// one session; updates are emitted strictly sequentially.
type Poller struct {
	url      string
	client   *http.Client
	log      *slog.Logger
	interval time.Duration

	updates chan pullpush.SourceUpdate
	errs    chan error

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	done    chan struct{}

	master string
	video  []*trackState
	extra  []*trackState
}

// trackState is the poller-side accumulation for one rendition.
type trackState struct {
	kind      string // "video", "audio" or "subtitle"
	key       string // bandwidth or group
	lang      string
	url       string
	lastSeqID int64 // highest upstream EXT-X-MEDIA-SEQUENCE id ingested
	nextIndex int64
	mediaSeq  int64
	isEvent   bool
	segments  []pullpush.Segment
}

// NewPoller returns an unstarted poller for the given master playlist URL.
func NewPoller(playlistURL string, log *slog.Logger) *Poller {
	return &Poller{
		url:      playlistURL,
		client:   &http.Client{Timeout: requestTimeout},
		log:      log,
		interval: defaultPollInterval,
		updates:  make(chan pullpush.SourceUpdate),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Updates implements pullpush.Source.
func (p *Poller) Updates() <-chan pullpush.SourceUpdate { return p.updates }

// Errors implements pullpush.Source.
func (p *Poller) Errors() <-chan error { return p.errs }

// Start implements pullpush.Source: it loads the master playlist and begins
// polling the media playlists. The poll loop stops when ctx is cancelled or
// Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.loadMaster(ctx); err != nil {
		cancel()
		return fmt.Errorf("loading master playlist: %w", err)
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go p.run(ctx)
	return nil
}

// Stop implements pullpush.Source: it cancels the poll loop and waits for it
// to drain. Safe to call more than once and before Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, started := p.cancel, p.started
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if started {
		<-p.done
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.updates)

	failures := 0
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		finished, changed, err := p.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.log.Warn("poll round failed",
				slog.String("url", p.url),
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()))
			if failures >= maxConsecutiveFailures {
				select {
				case p.errs <- fmt.Errorf("source lost after %d failed polls: %w", failures, err):
				default:
				}
				return
			}
		} else {
			failures = 0
			if changed {
				update := p.snapshot(finished)
				select {
				case p.updates <- update:
				case <-ctx.Done():
					return
				}
			}
			if finished {
				p.log.Info("source playlist closed, poller finished", slog.String("url", p.url))
				return
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// loadMaster fetches the master playlist and sets up one trackState per
// rendition. A media playlist URL is accepted too and treated as a single
// video rendition.
func (p *Poller) loadMaster(ctx context.Context) error {
	body, err := p.fetch(ctx, p.url)
	if err != nil {
		return err
	}
	playlist, listType, err := m3u8.DecodeFrom(body, false)
	body.Close()
	if err != nil {
		return fmt.Errorf("parsing %s: %w", p.url, err)
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		p.master = master.String()
		seenBW := make(map[string]bool)
		seenAlt := make(map[string]bool)
		for _, variant := range master.Variants {
			if variant == nil || variant.URI == "" {
				continue
			}
			bw := strconv.FormatUint(uint64(variant.Bandwidth), 10)
			if !seenBW[bw] {
				seenBW[bw] = true
				p.video = append(p.video, &trackState{
					kind:      "video",
					key:       bw,
					url:       resolveURL(p.url, variant.URI),
					lastSeqID: -1,
				})
			}
			for _, alt := range variant.Alternatives {
				if alt == nil || alt.URI == "" {
					continue
				}
				kind := ""
				switch alt.Type {
				case "AUDIO":
					kind = "audio"
				case "SUBTITLES":
					kind = "subtitle"
				default:
					continue
				}
				id := kind + "/" + alt.GroupId + "/" + alt.Language
				if seenAlt[id] {
					continue
				}
				seenAlt[id] = true
				p.extra = append(p.extra, &trackState{
					kind:      kind,
					key:       alt.GroupId,
					lang:      alt.Language,
					url:       resolveURL(p.url, alt.URI),
					lastSeqID: -1,
				})
			}
		}
		if len(p.video) == 0 {
			return fmt.Errorf("master playlist %s has no usable variants", p.url)
		}
	case m3u8.MEDIA:
		// No multivariant level: treat the playlist itself as the only
		// rendition.
		p.video = append(p.video, &trackState{
			kind:      "video",
			key:       "1",
			url:       p.url,
			lastSeqID: -1,
		})
	default:
		return fmt.Errorf("unsupported playlist type at %s", p.url)
	}

	p.log.Info("source playlists discovered",
		slog.String("url", p.url),
		slog.Int("video_renditions", len(p.video)),
		slog.Int("extra_renditions", len(p.extra)))
	return nil
}

// pollOnce refreshes every rendition once. finished reports that the source
// reference playlist carries an endlist; changed that at least one new
// segment was ingested.
func (p *Poller) pollOnce(ctx context.Context) (finished, changed bool, err error) {
	for _, track := range p.video {
		closed, added, err := p.refreshTrack(ctx, track)
		if err != nil {
			return false, changed, err
		}
		if track == p.video[0] {
			finished = closed
		}
		if added {
			changed = true
		}
	}
	for _, track := range p.extra {
		if _, added, err := p.refreshTrack(ctx, track); err != nil {
			return false, changed, err
		} else if added {
			changed = true
		}
	}
	return finished, changed, nil
}

func (p *Poller) refreshTrack(ctx context.Context, track *trackState) (closed, added bool, err error) {
	body, err := p.fetch(ctx, track.url)
	if err != nil {
		return false, false, err
	}
	playlist, listType, err := m3u8.DecodeFrom(body, false)
	body.Close()
	if err != nil {
		return false, false, fmt.Errorf("parsing %s: %w", track.url, err)
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok || listType != m3u8.MEDIA {
		return false, false, fmt.Errorf("%s is not a media playlist", track.url)
	}

	track.mediaSeq = int64(media.SeqNo)
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		if int64(seg.SeqId) <= track.lastSeqID {
			continue
		}
		track.lastSeqID = int64(seg.SeqId)
		track.nextIndex++
		idx := track.nextIndex
		track.segments = append(track.segments, pullpush.Segment{
			Index:         &idx,
			URI:           resolveURL(track.url, seg.URI),
			Duration:      seg.Duration,
			Discontinuity: seg.Discontinuity,
		})
		added = true
	}
	if len(track.segments) > maxRetainedSegments {
		track.segments = track.segments[len(track.segments)-maxRetainedSegments:]
	}
	if media.Closed && len(track.segments) > 0 {
		track.segments[len(track.segments)-1].Endlist = true
	}
	track.isEvent = media.MediaType == m3u8.EVENT
	return media.Closed, added, nil
}

// snapshot assembles the full current segment set for one update event.
func (p *Poller) snapshot(finished bool) pullpush.SourceUpdate {
	set := pullpush.NewSegmentSet()
	for _, track := range p.video {
		set.Video[track.key] = trackSnapshot(track)
	}
	for _, track := range p.extra {
		var group map[string]map[string]*pullpush.RenditionTrack
		if track.kind == "audio" {
			group = set.Audio
		} else {
			group = set.Subtitle
		}
		if group[track.key] == nil {
			group[track.key] = make(map[string]*pullpush.RenditionTrack)
		}
		group[track.key][track.lang] = trackSnapshot(track)
	}
	return pullpush.SourceUpdate{
		Type:           p.playlistType(finished),
		Segments:       set,
		MasterManifest: p.master,
	}
}

func trackSnapshot(track *trackState) *pullpush.RenditionTrack {
	out := &pullpush.RenditionTrack{MediaSeq: track.mediaSeq, SegList: make([]pullpush.Segment, len(track.segments))}
	copy(out.SegList, track.segments)
	return out
}

func (p *Poller) playlistType(finished bool) pullpush.PlaylistType {
	if finished {
		return pullpush.PlaylistTypeVOD
	}
	if len(p.video) > 0 && p.video[0].isEvent {
		return pullpush.PlaylistTypeEvent
	}
	return pullpush.PlaylistTypeLive
}

func (p *Poller) fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

func resolveURL(base, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if refURL.IsAbs() {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
