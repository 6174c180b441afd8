package pullpush

import (
	"context"
	"sort"
	"strconv"
)

// PlaylistType classifies the upstream HLS playlist.
type PlaylistType int

const (
	PlaylistTypeLive PlaylistType = iota
	PlaylistTypeEvent
	PlaylistTypeVOD
)

// String returns the playlist type as it appears in API responses.
func (t PlaylistType) String() string {
	switch t {
	case PlaylistTypeEvent:
		return "EVENT"
	case PlaylistTypeVOD:
		return "VOD"
	default:
		return "LIVE"
	}
}

// Segment is a single media segment as observed on the source playlist.
// Index is the source-assigned monotonically increasing sequence number and
// is the dedup key within a rendition; it is nil for pseudo entries that
// carry only tags (e.g. a trailing endlist marker).
type Segment struct {
	Index         *int64
	URI           string
	Duration      float64
	Discontinuity bool
	Endlist       bool
}

// RenditionTrack holds the ordered segment list for one rendition together
// with the media sequence number the source playlist reported for it.
type RenditionTrack struct {
	MediaSeq int64
	SegList  []Segment
}

// SegmentSet groups all rendition tracks of a stream. Video tracks are keyed
// by bandwidth, audio and subtitle tracks by group then language. All video
// tracks advance in lockstep; audio and subtitle tracks are optional.
type SegmentSet struct {
	Video    map[string]*RenditionTrack
	Audio    map[string]map[string]*RenditionTrack
	Subtitle map[string]map[string]*RenditionTrack
}

// NewSegmentSet returns an empty set with all track maps initialized.
func NewSegmentSet() *SegmentSet {
	return &SegmentSet{
		Video:    make(map[string]*RenditionTrack),
		Audio:    make(map[string]map[string]*RenditionTrack),
		Subtitle: make(map[string]map[string]*RenditionTrack),
	}
}

// Bandwidths returns the video rendition keys in stable order, numeric
// bandwidths lowest first. The first entry is the reference rendition for
// window accounting and diffing.
func (s *SegmentSet) Bandwidths() []string {
	keys := make([]string, 0, len(s.Video))
	for bw := range s.Video {
		keys = append(keys, bw)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.ParseInt(keys[i], 10, 64)
		b, errB := strconv.ParseInt(keys[j], 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}

// ReferenceTrack returns the first video rendition, or nil if there is none.
func (s *SegmentSet) ReferenceTrack() *RenditionTrack {
	bws := s.Bandwidths()
	if len(bws) == 0 {
		return nil
	}
	return s.Video[bws[0]]
}

// Clone returns a deep copy of the set. Segment values are copied so the
// clone can be mutated without affecting the original.
func (s *SegmentSet) Clone() *SegmentSet {
	out := NewSegmentSet()
	for bw, track := range s.Video {
		out.Video[bw] = track.clone()
	}
	for group, langs := range s.Audio {
		out.Audio[group] = make(map[string]*RenditionTrack, len(langs))
		for lang, track := range langs {
			out.Audio[group][lang] = track.clone()
		}
	}
	for group, langs := range s.Subtitle {
		out.Subtitle[group] = make(map[string]*RenditionTrack, len(langs))
		for lang, track := range langs {
			out.Subtitle[group][lang] = track.clone()
		}
	}
	return out
}

func (t *RenditionTrack) clone() *RenditionTrack {
	out := &RenditionTrack{MediaSeq: t.MediaSeq, SegList: make([]Segment, len(t.SegList))}
	for i, seg := range t.SegList {
		out.SegList[i] = seg
		if seg.Index != nil {
			idx := *seg.Index
			out.SegList[i].Index = &idx
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PlaylistData carries the cumulative counters used when rendering output
// manifests: media sequence, discontinuity sequence, and target duration.
type PlaylistData struct {
	MSeq      int64
	DSeq      int64
	TargetDur int64
}

// SourceUpdate is one "new segments available" event from the source poller.
// Segments is the poller's full current snapshot, not a delta.
type SourceUpdate struct {
	Type           PlaylistType
	Segments       *SegmentSet
	MasterManifest string
}

// Source is the contract the session engine consumes. A poller emits a
// SourceUpdate whenever the upstream media sequence increments and an error
// when the source is permanently lost (which auto-stops the session).
type Source interface {
	Start(ctx context.Context) error
	Stop()
	Updates() <-chan SourceUpdate
	Errors() <-chan error
}
