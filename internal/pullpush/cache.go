package pullpush

import (
	"log/slog"
	"math"
)

// TrackType identifies which of the three track maps a segment belongs to.
type TrackType int

const (
	TrackVideo TrackType = iota
	TrackAudio
	TrackSubtitle
)

// RemovedSegment describes one segment popped from the cache during eviction,
// with enough rendition identity to derive its output file name.
type RemovedSegment struct {
	Type TrackType
	Key  string // bandwidth for video, group for audio/subtitle
	Lang string // empty for video
	Seg  Segment
}

// Eviction summarizes one EvictToWindow pass. Counts are taken from the
// reference video rendition only; other renditions trim in lockstep.
type Eviction struct {
	SegmentsReleased      int64
	DiscontinuityReleased int64
	DurationReleased      float64
	Removed               []RemovedSegment
}

// NewestSince returns the suffix of each track in source that is not yet in
// the cache, given the index of the last segment the cache holds on its
// reference video rendition. If that index is not found on the source's
// reference track (first run, or the index already fell out of the source's
// retained window) only the single newest segment of each track is returned,
// so a resume never re-ingests a whole backlog. All tracks slice by the same
// offset, relying on lockstep advancement across renditions.
func NewestSince(source *SegmentSet, lastKnownIndex int64) *SegmentSet {
	out := NewSegmentSet()
	ref := source.ReferenceTrack()
	if ref == nil {
		return out
	}
	refCount := len(ref.SegList)

	position := -1
	for i, seg := range ref.SegList {
		if seg.Index != nil && *seg.Index == lastKnownIndex {
			position = i
			break
		}
	}
	sliceOffset := 1
	if position != -1 {
		sliceOffset = refCount - position - 1
	}

	for bw, track := range source.Video {
		out.Video[bw] = track.tail(sliceOffset)
	}
	for group, langs := range source.Audio {
		out.Audio[group] = make(map[string]*RenditionTrack, len(langs))
		for lang, track := range langs {
			out.Audio[group][lang] = track.tail(sliceOffset)
		}
	}
	for group, langs := range source.Subtitle {
		out.Subtitle[group] = make(map[string]*RenditionTrack, len(langs))
		for lang, track := range langs {
			out.Subtitle[group][lang] = track.tail(sliceOffset)
		}
	}
	return out
}

// tail returns a copy of the track holding at most the last n segments.
func (t *RenditionTrack) tail(n int) *RenditionTrack {
	c := t.clone()
	if n < 0 {
		n = 0
	}
	if len(c.SegList) > n {
		c.SegList = c.SegList[len(c.SegList)-n:]
	}
	return c
}

// LatestIndex returns the index of the newest segment on the cache's
// reference video rendition, or -1 if the cache holds no indexed segment.
func LatestIndex(cache *SegmentSet) int64 {
	ref := cache.ReferenceTrack()
	if ref == nil {
		return -1
	}
	for i := len(ref.SegList) - 1; i >= 0; i-- {
		if ref.SegList[i].Index != nil {
			return *ref.SegList[i].Index
		}
	}
	return -1
}

// Merge appends every segment of newSegments to its rendition in cache,
// skipping segments whose non-nil index is already present. Rendition entries
// are created lazily. The returned duration is the summed duration of the
// segments appended to the reference video rendition, for window accounting.
func Merge(cache, newSegments *SegmentSet, log *slog.Logger) (addedDuration float64) {
	refBW := ""
	if bws := cache.Bandwidths(); len(bws) > 0 {
		refBW = bws[0]
	} else if bws := newSegments.Bandwidths(); len(bws) > 0 {
		refBW = bws[0]
	}

	for _, bw := range newSegments.Bandwidths() {
		newTrack := newSegments.Video[bw]
		if len(newTrack.SegList) == 0 {
			continue
		}
		track, ok := cache.Video[bw]
		if !ok {
			track = &RenditionTrack{MediaSeq: -1}
			cache.Video[bw] = track
		}
		track.MediaSeq = newTrack.MediaSeq
		for _, seg := range newTrack.SegList {
			if track.contains(seg.Index) {
				continue
			}
			track.SegList = append(track.SegList, seg)
			logMerged(log, seg, "video", bw)
			if bw == refBW {
				addedDuration += seg.Duration
			}
		}
	}

	mergeExtra(cache.Audio, newSegments.Audio, "audio", log)
	mergeExtra(cache.Subtitle, newSegments.Subtitle, "subtitle", log)
	return addedDuration
}

func mergeExtra(dst, src map[string]map[string]*RenditionTrack, kind string, log *slog.Logger) {
	for _, group := range sortedKeys(src) {
		langs := src[group]
		if dst[group] == nil {
			dst[group] = make(map[string]*RenditionTrack, len(langs))
		}
		for _, lang := range sortedKeys(langs) {
			newTrack := langs[lang]
			track, ok := dst[group][lang]
			if !ok {
				track = &RenditionTrack{MediaSeq: -1}
				dst[group][lang] = track
			}
			track.MediaSeq = newTrack.MediaSeq
			for _, seg := range newTrack.SegList {
				if track.contains(seg.Index) {
					continue
				}
				track.SegList = append(track.SegList, seg)
				logMerged(log, seg, kind, group+"-"+lang)
			}
		}
	}
}

func (t *RenditionTrack) contains(index *int64) bool {
	if index == nil {
		return false
	}
	for _, seg := range t.SegList {
		if seg.Index != nil && *seg.Index == *index {
			return true
		}
	}
	return false
}

func logMerged(log *slog.Logger, seg Segment, kind, rendition string) {
	if log == nil {
		return
	}
	switch {
	case seg.Index != nil:
		log.Debug("segment merged into cache",
			slog.String("track", kind),
			slog.String("rendition", rendition),
			slog.Int64("index", *seg.Index))
	case seg.Endlist:
		log.Debug("endlist marker merged into cache",
			slog.String("track", kind),
			slog.String("rendition", rendition))
	default:
		log.Debug("tag-only entry merged into cache",
			slog.String("track", kind),
			slog.String("rendition", rendition))
	}
}

// EvictToWindow pops the oldest segment from every rendition in lockstep while
// the accumulated window duration exceeds target. It never evicts when any
// video rendition list is already empty. Counting (segments, discontinuity
// tags, freed duration) uses the reference video rendition only.
func EvictToWindow(cache *SegmentSet, currentWindow, targetWindow float64) Eviction {
	var ev Eviction
	remaining := currentWindow
	for remaining > targetWindow {
		bws := cache.Bandwidths()
		if len(bws) == 0 || len(cache.Video[bws[0]].SegList) == 0 {
			break
		}
		for i, bw := range bws {
			track := cache.Video[bw]
			if len(track.SegList) == 0 {
				continue
			}
			released := track.SegList[0]
			track.SegList = track.SegList[1:]
			ev.Removed = append(ev.Removed, RemovedSegment{Type: TrackVideo, Key: bw, Seg: released})
			if i == 0 {
				if released.Duration > 0 {
					remaining -= released.Duration
					ev.DurationReleased += released.Duration
					ev.SegmentsReleased++
				}
				if released.Discontinuity {
					ev.DiscontinuityReleased++
				}
			}
		}
		evictExtraFront(cache.Audio, TrackAudio, &ev)
		evictExtraFront(cache.Subtitle, TrackSubtitle, &ev)
	}
	return ev
}

func evictExtraFront(tracks map[string]map[string]*RenditionTrack, kind TrackType, ev *Eviction) {
	for _, group := range sortedKeys(tracks) {
		for _, lang := range sortedKeys(tracks[group]) {
			track := tracks[group][lang]
			if len(track.SegList) == 0 {
				continue
			}
			released := track.SegList[0]
			track.SegList = track.SegList[1:]
			ev.Removed = append(ev.Removed, RemovedSegment{Type: kind, Key: group, Lang: lang, Seg: released})
		}
	}
}

// RemoveFailed splices the segments at the given positions out of every
// rendition's segment list and marks the segment now occupying each position
// (the follower, if present) as discontinuous, signalling the gap to players.
// Positions refer to offsets into the current segment lists and must be the
// positions of one batch, so lists stay in lockstep.
func RemoveFailed(cache *SegmentSet, failedPositions []int) {
	if len(failedPositions) == 0 {
		return
	}
	// Splice back to front so earlier positions stay valid.
	positions := append([]int(nil), failedPositions...)
	for i := 0; i < len(positions); i++ {
		for j := i + 1; j < len(positions); j++ {
			if positions[j] > positions[i] {
				positions[i], positions[j] = positions[j], positions[i]
			}
		}
	}
	for _, bw := range cache.Bandwidths() {
		spliceOut(cache.Video[bw], positions)
	}
	for _, group := range sortedKeys(cache.Audio) {
		for _, lang := range sortedKeys(cache.Audio[group]) {
			spliceOut(cache.Audio[group][lang], positions)
		}
	}
	for _, group := range sortedKeys(cache.Subtitle) {
		for _, lang := range sortedKeys(cache.Subtitle[group]) {
			spliceOut(cache.Subtitle[group][lang], positions)
		}
	}
}

func spliceOut(track *RenditionTrack, descPositions []int) {
	for _, pos := range descPositions {
		if pos < 0 || pos >= len(track.SegList) {
			continue
		}
		track.SegList = append(track.SegList[:pos], track.SegList[pos+1:]...)
		if pos < len(track.SegList) {
			track.SegList[pos].Discontinuity = true
		}
	}
}

// TargetDuration returns the ceiling of the longest segment duration on the
// cache's reference video rendition, the value advertised as
// EXT-X-TARGETDURATION.
func TargetDuration(cache *SegmentSet) int64 {
	maxDur := 0.0
	if ref := cache.ReferenceTrack(); ref != nil {
		for _, seg := range ref.SegList {
			if seg.Duration > maxDur {
				maxDur = seg.Duration
			}
		}
	}
	return int64(math.Ceil(maxDur))
}
