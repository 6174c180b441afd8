package pullpush

import (
	"fmt"
	"testing"
)

func idx(n int64) *int64 { return &n }

func videoTrack(mediaSeq int64, indices ...int64) *RenditionTrack {
	track := &RenditionTrack{MediaSeq: mediaSeq}
	for _, n := range indices {
		track.SegList = append(track.SegList, Segment{
			Index:    idx(n),
			URI:      fmt.Sprintf("http://source/seg_%d.ts", n),
			Duration: 6.0,
		})
	}
	return track
}

func singleVariantSet(indices ...int64) *SegmentSet {
	set := NewSegmentSet()
	set.Video["2500000"] = videoTrack(0, indices...)
	return set
}

func refIndices(t *testing.T, set *SegmentSet) []int64 {
	t.Helper()
	ref := set.ReferenceTrack()
	if ref == nil {
		t.Fatal("no reference track")
	}
	out := make([]int64, 0, len(ref.SegList))
	for _, seg := range ref.SegList {
		if seg.Index != nil {
			out = append(out, *seg.Index)
		}
	}
	return out
}

func TestNewestSince_known_index_returns_suffix(t *testing.T) {
	source := singleVariantSet(1, 2, 3, 4, 5)

	got := NewestSince(source, 3)

	indices := refIndices(t, got)
	if len(indices) != 2 || indices[0] != 4 || indices[1] != 5 {
		t.Errorf("expected suffix [4 5], got %v", indices)
	}
}

func TestNewestSince_unknown_index_returns_single_newest(t *testing.T) {
	source := singleVariantSet(10, 11, 12)

	got := NewestSince(source, -1)

	indices := refIndices(t, got)
	if len(indices) != 1 || indices[0] != 12 {
		t.Errorf("expected only newest segment [12], got %v", indices)
	}
}

func TestNewestSince_up_to_date_returns_nothing(t *testing.T) {
	source := singleVariantSet(1, 2, 3)

	got := NewestSince(source, 3)

	if indices := refIndices(t, got); len(indices) != 0 {
		t.Errorf("expected no new segments, got %v", indices)
	}
}

func TestNewestSince_slices_all_tracks_by_same_offset(t *testing.T) {
	source := singleVariantSet(1, 2, 3, 4)
	source.Video["800000"] = videoTrack(0, 1, 2, 3, 4)
	source.Audio["aac"] = map[string]*RenditionTrack{
		"en": videoTrack(0, 1, 2, 3, 4),
	}

	got := NewestSince(source, 2)

	for _, track := range []*RenditionTrack{got.Video["2500000"], got.Video["800000"], got.Audio["aac"]["en"]} {
		if len(track.SegList) != 2 {
			t.Errorf("expected every track sliced to 2 segments, got %d", len(track.SegList))
		}
	}
}

func TestNewestSince_does_not_alias_source(t *testing.T) {
	source := singleVariantSet(1, 2, 3)

	got := NewestSince(source, 2)
	got.Video["2500000"].SegList[0].Discontinuity = true

	if source.Video["2500000"].SegList[2].Discontinuity {
		t.Error("mutating the diff result must not affect the source set")
	}
}

func TestMerge_appends_and_accumulates_reference_duration(t *testing.T) {
	cache := NewSegmentSet()

	added := Merge(cache, singleVariantSet(1, 2, 3), nil)

	if added != 18.0 {
		t.Errorf("expected 18s of new reference duration, got %v", added)
	}
	if indices := refIndices(t, cache); len(indices) != 3 {
		t.Errorf("expected 3 segments merged, got %v", indices)
	}
}

func TestMerge_skips_duplicate_indices(t *testing.T) {
	cache := singleVariantSet(1, 2, 3)

	added := Merge(cache, singleVariantSet(2, 3, 4), nil)

	indices := refIndices(t, cache)
	if len(indices) != 4 {
		t.Fatalf("expected [1 2 3 4], got %v", indices)
	}
	seen := make(map[int64]bool)
	for _, n := range indices {
		if seen[n] {
			t.Errorf("duplicate index %d after merge", n)
		}
		seen[n] = true
	}
	if added != 6.0 {
		t.Errorf("only index 4 is new, expected 6s added, got %v", added)
	}
}

func TestMerge_vod_backlog_then_increment(t *testing.T) {
	// First update of a VOD source merges the entire snapshot; a later
	// update adds only the new index.
	cache := NewSegmentSet()
	Merge(cache, singleVariantSet(1, 2, 3), nil)

	batch := NewestSince(singleVariantSet(1, 2, 3, 4), LatestIndex(cache))
	Merge(cache, batch, nil)

	indices := refIndices(t, cache)
	want := []int64{1, 2, 3, 4}
	if len(indices) != len(want) {
		t.Fatalf("expected %v, got %v", want, indices)
	}
	for i, n := range want {
		if indices[i] != n {
			t.Errorf("position %d: expected %d, got %d", i, n, indices[i])
		}
	}
}

func TestMerge_creates_rendition_lazily(t *testing.T) {
	cache := NewSegmentSet()
	batch := NewSegmentSet()
	batch.Audio["aac"] = map[string]*RenditionTrack{"sv": videoTrack(7, 1)}

	Merge(cache, batch, nil)

	if cache.Audio["aac"]["sv"] == nil || len(cache.Audio["aac"]["sv"].SegList) != 1 {
		t.Error("expected audio rendition created and populated")
	}
	if cache.Audio["aac"]["sv"].MediaSeq != 7 {
		t.Errorf("expected media sequence carried over, got %d", cache.Audio["aac"]["sv"].MediaSeq)
	}
}

func TestLatestIndex(t *testing.T) {
	if got := LatestIndex(NewSegmentSet()); got != -1 {
		t.Errorf("empty cache: expected -1, got %d", got)
	}
	if got := LatestIndex(singleVariantSet(3, 4, 5)); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
}

func TestEvictToWindow_releases_oldest_until_target(t *testing.T) {
	// Three 6s segments against a 12s window: exactly one eviction.
	cache := singleVariantSet(1, 2, 3)

	ev := EvictToWindow(cache, 18.0, 12.0)

	if ev.SegmentsReleased != 1 {
		t.Errorf("expected 1 segment released, got %d", ev.SegmentsReleased)
	}
	if ev.DurationReleased != 6.0 {
		t.Errorf("expected 6s released, got %v", ev.DurationReleased)
	}
	indices := refIndices(t, cache)
	if len(indices) != 2 || indices[0] != 2 {
		t.Errorf("expected oldest segment evicted, got %v", indices)
	}
}

func TestEvictToWindow_counts_discontinuities(t *testing.T) {
	cache := singleVariantSet(1, 2, 3, 4)
	cache.Video["2500000"].SegList[0].Discontinuity = true
	cache.Video["2500000"].SegList[1].Discontinuity = true

	ev := EvictToWindow(cache, 24.0, 12.0)

	if ev.SegmentsReleased != 2 {
		t.Errorf("expected 2 segments released, got %d", ev.SegmentsReleased)
	}
	if ev.DiscontinuityReleased != 2 {
		t.Errorf("expected 2 discontinuity tags released, got %d", ev.DiscontinuityReleased)
	}
}

func TestEvictToWindow_noop_when_within_target(t *testing.T) {
	cache := singleVariantSet(1, 2)

	ev := EvictToWindow(cache, 12.0, 12.0)

	if ev.SegmentsReleased != 0 || len(ev.Removed) != 0 {
		t.Errorf("expected no eviction at target, got %+v", ev)
	}
}

func TestEvictToWindow_never_evicts_empty_list(t *testing.T) {
	cache := NewSegmentSet()
	cache.Video["2500000"] = &RenditionTrack{}

	ev := EvictToWindow(cache, 100.0, 10.0)

	if ev.SegmentsReleased != 0 {
		t.Errorf("expected zero counts on empty list, got %d", ev.SegmentsReleased)
	}
}

func TestEvictToWindow_trims_all_renditions_in_lockstep(t *testing.T) {
	cache := singleVariantSet(1, 2, 3)
	cache.Video["800000"] = videoTrack(0, 1, 2, 3)
	cache.Subtitle["subs"] = map[string]*RenditionTrack{"en": videoTrack(0, 1, 2, 3)}

	EvictToWindow(cache, 18.0, 12.0)

	if len(cache.Video["800000"].SegList) != 2 {
		t.Errorf("second video rendition not trimmed in lockstep: %d left", len(cache.Video["800000"].SegList))
	}
	if len(cache.Subtitle["subs"]["en"].SegList) != 2 {
		t.Errorf("subtitle rendition not trimmed in lockstep: %d left", len(cache.Subtitle["subs"]["en"].SegList))
	}
}

func TestRemoveFailed_marks_follower_discontinuous(t *testing.T) {
	batch := singleVariantSet(1, 2, 3)

	RemoveFailed(batch, []int{1})

	indices := refIndices(t, batch)
	if len(indices) != 2 || indices[0] != 1 || indices[1] != 3 {
		t.Fatalf("expected [1 3] after removal, got %v", indices)
	}
	if !batch.Video["2500000"].SegList[1].Discontinuity {
		t.Error("segment after the removed one should carry a discontinuity tag")
	}
}

func TestRemoveFailed_last_position_has_no_follower(t *testing.T) {
	batch := singleVariantSet(1, 2)

	RemoveFailed(batch, []int{1})

	if indices := refIndices(t, batch); len(indices) != 1 || indices[0] != 1 {
		t.Errorf("expected [1], got %v", indices)
	}
}

func TestRemoveFailed_multiple_positions(t *testing.T) {
	batch := singleVariantSet(1, 2, 3, 4)

	RemoveFailed(batch, []int{0, 2})

	indices := refIndices(t, batch)
	if len(indices) != 2 || indices[0] != 2 || indices[1] != 4 {
		t.Errorf("expected [2 4], got %v", indices)
	}
}

func TestTargetDuration_ceils_max_reference_duration(t *testing.T) {
	cache := singleVariantSet(1, 2)
	cache.Video["2500000"].SegList[1].Duration = 6.4

	if got := TargetDuration(cache); got != 7 {
		t.Errorf("expected ceil(6.4)=7, got %d", got)
	}
	if got := TargetDuration(NewSegmentSet()); got != 0 {
		t.Errorf("empty cache: expected 0, got %d", got)
	}
}
