package hlsplaylist

// Reconcile computes the snapshot that should replace old after a fresh
// load of the same media playlist. It is a pure function: same inputs,
// same output, no I/O, no clock reads. old and primary may both be nil
// (old is nil on the first load of a URL; primary is nil before the
// tracker has obtained any primary snapshot at all).
//
// This is the one documented compensation for non-conforming servers: a
// server that appends an end-tag without advancing mediaSequence is
// handled explicitly in step 1 rather than silently discarded.
func Reconcile(old, loaded, primary *Snapshot) *Snapshot {
	if !loaded.IsNewerThan(old) {
		if loaded.HasEndTag && old != nil {
			return old.CopyWithEndTag()
		}
		return old
	}

	startTimeUs := resolveStartTime(old, loaded, primary)
	discontinuitySequence := resolveDiscontinuitySequence(old, loaded, primary)

	return loaded.copyWith(startTimeUs, discontinuitySequence)
}

// firstOverlap returns the segment in old that corresponds to loaded's
// first segment, if old's window still covers it, along with whether it
// was found.
func firstOverlap(old, loaded *Snapshot) (Segment, bool) {
	if old == nil {
		return Segment{}, false
	}
	idx := int(loaded.MediaSequence - old.MediaSequence)
	if idx < 0 || idx >= len(old.Segments) {
		return Segment{}, false
	}
	return old.Segments[idx], true
}

func resolveStartTime(old, loaded, primary *Snapshot) int64 {
	if loaded.HasProgramDateTime {
		return loaded.StartTimeUs
	}
	if old == nil {
		return primaryStartTime(primary)
	}
	if overlap, ok := firstOverlap(old, loaded); ok {
		return old.StartTimeUs + overlap.RelativeStartTimeUs
	}
	// Exact abut: loaded picks up exactly where old's window ended, with
	// no overlapping segment and no gap.
	if old.SegmentCount() == int(loaded.MediaSequence-old.MediaSequence) {
		return old.EndTimeUs()
	}
	return primaryStartTime(primary)
}

func primaryStartTime(primary *Snapshot) int64 {
	if primary == nil {
		return 0
	}
	return primary.StartTimeUs
}

// resolveDiscontinuitySequence implements the cross-playlist adjustment
// described in spec — including its acknowledged imperfection when no
// segment overlaps and no program-date-time is present: reimplementations
// preserve the fallback-to-primary behavior rather than guess a value.
// TODO: improve cross-playlist discontinuity adjustment for the no-overlap,
// no-program-date-time case; left as-is deliberately, see DESIGN.md.
func resolveDiscontinuitySequence(old, loaded, primary *Snapshot) uint32 {
	if loaded.HasDiscontinuitySequence {
		return loaded.DiscontinuitySequence
	}
	if old == nil {
		return primaryDiscontinuitySequence(primary)
	}
	if overlap, ok := firstOverlap(old, loaded); ok && len(loaded.Segments) > 0 {
		return old.DiscontinuitySequence + overlap.RelativeDiscontinuitySequence - loaded.Segments[0].RelativeDiscontinuitySequence
	}
	return primaryDiscontinuitySequence(primary)
}

func primaryDiscontinuitySequence(primary *Snapshot) uint32 {
	if primary == nil {
		return 0
	}
	return primary.DiscontinuitySequence
}
