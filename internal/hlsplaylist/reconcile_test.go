package hlsplaylist

import "testing"

func seg(relStart, dur int64, relDisc uint32) Segment {
	return Segment{RelativeStartTimeUs: relStart, DurationUs: dur, RelativeDiscontinuitySequence: relDisc}
}

func TestReconcile_FirstLoadUsesPrimaryStartTime(t *testing.T) {
	primary := &Snapshot{StartTimeUs: 5_000_000, DiscontinuitySequence: 2}
	loaded := &Snapshot{
		MediaSequence: 10,
		Segments:      []Segment{seg(0, 10_000_000, 0)},
	}

	got := Reconcile(nil, loaded, primary)

	if got.StartTimeUs != 5_000_000 {
		t.Errorf("StartTimeUs = %d, want 5000000", got.StartTimeUs)
	}
	if got.DiscontinuitySequence != 2 {
		t.Errorf("DiscontinuitySequence = %d, want 2", got.DiscontinuitySequence)
	}
}

func TestReconcile_ProgramDateTimeWins(t *testing.T) {
	old := &Snapshot{MediaSequence: 10, StartTimeUs: 1_000_000, Segments: []Segment{seg(0, 10_000_000, 0)}}
	loaded := &Snapshot{
		MediaSequence:      11,
		HasProgramDateTime: true,
		StartTimeUs:        42_000_000,
		Segments:           []Segment{seg(0, 10_000_000, 0)},
	}

	got := Reconcile(old, loaded, nil)

	if got.StartTimeUs != 42_000_000 {
		t.Errorf("StartTimeUs = %d, want 42000000 (program-date-time should win)", got.StartTimeUs)
	}
}

func TestReconcile_Overlap(t *testing.T) {
	old := &Snapshot{
		MediaSequence:         100,
		DiscontinuitySequence: 3,
		StartTimeUs:           0,
		Segments: []Segment{
			seg(0, 6_000_000, 0),
			seg(6_000_000, 6_000_000, 0),
			seg(12_000_000, 6_000_000, 1),
		},
	}
	loaded := &Snapshot{
		MediaSequence: 102, // overlaps old's segment index 2
		Segments: []Segment{
			seg(0, 6_000_000, 1),
			seg(6_000_000, 6_000_000, 1),
		},
	}

	got := Reconcile(old, loaded, nil)

	if got.StartTimeUs != 12_000_000 {
		t.Errorf("StartTimeUs = %d, want 12000000", got.StartTimeUs)
	}
	if got.DiscontinuitySequence != 3 {
		t.Errorf("DiscontinuitySequence = %d, want 3 (old.disc + relOverlap(1) - loadedFirst(1))", got.DiscontinuitySequence)
	}
}

func TestReconcile_ExactAbutNoOverlap(t *testing.T) {
	old := &Snapshot{
		MediaSequence: 100,
		StartTimeUs:   0,
		Segments: []Segment{
			seg(0, 6_000_000, 0),
			seg(6_000_000, 6_000_000, 0),
		},
	}
	loaded := &Snapshot{
		MediaSequence: 102, // abuts exactly: old had 2 segments, 100+2=102
		Segments:      []Segment{seg(0, 6_000_000, 0)},
	}

	got := Reconcile(old, loaded, nil)

	want := old.EndTimeUs()
	if got.StartTimeUs != want {
		t.Errorf("StartTimeUs = %d, want %d (old.EndTimeUs)", got.StartTimeUs, want)
	}
}

func TestReconcile_GapFallsBackToPrimary(t *testing.T) {
	old := &Snapshot{
		MediaSequence: 100,
		StartTimeUs:   0,
		Segments:      []Segment{seg(0, 6_000_000, 0)},
	}
	primary := &Snapshot{StartTimeUs: 99_000_000, DiscontinuitySequence: 7}
	loaded := &Snapshot{
		MediaSequence: 200, // nowhere near old's window: a gap
		Segments:      []Segment{seg(0, 6_000_000, 0)},
	}

	got := Reconcile(old, loaded, primary)

	if got.StartTimeUs != 99_000_000 {
		t.Errorf("StartTimeUs = %d, want 99000000 (fallback to primary)", got.StartTimeUs)
	}
	if got.DiscontinuitySequence != 7 {
		t.Errorf("DiscontinuitySequence = %d, want 7 (fallback to primary)", got.DiscontinuitySequence)
	}
}

func TestReconcile_NotNewerButEndTagAdded(t *testing.T) {
	old := &Snapshot{MediaSequence: 50, Segments: []Segment{seg(0, 6_000_000, 0)}}
	loaded := &Snapshot{
		MediaSequence: 50,
		Segments:      []Segment{seg(0, 6_000_000, 0)},
		HasEndTag:     true,
	}

	got := Reconcile(old, loaded, nil)

	if got == old {
		t.Fatal("expected a new snapshot value (copy-with-end-tag), not the same pointer")
	}
	if !got.HasEndTag {
		t.Error("expected HasEndTag to be true")
	}
	if got.MediaSequence != old.MediaSequence {
		t.Error("expected mediaSequence unchanged")
	}
}

func TestReconcile_NotNewerNoEndTagReturnsOldUnchanged(t *testing.T) {
	old := &Snapshot{MediaSequence: 50, Segments: []Segment{seg(0, 6_000_000, 0)}}
	loaded := &Snapshot{MediaSequence: 50, Segments: []Segment{seg(0, 6_000_000, 0)}}

	got := Reconcile(old, loaded, nil)

	if got != old {
		t.Error("expected the exact same snapshot reference back when nothing changed")
	}
}

func TestReconcile_PurityRepeatedCallsEqual(t *testing.T) {
	old := &Snapshot{MediaSequence: 100, StartTimeUs: 0, Segments: []Segment{seg(0, 6_000_000, 0)}}
	loaded := &Snapshot{MediaSequence: 101, Segments: []Segment{seg(0, 6_000_000, 0)}}
	primary := &Snapshot{StartTimeUs: 1, DiscontinuitySequence: 1}

	a := Reconcile(old, loaded, primary)
	b := Reconcile(old, loaded, primary)

	if a.StartTimeUs != b.StartTimeUs || a.DiscontinuitySequence != b.DiscontinuitySequence {
		t.Error("Reconcile is not pure: repeated calls with equal inputs produced different outputs")
	}
}
