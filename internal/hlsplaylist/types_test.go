package hlsplaylist

import "testing"

func TestIsNewerThan(t *testing.T) {
	cases := []struct {
		name     string
		s, other *Snapshot
		want     bool
	}{
		{"nil other is always newer", &Snapshot{MediaSequence: 1}, nil, true},
		{"higher mediaSequence wins", &Snapshot{MediaSequence: 2}, &Snapshot{MediaSequence: 1}, true},
		{"lower mediaSequence loses", &Snapshot{MediaSequence: 1}, &Snapshot{MediaSequence: 2}, false},
		{
			"equal mediaSequence, more segments wins",
			&Snapshot{MediaSequence: 1, Segments: []Segment{{}, {}}},
			&Snapshot{MediaSequence: 1, Segments: []Segment{{}}},
			true,
		},
		{
			"equal mediaSequence and segments, more trailing parts wins",
			&Snapshot{MediaSequence: 1, TrailingParts: []Part{{}, {}}},
			&Snapshot{MediaSequence: 1, TrailingParts: []Part{{}}},
			true,
		},
		{
			"fully equal is not newer",
			&Snapshot{MediaSequence: 1},
			&Snapshot{MediaSequence: 1},
			false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.s.IsNewerThan(tc.other); got != tc.want {
				t.Errorf("IsNewerThan() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCopyWithEndTag(t *testing.T) {
	orig := &Snapshot{MediaSequence: 5}
	cp := orig.CopyWithEndTag()

	if orig.HasEndTag {
		t.Fatal("original snapshot must not be mutated")
	}
	if !cp.HasEndTag {
		t.Error("copy must have HasEndTag set")
	}
	if cp.MediaSequence != orig.MediaSequence {
		t.Error("copy must preserve mediaSequence")
	}
}

func TestEndTimeUs(t *testing.T) {
	s := &Snapshot{
		StartTimeUs: 1_000_000,
		Segments: []Segment{
			{RelativeStartTimeUs: 0, DurationUs: 6_000_000},
			{RelativeStartTimeUs: 6_000_000, DurationUs: 6_000_000},
		},
	}

	got := s.EndTimeUs()
	want := int64(1_000_000 + 6_000_000 + 6_000_000)
	if got != want {
		t.Errorf("EndTimeUs() = %d, want %d", got, want)
	}
}

func TestEndTimeUsNoSegments(t *testing.T) {
	s := &Snapshot{StartTimeUs: 42}
	if got := s.EndTimeUs(); got != 42 {
		t.Errorf("EndTimeUs() with no segments = %d, want StartTimeUs (42)", got)
	}
}
