package hlstrack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/hlstrack/internal/hlsbundle"
	"github.com/jmylchreest/hlstrack/internal/hlsclock"
	"github.com/jmylchreest/hlstrack/internal/hlsload"
	"github.com/jmylchreest/hlstrack/internal/hlsplaylist"
	"github.com/jmylchreest/hlstrack/internal/hlsretry"
)

type trackerFakeSource struct {
	mu    sync.Mutex
	queue []trackerFakeResponse
}

type trackerFakeResponse struct {
	body []byte
	err  error
}

func (s *trackerFakeSource) push(body []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, trackerFakeResponse{body: body, err: err})
}

func (s *trackerFakeSource) Fetch(ctx context.Context, uri string, headers map[string]string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return []byte("default"), nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next.body, next.err
}

// trackerFakeParser decodes a bootstrap URI into a fixed multivariant
// playlist, and hands back a fixed (or queued) snapshot per media URL.
type trackerFakeParser struct {
	mu           sync.Mutex
	multivariant *hlsplaylist.MultivariantPlaylist
	bootstrapErr error
	mediaSnaps   map[string][]*hlsplaylist.Snapshot
}

func newTrackerFakeParser(mv *hlsplaylist.MultivariantPlaylist) *trackerFakeParser {
	return &trackerFakeParser{multivariant: mv, mediaSnaps: make(map[string][]*hlsplaylist.Snapshot)}
}

func (p *trackerFakeParser) pushMedia(url string, snap *hlsplaylist.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mediaSnaps[url] = append(p.mediaSnaps[url], snap)
}

func (p *trackerFakeParser) ParseBootstrap(baseURL string, payload []byte) (*hlsplaylist.MultivariantPlaylist, *hlsplaylist.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bootstrapErr != nil {
		return nil, nil, p.bootstrapErr
	}
	return p.multivariant, nil, nil
}

func (p *trackerFakeParser) ParseMedia(url string, payload []byte, previous *hlsplaylist.Snapshot) (*hlsplaylist.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.mediaSnaps[url]
	if len(q) == 0 {
		if previous != nil {
			return previous, nil
		}
		return &hlsplaylist.Snapshot{Segments: []hlsplaylist.Segment{{DurationUs: 6_000_000}}, TargetDurationUs: 6_000_000}, nil
	}
	next := q[0]
	p.mediaSnaps[url] = q[1:]
	return next, nil
}

var _ hlsplaylist.Parser = (*trackerFakeParser)(nil)

type recordingPrimaryListener struct {
	mu   sync.Mutex
	snap []*hlsplaylist.Snapshot
}

func (l *recordingPrimaryListener) OnPrimaryPlaylistRefreshed(snap *hlsplaylist.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap = append(l.snap, snap)
}

func (l *recordingPrimaryListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.snap)
}

type recordingEventListener struct {
	mu      sync.Mutex
	changed int
	errors  []hlsbundle.ErrorInfo
	decline bool
}

func (l *recordingEventListener) OnPlaylistChanged() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changed++
}

func (l *recordingEventListener) OnPlaylistError(url string, info hlsbundle.ErrorInfo, forceRetry bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, info)
	return l.decline
}

func waitForTracker(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newTestTracker(source hlsload.DataSource, parser hlsplaylist.Parser) *Tracker {
	return New(Config{
		Source: source,
		Policy: hlsretry.NewDefault(),
		Clock:  hlsclock.NewFake(),
		Parser: parser,
	})
}

func TestTracker_StartBootstrapsMultivariantAndLoadsPrimary(t *testing.T) {
	mv := &hlsplaylist.MultivariantPlaylist{
		Variants: []hlsplaylist.Variant{
			{URL: "http://example.test/hi.m3u8"},
			{URL: "http://example.test/lo.m3u8"},
		},
		MediaPlaylistURLs: []string{"http://example.test/hi.m3u8", "http://example.test/lo.m3u8"},
	}
	parser := newTrackerFakeParser(mv)
	parser.pushMedia("http://example.test/hi.m3u8", &hlsplaylist.Snapshot{
		MediaSequence:    1,
		Segments:         []hlsplaylist.Segment{{DurationUs: 6_000_000}},
		TargetDurationUs: 6_000_000,
	})

	src := &trackerFakeSource{}
	tr := newTestTracker(src, parser)
	listener := &recordingPrimaryListener{}

	if err := tr.Start("http://example.test/master.m3u8", listener); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}

	waitForTracker(t, time.Second, func() bool { return listener.count() >= 1 })

	if got := tr.GetMultivariantPlaylist(); got != mv {
		t.Fatalf("GetMultivariantPlaylist() = %v, want the parsed multivariant", got)
	}
	if !tr.IsLive() {
		t.Error("IsLive() = false, want true (no end tag, no VOD/EVENT type)")
	}
}

func TestTracker_DoubleStartReturnsErrAlreadyStarted(t *testing.T) {
	mv := &hlsplaylist.MultivariantPlaylist{
		Variants:          []hlsplaylist.Variant{{URL: "http://example.test/hi.m3u8"}},
		MediaPlaylistURLs: []string{"http://example.test/hi.m3u8"},
	}
	parser := newTrackerFakeParser(mv)
	src := &trackerFakeSource{}
	tr := newTestTracker(src, parser)

	if err := tr.Start("http://example.test/master.m3u8", &recordingPrimaryListener{}); err != nil {
		t.Fatalf("first Start() = %v, want nil", err)
	}
	if err := tr.Start("http://example.test/master.m3u8", &recordingPrimaryListener{}); err != ErrAlreadyStarted {
		t.Fatalf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestTracker_BareMediaPlaylistBootstrapSynthesizesSingleVariant(t *testing.T) {
	parser := newTrackerFakeParser(nil)
	src := &trackerFakeSource{}
	tr := newTestTracker(src, parser)
	listener := &recordingPrimaryListener{}

	if err := tr.Start("http://example.test/media.m3u8", listener); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}

	waitForTracker(t, time.Second, func() bool {
		mv := tr.GetMultivariantPlaylist()
		return mv != nil && len(mv.Variants) == 1 && mv.Variants[0].URL == "http://example.test/media.m3u8"
	})
}

func TestTracker_MaybeSetPrimaryURLSwitchesAndLoadsNewPrimary(t *testing.T) {
	mv := &hlsplaylist.MultivariantPlaylist{
		Variants: []hlsplaylist.Variant{
			{URL: "http://example.test/hi.m3u8"},
			{URL: "http://example.test/lo.m3u8"},
		},
		MediaPlaylistURLs: []string{"http://example.test/hi.m3u8", "http://example.test/lo.m3u8"},
	}
	parser := newTrackerFakeParser(mv)
	parser.pushMedia("http://example.test/hi.m3u8", &hlsplaylist.Snapshot{
		MediaSequence:    1,
		Segments:         []hlsplaylist.Segment{{DurationUs: 6_000_000}},
		TargetDurationUs: 6_000_000,
	})
	parser.pushMedia("http://example.test/lo.m3u8", &hlsplaylist.Snapshot{
		MediaSequence:    5,
		Segments:         []hlsplaylist.Segment{{DurationUs: 6_000_000}},
		TargetDurationUs: 6_000_000,
	})

	src := &trackerFakeSource{}
	tr := newTestTracker(src, parser)
	listener := &recordingPrimaryListener{}
	if err := tr.Start("http://example.test/master.m3u8", listener); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	waitForTracker(t, time.Second, func() bool { return listener.count() >= 1 })

	tr.MaybeSetPrimaryURL("http://example.test/lo.m3u8")

	waitForTracker(t, time.Second, func() bool { return listener.count() >= 2 })
	if !tr.IsPrimaryURL("http://example.test/lo.m3u8") {
		t.Error("IsPrimaryURL(lo) = false after MaybeSetPrimaryURL, want true")
	}
}

func TestTracker_ExcludeMediaPlaylistPrimaryWithNoFallbackStaysInUse(t *testing.T) {
	mv := &hlsplaylist.MultivariantPlaylist{
		Variants:          []hlsplaylist.Variant{{URL: "http://example.test/only.m3u8"}},
		MediaPlaylistURLs: []string{"http://example.test/only.m3u8"},
	}
	parser := newTrackerFakeParser(mv)
	parser.pushMedia("http://example.test/only.m3u8", &hlsplaylist.Snapshot{
		MediaSequence:    1,
		Segments:         []hlsplaylist.Segment{{DurationUs: 6_000_000}},
		TargetDurationUs: 6_000_000,
	})
	src := &trackerFakeSource{}
	tr := newTestTracker(src, parser)
	listener := &recordingPrimaryListener{}
	if err := tr.Start("http://example.test/master.m3u8", listener); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	waitForTracker(t, time.Second, func() bool { return listener.count() >= 1 })

	tookEffect := tr.ExcludeMediaPlaylist("http://example.test/only.m3u8", 30_000)
	if tookEffect {
		t.Error("ExcludeMediaPlaylist() = true, want false: the only variant has no fallback, so exclusion can't take effect")
	}

	if err := tr.MaybeThrowPrimaryPlaylistRefreshError(); !errors.Is(err, hlsbundle.ErrNoFallbackAvailable) {
		t.Fatalf("MaybeThrowPrimaryPlaylistRefreshError() = %v, want ErrNoFallbackAvailable", err)
	}
}

func TestTracker_AddPlaylistEventListenerReceivesChangeNotifications(t *testing.T) {
	mv := &hlsplaylist.MultivariantPlaylist{
		Variants:          []hlsplaylist.Variant{{URL: "http://example.test/hi.m3u8"}},
		MediaPlaylistURLs: []string{"http://example.test/hi.m3u8"},
	}
	parser := newTrackerFakeParser(mv)
	parser.pushMedia("http://example.test/hi.m3u8", &hlsplaylist.Snapshot{
		MediaSequence:    1,
		Segments:         []hlsplaylist.Segment{{DurationUs: 6_000_000}},
		TargetDurationUs: 6_000_000,
	})
	src := &trackerFakeSource{}
	tr := newTestTracker(src, parser)
	ev := &recordingEventListener{}
	tr.AddPlaylistEventListener(ev)

	if err := tr.Start("http://example.test/master.m3u8", &recordingPrimaryListener{}); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}

	waitForTracker(t, time.Second, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return ev.changed >= 1
	})
}

func TestTracker_StopReleasesBundlesAndClearsState(t *testing.T) {
	mv := &hlsplaylist.MultivariantPlaylist{
		Variants:          []hlsplaylist.Variant{{URL: "http://example.test/hi.m3u8"}},
		MediaPlaylistURLs: []string{"http://example.test/hi.m3u8"},
	}
	parser := newTrackerFakeParser(mv)
	src := &trackerFakeSource{}
	tr := newTestTracker(src, parser)
	if err := tr.Start("http://example.test/master.m3u8", &recordingPrimaryListener{}); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}

	tr.Stop()

	if tr.GetMultivariantPlaylist() != nil {
		t.Error("GetMultivariantPlaylist() non-nil after Stop")
	}
	if got := tr.GetPlaylistSnapshot("http://example.test/hi.m3u8", false); got != nil {
		t.Error("GetPlaylistSnapshot() non-nil for a bundle released by Stop")
	}
}
