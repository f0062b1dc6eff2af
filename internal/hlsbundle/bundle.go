// Package hlsbundle implements the per-variant media playlist state
// machine: it owns a Loader, schedules reloads on the clock, tracks
// validity and exclusion, detects a reset or stuck playlist, and builds
// reload URIs carrying RFC 8216 §6.2.5 delivery directives. A Bundle is
// driven entirely by its owner (internal/hlstrack) on a single goroutine;
// the only concurrency it tolerates internally is the Loader's own
// network-I/O goroutine reporting back through the Callback methods.
package hlsbundle

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/jmylchreest/hlstrack/internal/hlsclock"
	"github.com/jmylchreest/hlstrack/internal/hlsload"
	"github.com/jmylchreest/hlstrack/internal/hlsplaylist"
	"github.com/jmylchreest/hlstrack/internal/hlsretry"
)

// State is a Bundle's coarse lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateLoading
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateLoading:
		return "loading"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// ErrPlaylistReset and ErrPlaylistStuck are reported to listeners via
// ErrorInfo.Err when onCompleted notices the server rewound its media
// sequence, or stopped advancing the snapshot for too long.
var (
	ErrPlaylistReset       = errors.New("hlsbundle: playlist media sequence reset")
	ErrPlaylistStuck       = errors.New("hlsbundle: playlist stopped advancing")
	ErrNoFallbackAvailable = errors.New("hlsbundle: primary playlist excluded with no fallback available")
)

// defaultStuckCoefficient is how many target durations may elapse with no
// snapshot change before a live playlist is considered stuck.
const defaultStuckCoefficient = 3.5

const minSnapshotValidityMs = 30_000

// ErrorInfo is what a Bundle reports to its owner on a load error or a
// reset/stuck detection.
type ErrorInfo struct {
	Err        error
	ErrorCount int
	HTTPStatus int
}

// Owner is the collaborator a Bundle reports to — implemented by
// internal/hlstrack's Tracker. It is the only way a Bundle learns
// anything about its siblings (primary selection, other bundles'
// exclusion state); a Bundle never reaches into another Bundle directly.
type Owner interface {
	// OnPlaylistUpdated is called once per call to onCompleted that
	// produced a newer snapshot.
	OnPlaylistUpdated(url string, newSnapshot *hlsplaylist.Snapshot)
	// NotifyPlaylistError fans the error out to every registered
	// PlaylistEventListener and returns true iff any of them declined
	// exclusion.
	NotifyPlaylistError(url string, info ErrorInfo, forceRetry bool) bool
	// PrimarySnapshot is the tracker's current primary snapshot, used by
	// Reconcile as a fallback start-time/discontinuity source.
	PrimarySnapshot() *hlsplaylist.Snapshot
	// IsPrimaryURL reports whether url is the tracker's current primary.
	IsPrimaryURL(url string) bool
	// ActiveForPlayback reports whether a consumer has marked url as the
	// variant it is currently rendering, independent of primary status.
	ActiveForPlayback(url string) bool
	// FallbackOptions summarizes the tracker's current exclusion state,
	// for the retry policy's GetFallbackSelection call.
	FallbackOptions() hlsretry.FallbackOptions
	// PromoteNewPrimary asks the tracker to pick a new primary among the
	// non-excluded variants. Returns true iff a promotion occurred.
	PromoteNewPrimary() bool
}

// Bundle is the state machine spec calls C5, one per unique media
// playlist URL referenced by the multivariant.
type Bundle struct {
	url     string
	headers map[string]string
	loader  *hlsload.Loader
	clock   hlsclock.Clock
	parser  hlsplaylist.Parser
	owner   Owner

	stuckCoefficient float64

	mu                   sync.Mutex
	state                State
	snapshot             *hlsplaylist.Snapshot
	excludeUntilMs       int64
	earliestNextLoadMs   int64
	lastSnapshotLoadMs   int64
	lastSnapshotChangeMs int64
	loadPending          bool
	pendingDirectives    bool
	loadStartMs          int64
	fatalError           error
	lastRequestBlocking  bool
	retryPlainOnConclude bool
}

// New builds a Bundle around a fresh, unstarted Loader. source and events
// are handed straight to the Loader; policy is wrapped so that this
// Bundle's listener-consultation and exclusion rules run before falling
// back to the raw policy decision.
func New(mediaURL string, headers map[string]string, source hlsload.DataSource, policy hlsretry.Policy, clock hlsclock.Clock, parser hlsplaylist.Parser, events hlsload.EventDispatcher, owner Owner) *Bundle {
	b := &Bundle{
		url:              mediaURL,
		headers:          headers,
		clock:            clock,
		parser:           parser,
		owner:            owner,
		stuckCoefficient: defaultStuckCoefficient,
	}
	b.loader = hlsload.NewLoader(source, &bundlePolicy{bundle: b, inner: policy}, clock, events)
	return b
}

// URL returns this bundle's media playlist URL.
func (b *Bundle) URL() string { return b.url }

// Snapshot returns the current snapshot, or nil if none has loaded yet.
func (b *Bundle) Snapshot() *hlsplaylist.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot
}

// State returns the bundle's coarse lifecycle stage.
func (b *Bundle) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ExcludeUntilMs returns the timestamp (clock.NowMs() domain) until which
// this bundle is excluded from primary selection. Zero means not excluded.
func (b *Bundle) ExcludeUntilMs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.excludeUntilMs
}

// IsExcluded reports whether the bundle is currently excluded.
func (b *Bundle) IsExcluded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.excludeUntilMs > b.clock.NowMs()
}

// IsSnapshotValid implements §4.5's validity rule: a VOD/EVENT snapshot or
// one with an end tag is always valid; a live snapshot is valid only
// while its last load is recent relative to its own duration.
func (b *Bundle) IsSnapshotValid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.snapshot
	if snap == nil {
		return false
	}
	if snap.HasEndTag || snap.PlaylistType == hlsplaylist.PlaylistTypeEvent || snap.PlaylistType == hlsplaylist.PlaylistTypeVOD {
		return true
	}
	floor := int64(minSnapshotValidityMs)
	durMs := snap.DurationUs / 1000
	if durMs > floor {
		floor = durMs
	}
	return b.lastSnapshotLoadMs+floor > b.clock.NowMs()
}

// ExcludePlaylist marks this bundle excluded until now+durMs. It returns
// true iff the bundle was the primary and no fallback could be promoted,
// meaning the tracker has no healthy variant left to serve — in which case
// it also records ErrNoFallbackAvailable as this bundle's fatal error, so
// MaybeThrowError (and Tracker.MaybeThrowPrimaryPlaylistRefreshError) raise
// it immediately instead of only after the retry policy separately
// exhausts its own attempt budget.
func (b *Bundle) ExcludePlaylist(durMs int64) bool {
	now := b.clock.NowMs()
	b.mu.Lock()
	b.excludeUntilMs = now + durMs
	b.mu.Unlock()

	if !b.owner.IsPrimaryURL(b.url) {
		return false
	}
	if b.owner.PromoteNewPrimary() {
		return false
	}
	b.failFatal(ErrNoFallbackAvailable)
	return true
}

// failFatal records err as this bundle's fatal error. Further LoadPlaylist/
// LoadPlaylistWithURI calls become no-ops until MaybeThrowError is called
// and clears it.
func (b *Bundle) failFatal(err error) {
	b.mu.Lock()
	b.fatalError = err
	b.mu.Unlock()
}

// SeedSnapshot installs an already-parsed snapshot without performing a
// network load. Used once, at tracker start, when the fetched bootstrap
// resource turned out to already be a media playlist rather than a
// multivariant one, so the first snapshot doesn't cost a second round
// trip.
func (b *Bundle) SeedSnapshot(snap *hlsplaylist.Snapshot, nowMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = snap
	b.lastSnapshotLoadMs = nowMs
	b.lastSnapshotChangeMs = nowMs
	if snap.HasEndTag {
		b.state = StateTerminal
	}
}

// LoadPlaylist requests a reload. If a load is already in flight or
// pending, or the bundle has a fatal error, this is a no-op. allowDirectives
// controls whether the reload URI carries blocking/skip/part directives.
func (b *Bundle) LoadPlaylist(allowDirectives bool) {
	b.mu.Lock()
	if b.state == StateLoading || b.loadPending || b.fatalError != nil {
		b.mu.Unlock()
		return
	}
	now := b.clock.NowMs()
	if now < b.earliestNextLoadMs {
		remaining := b.earliestNextLoadMs - now
		b.loadPending = true
		b.pendingDirectives = allowDirectives
		b.state = StateWaiting
		b.mu.Unlock()

		b.clock.Schedule(remaining, func() {
			b.mu.Lock()
			b.loadPending = false
			directives := b.pendingDirectives
			b.mu.Unlock()
			b.enterLoading(directives)
		})
		return
	}
	b.mu.Unlock()
	b.enterLoading(allowDirectives)
}

// LoadPlaylistWithURI triggers a load using reloadURI verbatim instead of
// computing one from the bundle's own snapshot. Used for the
// primary-change case, where the previous primary's rendition report
// should time-shift the newly promoted primary's first blocking reload
// rather than the new bundle's own (possibly stale) server-control state.
func (b *Bundle) LoadPlaylistWithURI(reloadURI string) {
	b.mu.Lock()
	if b.state == StateLoading || b.loadPending || b.fatalError != nil {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.enterLoadingWithURI(reloadURI)
}

func (b *Bundle) enterLoading(allowDirectives bool) {
	b.mu.Lock()
	uri := b.buildReloadURILocked(allowDirectives)
	b.mu.Unlock()
	b.enterLoadingWithURI(uri)
}

func (b *Bundle) enterLoadingWithURI(uri string) {
	b.mu.Lock()
	if b.state == StateLoading || b.fatalError != nil {
		b.mu.Unlock()
		return
	}
	b.state = StateLoading
	b.excludeUntilMs = 0
	b.loadStartMs = b.clock.NowMs()
	b.lastRequestBlocking = uriHasDirective(uri, "_HLS_msn")
	b.mu.Unlock()

	err := b.loader.StartLoad(hlsload.Request{
		URI:      uri,
		Headers:  b.headers,
		DataType: hlsretry.DataTypeMediaPlaylist,
		Parse: func(body []byte) (any, error) {
			return b.parser.ParseMedia(uri, body, b.Snapshot())
		},
	}, b)
	if err != nil {
		b.mu.Lock()
		b.state = StateIdle
		b.mu.Unlock()
	}
}

// buildReloadURILocked implements §4.5's reload URI construction. Caller
// must hold b.mu.
func (b *Bundle) buildReloadURILocked(allowDirectives bool) string {
	snap := b.snapshot
	if !allowDirectives || snap == nil {
		return b.url
	}
	if snap.ServerControl.SkipUntilUs == hlsplaylist.Unset && !snap.ServerControl.CanBlockReload {
		return b.url
	}
	return appendDirectives(b.url, snap)
}

func appendDirectives(rawURL string, snap *hlsplaylist.Snapshot) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()

	if snap.ServerControl.CanBlockReload {
		msn := snap.MediaSequence + uint64(len(snap.Segments))
		q.Set("_HLS_msn", strconv.FormatUint(msn, 10))
		if snap.PartTargetDurationUs != hlsplaylist.Unset {
			partIndex := len(snap.TrailingParts)
			if partIndex > 0 && snap.TrailingParts[partIndex-1].IsPreload {
				partIndex--
			}
			q.Set("_HLS_part", strconv.Itoa(partIndex))
		}
	}
	if snap.ServerControl.SkipUntilUs != hlsplaylist.Unset {
		if snap.ServerControl.CanSkipDateRanges {
			q.Set("_HLS_skip", "v2")
		} else {
			q.Set("_HLS_skip", "YES")
		}
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func uriHasDirective(rawURL string, key string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Query().Has(key)
}

// PrimaryChangeReloadURI implements §4.5's primary-change reload URI rule:
// when switching primaries, prefer the previous primary's rendition
// report for the new URL over a fresh blocking directive computed from
// the new bundle's own (possibly stale) snapshot.
func PrimaryChangeReloadURI(newURL string, previousPrimary *hlsplaylist.Snapshot) string {
	if previousPrimary == nil || !previousPrimary.ServerControl.CanBlockReload {
		return newURL
	}
	report, ok := previousPrimary.RenditionReports[newURL]
	if !ok {
		return newURL
	}
	u, err := url.Parse(newURL)
	if err != nil {
		return newURL
	}
	q := u.Query()
	q.Set("_HLS_msn", strconv.FormatUint(report.LastMediaSequence, 10))
	if report.LastPartIndex != nil {
		q.Set("_HLS_part", strconv.Itoa(*report.LastPartIndex))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Release cancels any in-flight or pending load and tears down the
// underlying loader so the bundle makes no further progress.
func (b *Bundle) Release() {
	b.loader.Release()
}

// MaybeThrowError returns and clears this bundle's accumulated fatal
// error, for Tracker.MaybeThrowPlaylistRefreshError. A stranding error
// recorded by ExcludePlaylist takes priority over the loader's own
// retry-exhaustion error, since it reflects a more immediate condition:
// there is no fallback left to try at all, as opposed to one variant's
// retries having run out.
func (b *Bundle) MaybeThrowError() error {
	b.mu.Lock()
	err := b.fatalError
	b.fatalError = nil
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.loader.MaybeThrowError()
}

// --- hlsload.Callback implementation ---

var _ hlsload.Callback = (*Bundle)(nil)

func (b *Bundle) OnStarted(retryCount int) {}

func (b *Bundle) OnCompleted(result any, durationMs int64, bytes int) {
	loaded, _ := result.(*hlsplaylist.Snapshot)
	now := b.clock.NowMs()

	b.mu.Lock()
	old := b.snapshot
	loadStartMs := b.loadStartMs
	b.lastSnapshotLoadMs = now
	b.mu.Unlock()

	newSnapshot := hlsplaylist.Reconcile(old, loaded, b.owner.PrimarySnapshot())
	changed := newSnapshot != old

	if changed {
		b.mu.Lock()
		b.snapshot = newSnapshot
		b.lastSnapshotChangeMs = now
		b.mu.Unlock()
		b.owner.OnPlaylistUpdated(b.url, newSnapshot)
	} else if !newSnapshot.HasEndTag {
		b.checkInvariants(loaded, newSnapshot, now)
	}

	if newSnapshot.HasEndTag {
		b.mu.Lock()
		b.state = StateTerminal
		b.mu.Unlock()
		return
	}

	delayMs := nextLoadDelayMs(changed, newSnapshot)
	b.mu.Lock()
	b.earliestNextLoadMs = now + delayMs - (now - loadStartMs)
	b.state = StateIdle
	b.mu.Unlock()

	if b.owner.IsPrimaryURL(b.url) || b.owner.ActiveForPlayback(b.url) {
		b.LoadPlaylist(true)
	}
}

func (b *Bundle) checkInvariants(loaded, current *hlsplaylist.Snapshot, now int64) {
	if loaded == nil {
		return
	}
	if loaded.MediaSequence+uint64(len(loaded.Segments)) < current.MediaSequence {
		b.owner.NotifyPlaylistError(b.url, ErrorInfo{Err: ErrPlaylistReset}, true)
		return
	}

	b.mu.Lock()
	targetDurationMs := current.TargetDurationUs / 1000
	lastChange := b.lastSnapshotChangeMs
	b.mu.Unlock()

	if targetDurationMs <= 0 {
		return
	}
	if float64(now-lastChange) > float64(targetDurationMs)*b.stuckCoefficient {
		b.owner.NotifyPlaylistError(b.url, ErrorInfo{Err: ErrPlaylistStuck}, false)
	}
}

// nextLoadDelayMs implements §4.5's next-load delay computation.
func nextLoadDelayMs(changed bool, snap *hlsplaylist.Snapshot) int64 {
	targetDurationMs := snap.TargetDurationUs / 1000
	if !snap.ServerControl.CanBlockReload {
		if changed {
			return targetDurationMs
		}
		return targetDurationMs / 2
	}
	if !changed {
		if snap.PartTargetDurationUs != hlsplaylist.Unset {
			return snap.PartTargetDurationUs / 1000 / 2
		}
		return targetDurationMs / 2
	}
	return 0
}

func (b *Bundle) OnCanceled(released bool) {
	b.mu.Lock()
	if released {
		b.state = StateIdle
	}
	b.mu.Unlock()
}

func (b *Bundle) OnError(err error, errorCount int) {}

func (b *Bundle) OnLoadTaskConcluded(taskID string) {
	b.mu.Lock()
	retry := b.retryPlainOnConclude
	b.retryPlainOnConclude = false
	b.mu.Unlock()
	if retry {
		b.LoadPlaylist(false)
	}
}

// scheduleNonDirectiveRetry forces an immediate, non-directive reload —
// RFC 8216 §6.2.5.2's guidance for a blocking request that came back with
// 400/503, and this module's handling of a delta update the parser
// couldn't apply. It runs inside the Loader's retry decision, while the
// failed load still occupies the Loader, so the reload itself starts from
// OnLoadTaskConcluded once the Loader has concluded that load.
func (b *Bundle) scheduleNonDirectiveRetry() {
	b.mu.Lock()
	b.earliestNextLoadMs = b.clock.NowMs()
	b.state = StateIdle
	b.retryPlainOnConclude = true
	b.mu.Unlock()
}

// bundlePolicy wraps a shared hlsretry.Policy with the listener
// consultation and self-exclusion rules §4.5 assigns to the bundle's
// onError handler. It is the Policy an individual Bundle's Loader is
// built with, so the generic Loader never needs special cases for this.
type bundlePolicy struct {
	bundle *Bundle
	inner  hlsretry.Policy
}

var _ hlsretry.Policy = (*bundlePolicy)(nil)

func (p *bundlePolicy) MinRetryCount(dt hlsretry.DataType) int {
	return p.inner.MinRetryCount(dt)
}

func (p *bundlePolicy) RetryDelayMs(info hlsretry.ErrorInfo) hlsretry.Decision {
	b := p.bundle

	b.mu.Lock()
	wasBlocking := b.lastRequestBlocking
	b.mu.Unlock()

	isDelta := errors.Is(info.Err, hlsplaylist.ErrDeltaUpdateFailed)
	if isDelta || wasBlocking {
		if isDelta || info.HTTPStatus == 400 || info.HTTPStatus == 503 {
			b.scheduleNonDirectiveRetry()
			return hlsretry.Decision{Action: hlsretry.ActionDontRetry}
		}
	}

	declined := b.owner.NotifyPlaylistError(b.url, ErrorInfo{
		Err:        info.Err,
		ErrorCount: info.ErrorCount,
		HTTPStatus: info.HTTPStatus,
	}, false)
	if declined {
		return p.inner.RetryDelayMs(info)
	}

	sel := p.inner.GetFallbackSelection(b.owner.FallbackOptions(), info)
	if sel.Kind == hlsretry.FallbackKindTrack {
		b.ExcludePlaylist(sel.ExclusionDurationMs)
	}
	return hlsretry.Decision{Action: hlsretry.ActionDontRetry}
}

func (p *bundlePolicy) GetFallbackSelection(opts hlsretry.FallbackOptions, info hlsretry.ErrorInfo) hlsretry.FallbackSelection {
	return p.inner.GetFallbackSelection(opts, info)
}

// String implements fmt.Stringer for debug logging of a bundle's identity.
func (b *Bundle) String() string {
	return fmt.Sprintf("hlsbundle(%s, state=%s)", b.url, b.State())
}
