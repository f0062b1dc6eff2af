// Package hlstrack implements the top-level orchestrator (spec calls it
// C6, with the listener fan-out of C7 alongside it in listeners.go): it
// loads the multivariant playlist, builds one Bundle per media-playlist
// URL, picks and switches the primary variant, and routes bundle events
// out to registered listeners. Tracker is the only type most callers of
// this module need to construct directly.
package hlstrack

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmylchreest/hlstrack/internal/hlsbundle"
	"github.com/jmylchreest/hlstrack/internal/hlsclock"
	"github.com/jmylchreest/hlstrack/internal/hlsload"
	"github.com/jmylchreest/hlstrack/internal/hlsplaylist"
	"github.com/jmylchreest/hlstrack/internal/hlsretry"
	"github.com/jmylchreest/hlstrack/internal/observability"
)

// ErrAlreadyStarted is returned by Start when the tracker is already
// running. A stopped Tracker cannot be started again: Stop releases its
// manifest loader, so a later Start returns hlsload.ErrReleased.
var ErrAlreadyStarted = errors.New("hlstrack: already started")

// Config bundles the collaborators a Tracker needs. Source, Policy,
// Clock, and Parser are required; Events and Logger default to no-op /
// slog.Default() when nil.
type Config struct {
	Source  hlsload.DataSource
	Policy  hlsretry.Policy
	Clock   hlsclock.Clock
	Parser  hlsplaylist.Parser
	Events  hlsload.EventDispatcher
	Logger  *slog.Logger
	Headers map[string]string
}

// Tracker is the session object spec calls C6. One Tracker tracks one
// multivariant playlist session; call Stop and build a new Tracker to
// start a different one.
type Tracker struct {
	source  hlsload.DataSource
	policy  hlsretry.Policy
	clock   hlsclock.Clock
	parser  hlsplaylist.Parser
	events  hlsload.EventDispatcher
	logger  *slog.Logger
	headers map[string]string

	manifestLoader *hlsload.Loader

	mu                 sync.Mutex
	started            bool
	multivariant       *hlsplaylist.MultivariantPlaylist
	primaryURL         string
	primarySnapshot    *hlsplaylist.Snapshot
	isLive             bool
	initialStartTimeUs int64
	seenFirstPrimary   bool

	bundles     map[string]*hlsbundle.Bundle
	bundleOrder []string
	playback    map[string]bool

	primaryListener      PrimaryPlaylistListener
	eventListeners       []PlaylistEventListener
	firstPrimaryListener *firstPrimaryListener
}

// New builds an unstarted Tracker.
func New(cfg Config) *Tracker {
	if cfg.Events == nil {
		cfg.Events = hlsload.NoOpDispatcher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = observability.WithComponent(cfg.Logger, "hlstrack")
	t := &Tracker{
		source:             cfg.Source,
		policy:             cfg.Policy,
		clock:              cfg.Clock,
		parser:             cfg.Parser,
		events:             cfg.Events,
		logger:             cfg.Logger,
		headers:            cfg.Headers,
		bundles:            make(map[string]*hlsbundle.Bundle),
		playback:           make(map[string]bool),
		initialStartTimeUs: hlsplaylist.Unset,
	}
	t.manifestLoader = hlsload.NewLoader(cfg.Source, cfg.Policy, cfg.Clock, cfg.Events)
	return t
}

// AddPlaylistEventListener registers a listener for every bundle's change
// and error events, for the lifetime of the session.
func (t *Tracker) AddPlaylistEventListener(l PlaylistEventListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eventListeners = append(t.eventListeners, l)
}

// Start begins a session: fetches the multivariant playlist (or, if the
// URI turns out to already be a media playlist, synthesizes a
// single-variant wrapper and reuses that parse without a second round
// trip), builds one bundle per referenced media-playlist URL, and
// triggers the initial primary load. Start is asynchronous: results
// arrive via listener and via GetPlaylistSnapshot once loads complete.
func (t *Tracker) Start(uri string, listener PrimaryPlaylistListener) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.primaryListener = listener
	t.firstPrimaryListener = &firstPrimaryListener{tracker: t}
	t.eventListeners = append(t.eventListeners, t.firstPrimaryListener)
	t.mu.Unlock()

	return t.manifestLoader.StartLoad(hlsload.Request{
		URI:      uri,
		Headers:  t.headers,
		DataType: hlsretry.DataTypeManifest,
		Parse: func(body []byte) (any, error) {
			mv, media, err := t.parser.ParseBootstrap(uri, body)
			if err != nil {
				return nil, err
			}
			return &bootstrapResult{uri: uri, multivariant: mv, media: media}, nil
		},
	}, &manifestCallback{t: t})
}

type bootstrapResult struct {
	uri          string
	multivariant *hlsplaylist.MultivariantPlaylist
	media        *hlsplaylist.Snapshot
}

// manifestCallback adapts the manifest Loader's callback surface to the
// tracker's bootstrap logic. Retries and fatal-error accumulation are
// handled entirely by the Loader/Policy; this type only has to act on a
// terminal outcome.
type manifestCallback struct{ t *Tracker }

func (c *manifestCallback) OnStarted(retryCount int) {}

func (c *manifestCallback) OnCompleted(result any, durationMs int64, bytes int) {
	res, _ := result.(*bootstrapResult)
	if res == nil {
		return
	}
	c.t.onBootstrapLoaded(res)
}

func (c *manifestCallback) OnCanceled(released bool) {}
func (c *manifestCallback) OnError(err error, errorCount int) {}
func (c *manifestCallback) OnLoadTaskConcluded(taskID string) {}

func (t *Tracker) onBootstrapLoaded(res *bootstrapResult) {
	mv := res.multivariant
	if mv == nil {
		mv = &hlsplaylist.MultivariantPlaylist{
			Variants:          []hlsplaylist.Variant{{URL: res.uri}},
			MediaPlaylistURLs: []string{res.uri},
		}
	}
	if len(mv.Variants) == 0 {
		return
	}

	t.mu.Lock()
	t.multivariant = mv
	t.primaryURL = mv.Variants[0].URL
	for _, variantURL := range mv.MediaPlaylistURLs {
		if _, exists := t.bundles[variantURL]; exists {
			continue
		}
		b := hlsbundle.New(variantURL, t.headers, t.source, t.policy, t.clock, t.parser, t.events, t)
		t.bundles[variantURL] = b
		t.bundleOrder = append(t.bundleOrder, variantURL)
	}
	primary, ok := t.bundles[t.primaryURL]
	now := t.clock.NowMs()
	t.mu.Unlock()

	if !ok {
		return
	}

	if res.media != nil {
		primary.SeedSnapshot(res.media, now)
		t.OnPlaylistUpdated(t.primaryURL, res.media)
		if !res.media.HasEndTag {
			primary.LoadPlaylist(true)
		}
		return
	}
	primary.LoadPlaylist(false)
}

// Stop releases every bundle, cancels every timer, and clears session
// state. After Stop, no further callback is delivered.
func (t *Tracker) Stop() {
	t.mu.Lock()
	bundles := make([]*hlsbundle.Bundle, 0, len(t.bundles))
	for _, b := range t.bundles {
		bundles = append(bundles, b)
	}
	t.bundles = make(map[string]*hlsbundle.Bundle)
	t.bundleOrder = nil
	t.started = false
	t.multivariant = nil
	t.primaryURL = ""
	t.primarySnapshot = nil
	t.seenFirstPrimary = false
	t.eventListeners = nil
	t.firstPrimaryListener = nil
	t.mu.Unlock()

	t.manifestLoader.Release()
	for _, b := range bundles {
		b.Release()
	}
}

// RefreshPlaylist asks the named bundle to reload with directives
// allowed. Idempotent: a no-op if a load is already pending or in flight.
func (t *Tracker) RefreshPlaylist(url string) {
	if b, ok := t.bundleFor(url); ok {
		b.LoadPlaylist(true)
	}
}

// GetPlaylistSnapshot returns the current snapshot for url, or nil if
// none has loaded yet. When isForPlayback is true, url becomes a
// candidate primary (see MaybeSetPrimaryURL) and is marked active for
// playback, which keeps its bundle reloading even while it isn't primary.
func (t *Tracker) GetPlaylistSnapshot(url string, isForPlayback bool) *hlsplaylist.Snapshot {
	b, ok := t.bundleFor(url)
	if !ok {
		return nil
	}
	if isForPlayback {
		t.mu.Lock()
		t.playback[url] = true
		t.mu.Unlock()
		t.MaybeSetPrimaryURL(url)
	}
	return b.Snapshot()
}

// ExcludeMediaPlaylist excludes url for durMs and reports whether the
// exclusion actually took effect — false when url was the primary and no
// fallback variant was available to promote in its place, in which case
// the tracker keeps using it regardless.
func (t *Tracker) ExcludeMediaPlaylist(url string, durMs int64) bool {
	b, ok := t.bundleFor(url)
	if !ok {
		return false
	}
	return !b.ExcludePlaylist(durMs)
}

// MaybeThrowPrimaryPlaylistRefreshError surfaces the multivariant
// loader's accumulated fatal error, or else the current primary bundle's.
func (t *Tracker) MaybeThrowPrimaryPlaylistRefreshError() error {
	if err := t.manifestLoader.MaybeThrowError(); err != nil {
		return err
	}
	t.mu.Lock()
	primaryURL := t.primaryURL
	t.mu.Unlock()
	if primaryURL == "" {
		return nil
	}
	if b, ok := t.bundleFor(primaryURL); ok {
		return b.MaybeThrowError()
	}
	return nil
}

// IsLive reports whether the stream is live, valid only once a first
// primary snapshot has been obtained.
func (t *Tracker) IsLive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isLive
}

// GetMultivariantPlaylist returns the session's parsed multivariant, or
// nil before the bootstrap load completes.
func (t *Tracker) GetMultivariantPlaylist() *hlsplaylist.MultivariantPlaylist {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.multivariant
}

// GetInitialStartTimeUs returns the first primary snapshot's start time,
// or hlsplaylist.Unset before one has been obtained.
func (t *Tracker) GetInitialStartTimeUs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialStartTimeUs
}

// IsSnapshotValid reports url's bundle's validity per §4.5, or false if
// url is unknown.
func (t *Tracker) IsSnapshotValid(url string) bool {
	b, ok := t.bundleFor(url)
	if !ok {
		return false
	}
	return b.IsSnapshotValid()
}

// MaybeSetPrimaryURL switches the primary to url, unless url is already
// primary, unreferenced by the multivariant, or the current primary
// already ended the stream.
func (t *Tracker) MaybeSetPrimaryURL(url string) {
	t.mu.Lock()
	if url == t.primaryURL {
		t.mu.Unlock()
		return
	}
	if !t.isVariantURLLocked(url) {
		t.mu.Unlock()
		return
	}
	if t.primarySnapshot != nil && t.primarySnapshot.HasEndTag {
		t.mu.Unlock()
		return
	}
	previousPrimarySnapshot := t.primarySnapshot
	t.primaryURL = url
	t.mu.Unlock()

	newBundle, ok := t.bundleFor(url)
	if !ok {
		return
	}
	snap := newBundle.Snapshot()
	if snap != nil && snap.HasEndTag {
		t.OnPlaylistUpdated(url, snap)
		return
	}
	reloadURI := hlsbundle.PrimaryChangeReloadURI(url, previousPrimarySnapshot)
	newBundle.LoadPlaylistWithURI(reloadURI)
}

func (t *Tracker) isVariantURLLocked(url string) bool {
	if t.multivariant == nil {
		return false
	}
	for _, v := range t.multivariant.Variants {
		if v.URL == url {
			return true
		}
	}
	return false
}

// MaybeSelectNewPrimaryURL walks variants in fallback-priority order and
// promotes the first whose bundle isn't currently excluded. Returns true
// iff a promotion occurred.
func (t *Tracker) MaybeSelectNewPrimaryURL() bool {
	t.mu.Lock()
	if t.multivariant == nil {
		t.mu.Unlock()
		return false
	}
	now := t.clock.NowMs()
	var candidate string
	for _, v := range t.multivariant.Variants {
		b, ok := t.bundles[v.URL]
		if !ok {
			continue
		}
		if b.ExcludeUntilMs() <= now {
			candidate = v.URL
			break
		}
	}
	previousPrimarySnapshot := t.primarySnapshot
	t.mu.Unlock()

	if candidate == "" {
		return false
	}

	t.mu.Lock()
	t.primaryURL = candidate
	t.mu.Unlock()

	b, ok := t.bundleFor(candidate)
	if !ok {
		return false
	}
	reloadURI := hlsbundle.PrimaryChangeReloadURI(candidate, previousPrimarySnapshot)
	b.LoadPlaylistWithURI(reloadURI)
	return true
}

func (t *Tracker) bundleFor(url string) (*hlsbundle.Bundle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bundles[url]
	return b, ok
}

// --- hlsbundle.Owner implementation ---

var _ hlsbundle.Owner = (*Tracker)(nil)

func (t *Tracker) OnPlaylistUpdated(url string, newSnapshot *hlsplaylist.Snapshot) {
	t.mu.Lock()
	isPrimary := url == t.primaryURL
	if isPrimary {
		t.primarySnapshot = newSnapshot
	}
	firstPrimary := isPrimary && !t.seenFirstPrimary
	if firstPrimary {
		t.seenFirstPrimary = true
		t.isLive = !newSnapshot.HasEndTag
		t.initialStartTimeUs = newSnapshot.StartTimeUs
	}
	listener := t.primaryListener
	listeners := append([]PlaylistEventListener(nil), t.eventListeners...)
	t.mu.Unlock()

	if isPrimary && listener != nil {
		listener.OnPrimaryPlaylistRefreshed(newSnapshot)
	}
	for _, l := range listeners {
		l.OnPlaylistChanged()
	}
}

func (t *Tracker) NotifyPlaylistError(url string, info hlsbundle.ErrorInfo, forceRetry bool) bool {
	t.mu.Lock()
	listeners := append([]PlaylistEventListener(nil), t.eventListeners...)
	t.mu.Unlock()

	declined := false
	for _, l := range listeners {
		if l.OnPlaylistError(url, info, forceRetry) {
			declined = true
		}
	}
	return declined
}

func (t *Tracker) PrimarySnapshot() *hlsplaylist.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primarySnapshot
}

func (t *Tracker) IsPrimaryURL(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return url == t.primaryURL
}

func (t *Tracker) ActiveForPlayback(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playback[url]
}

func (t *Tracker) FallbackOptions() hlsretry.FallbackOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	excluded := 0
	now := t.clock.NowMs()
	for _, u := range t.bundleOrder {
		if b, ok := t.bundles[u]; ok && b.ExcludeUntilMs() > now {
			excluded++
		}
	}
	return hlsretry.FallbackOptions{
		TotalLocations:    1,
		ExcludedLocations: 0,
		TotalTracks:       len(t.bundleOrder),
		ExcludedTracks:    excluded,
	}
}

func (t *Tracker) PromoteNewPrimary() bool {
	return t.MaybeSelectNewPrimaryURL()
}

func (t *Tracker) removeFirstPrimaryListener() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstPrimaryListener == nil {
		return
	}
	filtered := t.eventListeners[:0]
	for _, l := range t.eventListeners {
		if l == t.firstPrimaryListener {
			continue
		}
		filtered = append(filtered, l)
	}
	t.eventListeners = filtered
	t.firstPrimaryListener = nil
}

// String implements fmt.Stringer for debug logging of a tracker's state.
func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("hlstrack(primary=%s, bundles=%d)", t.primaryURL, len(t.bundles))
}
