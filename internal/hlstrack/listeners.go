package hlstrack

import (
	"github.com/jmylchreest/hlstrack/internal/hlsbundle"
	"github.com/jmylchreest/hlstrack/internal/hlsplaylist"
	"github.com/jmylchreest/hlstrack/internal/hlsretry"
)

// PrimaryPlaylistListener is notified whenever the tracker's primary
// snapshot changes, i.e. every media-playlist update for the currently
// selected primary variant, plus a first call for the primary's first
// ever snapshot.
type PrimaryPlaylistListener interface {
	OnPrimaryPlaylistRefreshed(snap *hlsplaylist.Snapshot)
}

// PlaylistEventListener observes every bundle, not just the primary.
// OnPlaylistError returns true to decline exclusion of the offending
// bundle — when every registered listener returns false, the tracker is
// free to exclude it and fall back to another variant.
type PlaylistEventListener interface {
	OnPlaylistChanged()
	OnPlaylistError(url string, info hlsbundle.ErrorInfo, forceRetry bool) (declinedExclude bool)
}

// firstPrimaryListener is C7: a transient PlaylistEventListener installed
// automatically at Start and removed the first time any bundle changes.
// While installed, it reacts to an error on a bundle before any primary
// snapshot has ever been obtained by asking the retry policy whether this
// bundle should be excluded in favor of another, since there is no
// playback-active primary yet to protect by staying put. It never
// declines exclusion itself.
type firstPrimaryListener struct {
	tracker *Tracker
}

func (l *firstPrimaryListener) OnPlaylistChanged() {
	l.tracker.removeFirstPrimaryListener()
}

func (l *firstPrimaryListener) OnPlaylistError(url string, info hlsbundle.ErrorInfo, forceRetry bool) bool {
	l.tracker.mu.Lock()
	hasPrimarySnapshot := l.tracker.primarySnapshot != nil
	total := len(l.tracker.bundleOrder)
	excluded := 0
	for _, u := range l.tracker.bundleOrder {
		if b, ok := l.tracker.bundles[u]; ok && b.IsExcluded() {
			excluded++
		}
	}
	policy := l.tracker.policy
	l.tracker.mu.Unlock()

	if hasPrimarySnapshot {
		return false
	}

	sel := policy.GetFallbackSelection(hlsretry.FallbackOptions{
		TotalLocations:    1,
		ExcludedLocations: 0,
		TotalTracks:       total,
		ExcludedTracks:    excluded,
	}, hlsretry.ErrorInfo{Err: info.Err, ErrorCount: info.ErrorCount, HTTPStatus: info.HTTPStatus})

	if sel.Kind == hlsretry.FallbackKindTrack {
		if b, ok := l.tracker.bundleFor(url); ok {
			b.ExcludePlaylist(sel.ExclusionDurationMs)
		}
	}
	return false
}
