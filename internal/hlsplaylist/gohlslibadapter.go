package hlsplaylist

import (
	"fmt"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// GohlslibParser implements Parser on top of gohlslib's playlist decoder,
// the same library the rest of this codebase's HLS-facing packages use
// for multivariant/media structures. It owns no network state: Loader
// calls it once per successfully fetched payload.
type GohlslibParser struct{}

// NewGohlslibParser returns the default production Parser.
func NewGohlslibParser() *GohlslibParser {
	return &GohlslibParser{}
}

func (p *GohlslibParser) ParseBootstrap(baseURL string, payload []byte) (*MultivariantPlaylist, *Snapshot, error) {
	decoded, err := playlist.Unmarshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("hlsplaylist: decoding bootstrap playlist: %w", err)
	}

	switch pl := decoded.(type) {
	case *playlist.Multivariant:
		return multivariantFromGohlslib(baseURL, pl), nil, nil
	case *playlist.Media:
		snap, err := mediaSnapshotFromGohlslib(pl, nil)
		if err != nil {
			return nil, nil, err
		}
		return nil, snap, nil
	default:
		return nil, nil, ErrUnexpectedResultType
	}
}

func (p *GohlslibParser) ParseMedia(url string, payload []byte, previous *Snapshot) (*Snapshot, error) {
	decoded, err := playlist.Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("hlsplaylist: decoding media playlist %s: %w", url, err)
	}

	media, ok := decoded.(*playlist.Media)
	if !ok {
		return nil, ErrUnexpectedResultType
	}

	return mediaSnapshotFromGohlslib(media, previous)
}

func multivariantFromGohlslib(baseURL string, mp *playlist.Multivariant) *MultivariantPlaylist {
	out := &MultivariantPlaylist{BaseURL: baseURL}

	seen := make(map[string]bool)
	addURL := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out.MediaPlaylistURLs = append(out.MediaPlaylistURLs, u)
	}

	for _, v := range mp.Variants {
		out.Variants = append(out.Variants, Variant{
			URL:       v.URI,
			Bandwidth: v.Bandwidth,
			Codecs:    v.Codecs,
		})
		addURL(v.URI)
	}
	for _, r := range mp.Renditions {
		if r.URI != "" {
			addURL(r.URI)
		}
	}

	return out
}

// mediaSnapshotFromGohlslib converts a decoded media playlist into our own
// Snapshot, splicing the server's delta update (EXT-X-SKIP) back against
// previous if one was requested. The decoded payload omits the skipped
// segments entirely (that's the point of a delta update), so this adapter
// has to reconstruct the full segment list itself: the skipped prefix is
// copied verbatim out of previous.Segments, and the newly decoded
// media.Segments are appended after it. A delta the server sent without us
// holding a previous snapshot, or whose skip count doesn't line up with
// previous's own segment list, is surfaced as ErrDeltaUpdateFailed rather
// than silently producing a truncated snapshot.
func mediaSnapshotFromGohlslib(media *playlist.Media, previous *Snapshot) (*Snapshot, error) {
	skipped := 0
	if media.Skip != nil {
		skipped = media.Skip.Skipped
	}

	var carried []Segment
	if skipped > 0 {
		if previous == nil {
			return nil, ErrDeltaUpdateFailed
		}
		offset := int64(media.MediaSequence) - int64(previous.MediaSequence)
		if offset < 0 || offset+int64(skipped) > int64(len(previous.Segments)) {
			return nil, ErrDeltaUpdateFailed
		}
		carried = previous.Segments[offset : offset+int64(skipped)]
	}

	snap := &Snapshot{
		MediaSequence:    uint64(media.MediaSequence),
		TargetDurationUs: durationToUs(media.TargetDuration),
		HasEndTag:        media.Endlist,
		LoadedAt:         time.Now(),
	}

	switch {
	case media.PlaylistType != nil && *media.PlaylistType == playlist.MediaPlaylistTypeVOD:
		snap.PlaylistType = PlaylistTypeVOD
	case media.PlaylistType != nil && *media.PlaylistType == playlist.MediaPlaylistTypeEvent:
		snap.PlaylistType = PlaylistTypeEvent
	default:
		snap.PlaylistType = PlaylistTypeLive
	}

	if media.DiscontinuitySequence != nil {
		snap.HasDiscontinuitySequence = true
		snap.DiscontinuitySequence = uint32(*media.DiscontinuitySequence)
	}

	if media.PartInf != nil {
		snap.PartTargetDurationUs = durationToUs(media.PartInf.PartTarget)
	} else {
		snap.PartTargetDurationUs = Unset
	}

	if media.ServerControl != nil {
		sc := media.ServerControl
		snap.ServerControl = ServerControl{
			CanBlockReload:    sc.CanBlockReload,
			CanSkipDateRanges: sc.CanSkipDateRanges,
			SkipUntilUs:       Unset,
			HoldBackUs:        Unset,
			PartHoldBackUs:    Unset,
		}
		if sc.CanSkipUntil != nil {
			snap.ServerControl.SkipUntilUs = durationToUs(*sc.CanSkipUntil)
		}
		if sc.HoldBack != nil {
			snap.ServerControl.HoldBackUs = durationToUs(*sc.HoldBack)
		}
		if sc.PartHoldBack != nil {
			snap.ServerControl.PartHoldBackUs = durationToUs(*sc.PartHoldBack)
		}
	} else {
		snap.ServerControl = ServerControl{SkipUntilUs: Unset, HoldBackUs: Unset, PartHoldBackUs: Unset}
	}

	var cursorUs int64
	var discCursor uint32
	if len(carried) > 0 {
		snap.Segments = append(snap.Segments, carried...)
		snap.HasProgramDateTime = previous.HasProgramDateTime
		snap.StartTimeUs = previous.StartTimeUs
		last := carried[len(carried)-1]
		cursorUs = last.RelativeStartTimeUs + last.DurationUs
		discCursor = last.RelativeDiscontinuitySequence
	}
	for _, s := range media.Segments {
		if s.DateTime != nil && len(snap.Segments) == 0 {
			snap.HasProgramDateTime = true
			snap.StartTimeUs = s.DateTime.UnixMicro()
			cursorUs = 0
		}
		if s.Discontinuity {
			discCursor++
		}
		durUs := durationToUs(s.Duration)
		snap.Segments = append(snap.Segments, Segment{
			RelativeStartTimeUs:            cursorUs,
			DurationUs:                     durUs,
			RelativeDiscontinuitySequence: discCursor,
		})
		cursorUs += durUs
	}
	for _, s := range snap.Segments {
		snap.DurationUs += s.DurationUs
	}

	// trailingParts mirrors the partial segments hanging off the end of
	// the playlist: the last full segment's own parts (if it has any, as
	// happens while it is still the most recent one reported), plus a
	// synthetic preload entry if the server sent one. _HLS_part counts
	// this slice and then discounts the preload entry — only the
	// trailing position may be a preload hint.
	if n := len(media.Segments); n > 0 {
		for _, pt := range media.Segments[n-1].Parts {
			snap.TrailingParts = append(snap.TrailingParts, Part{DurationUs: durationToUs(pt.Duration)})
		}
	}
	if media.PreloadHint != nil {
		snap.TrailingParts = append(snap.TrailingParts, Part{IsPreload: true})
	}

	if len(media.RenditionReports) > 0 {
		snap.RenditionReports = make(map[string]RenditionReport, len(media.RenditionReports))
		for _, rr := range media.RenditionReports {
			report := RenditionReport{LastMediaSequence: uint64(rr.LastMSN)}
			if rr.LastPart != nil {
				idx := *rr.LastPart
				report.LastPartIndex = &idx
			}
			snap.RenditionReports[rr.URI] = report
		}
	}

	return snap, nil
}

func durationToUs(d time.Duration) int64 {
	return d.Microseconds()
}
