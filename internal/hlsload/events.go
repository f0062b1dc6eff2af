package hlsload

import (
	"log/slog"
	"time"

	"github.com/jmylchreest/hlstrack/internal/observability"
)

// DataType distinguishes telemetry for manifest vs. media-playlist loads.
type DataType int

const (
	DataTypeManifest DataType = iota
	DataTypeMediaPlaylist
)

func (d DataType) String() string {
	if d == DataTypeManifest {
		return "manifest"
	}
	return "media_playlist"
}

// EventDispatcher is telemetry-only: nothing it does can alter control
// flow. Loader calls it unconditionally alongside its Callback.
type EventDispatcher interface {
	LoadStarted(uri string, dt DataType)
	LoadCompleted(uri string, dt DataType, dur time.Duration, bytes int)
	LoadCanceled(uri string, dt DataType, released bool)
	LoadError(uri string, dt DataType, err error, wasCanceled bool)
}

// SlogDispatcher logs every event at debug/warn level through the given
// logger, redacting nothing itself — callers are expected to hand it a
// logger already wrapped by internal/observability's redactor so any URI
// query strings containing credentials are scrubbed before they reach
// here.
type SlogDispatcher struct {
	Logger *slog.Logger
}

// NewSlogDispatcher returns an EventDispatcher backed by logger. A nil
// logger falls back to slog.Default().
func NewSlogDispatcher(logger *slog.Logger) *SlogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogDispatcher{Logger: observability.WithComponent(logger, "hlsload")}
}

func (d *SlogDispatcher) LoadStarted(uri string, dt DataType) {
	d.Logger.Debug("load started", slog.String("uri", uri), slog.String("type", dt.String()))
}

func (d *SlogDispatcher) LoadCompleted(uri string, dt DataType, dur time.Duration, bytes int) {
	d.Logger.Debug("load completed",
		slog.String("uri", uri),
		slog.String("type", dt.String()),
		slog.Duration("duration", dur),
		slog.Int("bytes", bytes),
	)
}

func (d *SlogDispatcher) LoadCanceled(uri string, dt DataType, released bool) {
	d.Logger.Debug("load canceled",
		slog.String("uri", uri),
		slog.String("type", dt.String()),
		slog.Bool("released", released),
	)
}

func (d *SlogDispatcher) LoadError(uri string, dt DataType, err error, wasCanceled bool) {
	observability.WithError(d.Logger, err).Warn("load error",
		slog.String("uri", uri),
		slog.String("type", dt.String()),
		slog.Bool("was_canceled", wasCanceled),
	)
}

// NoOpDispatcher discards every event; useful in unit tests that don't
// care about telemetry.
type NoOpDispatcher struct{}

func (NoOpDispatcher) LoadStarted(string, DataType)                       {}
func (NoOpDispatcher) LoadCompleted(string, DataType, time.Duration, int) {}
func (NoOpDispatcher) LoadCanceled(string, DataType, bool)                {}
func (NoOpDispatcher) LoadError(string, DataType, error, bool)            {}
