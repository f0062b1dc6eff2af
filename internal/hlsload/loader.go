// Package hlsload implements the single-in-flight-request loader every
// media-playlist bundle and the tracker's bootstrap step use to fetch a
// playlist body, parse it, and report the outcome back through a
// callback. It owns no playlist semantics of its own — parsing is a
// caller-supplied function, and retry/exclusion decisions come from
// hlsretry.Policy.
package hlsload

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/hlstrack/internal/hlsclock"
	"github.com/jmylchreest/hlstrack/internal/hlsretry"
)

// ErrAlreadyStarted is returned by StartLoad when a load is already in
// flight on this Loader.
var ErrAlreadyStarted = errors.New("hlsload: load already in flight")

// ErrReleased is returned by StartLoad once Release has been called.
var ErrReleased = errors.New("hlsload: loader released")

// Request describes a single load. Parse runs on the fetched bytes before
// OnCompleted is reported; a parse error is treated exactly like a fetch
// error and handed to the retry policy.
type Request struct {
	URI     string
	Headers map[string]string
	DataType hlsretry.DataType
	Parse   func(body []byte) (any, error)
}

// Callback receives a Loader's outcomes. Exactly one of OnCompleted,
// OnCanceled, or a terminal OnError call happens per StartLoad, but
// OnError may be called multiple times (once per failed attempt) before
// a terminal Decision is reached.
type Callback interface {
	OnStarted(retryCount int)
	OnCompleted(result any, durationMs int64, bytes int)
	OnCanceled(released bool)
	// OnError reports a failed attempt and asks the policy (via the
	// Loader) what to do next; the Loader itself calls hlsretry.Policy,
	// this method exists so callers can observe the error stream.
	OnError(err error, errorCount int)
	// OnLoadTaskConcluded fires exactly once per StartLoad call, when
	// the load reaches a terminal outcome: completed, canceled, or a
	// fatal/non-retryable error. It never fires once per retry attempt.
	OnLoadTaskConcluded(taskID string)
}

// Loader enforces at-most-one in-flight request and drives retries
// through hlsretry.Policy and hlsclock.Clock. It is not safe for
// concurrent StartLoad calls from multiple goroutines; callers are
// expected to run on the single driver goroutine described by the
// tracker's concurrency model.
type Loader struct {
	source DataSource
	policy hlsretry.Policy
	clock  hlsclock.Clock
	events EventDispatcher

	mu       sync.Mutex
	released bool
	active   *loadTask
	fatalErr error
}

// loadTask tracks one StartLoad invocation across retries.
type loadTask struct {
	id         string
	req        Request
	cb         Callback
	errorCount int
	canceled   bool
	concluded  bool
	cancel     context.CancelFunc
	timer      hlsclock.Handle
	hasTimer   bool
}

// NewLoader builds a Loader around the given collaborators. events may be
// NoOpDispatcher{} if telemetry isn't needed.
func NewLoader(source DataSource, policy hlsretry.Policy, clock hlsclock.Clock, events EventDispatcher) *Loader {
	if events == nil {
		events = NoOpDispatcher{}
	}
	return &Loader{source: source, policy: policy, clock: clock, events: events}
}

// StartLoad begins fetching req.URI. It returns ErrAlreadyStarted if a
// load is already in flight, or ErrReleased once Release has been called.
func (l *Loader) StartLoad(req Request, cb Callback) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrReleased
	}
	if l.active != nil {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &loadTask{
		id:     ulid.Make().String(),
		req:    req,
		cb:     cb,
		cancel: cancel,
	}
	l.active = task
	l.mu.Unlock()

	minRetries := 0
	if l.policy != nil {
		minRetries = l.policy.MinRetryCount(req.DataType)
	}
	cb.OnStarted(minRetries)
	l.events.LoadStarted(req.URI, toEventDataType(req.DataType))

	l.attempt(ctx, task)
	return nil
}

// MaybeThrowError returns and clears any fatal error accumulated by a
// load that the retry policy declared unrecoverable, for blocking
// external callers to surface.
func (l *Loader) MaybeThrowError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.fatalErr
	l.fatalErr = nil
	return err
}

// Release cancels any in-flight load and prevents further StartLoad
// calls. Safe to call more than once.
func (l *Loader) Release() {
	l.mu.Lock()
	task := l.active
	l.released = true
	l.active = nil
	l.mu.Unlock()

	if task == nil {
		return
	}
	task.cancel()
	l.mu.Lock()
	if task.hasTimer {
		l.clock.Cancel(task.timer)
	}
	l.mu.Unlock()
	l.concludeCanceled(task, true)
}

func (l *Loader) attempt(ctx context.Context, task *loadTask) {
	go func() {
		body, err := l.source.Fetch(ctx, task.req.URI, task.req.Headers)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.handleAttemptError(ctx, task, err)
			return
		}

		var result any
		if task.req.Parse != nil {
			result, err = task.req.Parse(body)
			if err != nil {
				l.handleAttemptError(ctx, task, err)
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		l.events.LoadCompleted(task.req.URI, toEventDataType(task.req.DataType), 0, len(body))
		task.cb.OnCompleted(result, 0, len(body))
		l.conclude(task)
	}()
}

func (l *Loader) handleAttemptError(ctx context.Context, task *loadTask, err error) {
	task.errorCount++
	task.cb.OnError(err, task.errorCount)
	l.events.LoadError(task.req.URI, toEventDataType(task.req.DataType), err, ctx.Err() != nil)

	if l.policy == nil {
		l.failFatal(task, err)
		return
	}

	httpStatus := 0
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		httpStatus = statusErr.StatusCode
	}
	decision := l.policy.RetryDelayMs(hlsretry.ErrorInfo{Err: err, ErrorCount: task.errorCount, HTTPStatus: httpStatus})
	switch decision.Action {
	case hlsretry.ActionRetryAfter:
		if decision.ResetErrorCount {
			task.errorCount = 0
		}
		l.mu.Lock()
		if l.released || l.active != task {
			l.mu.Unlock()
			return
		}
		task.timer = l.clock.Schedule(decision.DelayMs, func() { l.attempt(ctx, task) })
		task.hasTimer = true
		l.mu.Unlock()
	case hlsretry.ActionDontRetry:
		l.concludeCanceled(task, false)
	case hlsretry.ActionDontRetryFatal:
		l.failFatal(task, err)
	}
}

func (l *Loader) failFatal(task *loadTask, err error) {
	l.mu.Lock()
	l.fatalErr = err
	if l.active == task {
		l.active = nil
	}
	already := task.concluded
	task.concluded = true
	l.mu.Unlock()

	if !already {
		task.cb.OnLoadTaskConcluded(task.id)
	}
}

func (l *Loader) conclude(task *loadTask) {
	l.mu.Lock()
	if l.active == task {
		l.active = nil
	}
	already := task.concluded
	task.concluded = true
	l.mu.Unlock()

	if !already {
		task.cb.OnLoadTaskConcluded(task.id)
	}
}

func (l *Loader) concludeCanceled(task *loadTask, released bool) {
	l.events.LoadCanceled(task.req.URI, toEventDataType(task.req.DataType), released)
	task.cb.OnCanceled(released)
	l.conclude(task)
}

func toEventDataType(dt hlsretry.DataType) DataType {
	if dt == hlsretry.DataTypeManifest {
		return DataTypeManifest
	}
	return DataTypeMediaPlaylist
}
