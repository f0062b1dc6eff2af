package hlsload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/hlstrack/internal/hlsclock"
	"github.com/jmylchreest/hlstrack/internal/hlsretry"
)

type fakeSource struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	body []byte
	err  error
}

func (f *fakeSource) Fetch(ctx context.Context, uri string, headers map[string]string) ([]byte, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if i >= len(f.responses) {
		return nil, errors.New("fakeSource: no more responses queued")
	}
	r := f.responses[i]
	return r.body, r.err
}

type recordingCallback struct {
	mu         sync.Mutex
	started    []int
	completed  []any
	canceled   []bool
	errors     []error
	concluded  []string
	concludedC chan struct{}
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{concludedC: make(chan struct{}, 16)}
}

func (c *recordingCallback) OnStarted(retryCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, retryCount)
}
func (c *recordingCallback) OnCompleted(result any, durationMs int64, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, result)
}
func (c *recordingCallback) OnCanceled(released bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, released)
}
func (c *recordingCallback) OnError(err error, errorCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}
func (c *recordingCallback) OnLoadTaskConcluded(taskID string) {
	c.mu.Lock()
	c.concluded = append(c.concluded, taskID)
	c.mu.Unlock()
	c.concludedC <- struct{}{}
}

func (c *recordingCallback) waitConcluded(t *testing.T) {
	t.Helper()
	select {
	case <-c.concludedC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnLoadTaskConcluded")
	}
}

func TestLoader_SuccessfulLoad(t *testing.T) {
	src := &fakeSource{responses: []fakeResponse{{body: []byte("payload")}}}
	clk := hlsclock.NewFake()
	cb := newRecordingCallback()
	loader := NewLoader(src, hlsretry.NewDefault(), clk, NoOpDispatcher{})

	err := loader.StartLoad(Request{
		URI:      "http://example.com/a.m3u8",
		DataType: hlsretry.DataTypeMediaPlaylist,
		Parse:    func(b []byte) (any, error) { return string(b), nil },
	}, cb)
	if err != nil {
		t.Fatalf("StartLoad: %v", err)
	}

	cb.waitConcluded(t)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.completed) != 1 || cb.completed[0] != "payload" {
		t.Fatalf("completed = %v, want [payload]", cb.completed)
	}
	if len(cb.concluded) != 1 {
		t.Fatalf("concluded fired %d times, want 1", len(cb.concluded))
	}
}

func TestLoader_RejectsConcurrentStart(t *testing.T) {
	src := &fakeSource{responses: []fakeResponse{{body: []byte("x")}}}
	clk := hlsclock.NewFake()
	cb := newRecordingCallback()
	loader := NewLoader(src, hlsretry.NewDefault(), clk, NoOpDispatcher{})

	if err := loader.StartLoad(Request{URI: "http://x", DataType: hlsretry.DataTypeMediaPlaylist}, cb); err != nil {
		t.Fatalf("first StartLoad: %v", err)
	}
	if err := loader.StartLoad(Request{URI: "http://x", DataType: hlsretry.DataTypeMediaPlaylist}, cb); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second StartLoad err = %v, want ErrAlreadyStarted", err)
	}
	cb.waitConcluded(t)
}

func TestLoader_RetriesThenSucceeds(t *testing.T) {
	src := &fakeSource{responses: []fakeResponse{
		{err: errors.New("boom")},
		{body: []byte("ok")},
	}}
	clk := hlsclock.NewFake()
	cb := newRecordingCallback()
	loader := NewLoader(src, hlsretry.NewDefault(), clk, NoOpDispatcher{})

	if err := loader.StartLoad(Request{
		URI:      "http://example.com/a.m3u8",
		DataType: hlsretry.DataTypeMediaPlaylist,
		Parse:    func(b []byte) (any, error) { return string(b), nil },
	}, cb); err != nil {
		t.Fatalf("StartLoad: %v", err)
	}

	waitForPending(t, clk, 1)
	clk.Advance(2000)
	cb.waitConcluded(t)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(cb.errors))
	}
	if len(cb.completed) != 1 || cb.completed[0] != "ok" {
		t.Fatalf("completed = %v, want [ok]", cb.completed)
	}
}

func TestLoader_FatalAfterMaxAttempts(t *testing.T) {
	policy := hlsretry.NewDefault()
	policy.MaxAttempts = 1

	src := &fakeSource{responses: []fakeResponse{{err: errors.New("boom")}}}
	clk := hlsclock.NewFake()
	cb := newRecordingCallback()
	loader := NewLoader(src, policy, clk, NoOpDispatcher{})

	if err := loader.StartLoad(Request{URI: "http://x", DataType: hlsretry.DataTypeManifest}, cb); err != nil {
		t.Fatalf("StartLoad: %v", err)
	}
	cb.waitConcluded(t)

	if err := loader.MaybeThrowError(); err == nil {
		t.Fatal("MaybeThrowError() = nil, want the fatal error")
	}
	if err := loader.MaybeThrowError(); err != nil {
		t.Fatalf("second MaybeThrowError() = %v, want nil (error consumed once)", err)
	}
}

func TestLoader_ReleaseCancelsInFlight(t *testing.T) {
	src := &fakeSource{responses: []fakeResponse{{err: errors.New("boom")}}}
	clk := hlsclock.NewFake()
	cb := newRecordingCallback()
	loader := NewLoader(src, hlsretry.NewDefault(), clk, NoOpDispatcher{})

	if err := loader.StartLoad(Request{URI: "http://x", DataType: hlsretry.DataTypeMediaPlaylist}, cb); err != nil {
		t.Fatalf("StartLoad: %v", err)
	}
	waitForPending(t, clk, 1)

	loader.Release()
	cb.waitConcluded(t)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.canceled) != 1 || !cb.canceled[0] {
		t.Fatalf("canceled = %v, want [true]", cb.canceled)
	}

	if err := loader.StartLoad(Request{URI: "http://x", DataType: hlsretry.DataTypeMediaPlaylist}, cb); !errors.Is(err, ErrReleased) {
		t.Fatalf("StartLoad after release = %v, want ErrReleased", err)
	}
}

// waitForPending polls until the fake clock has n pending timers, since the
// loader schedules its retry on a separate goroutine after the fetch
// returns.
func waitForPending(t *testing.T, clk *hlsclock.Fake, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if clk.PendingCount() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending timers", n)
}
