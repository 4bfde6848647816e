package replica

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pagemark-labs/pagemark/internal/annotation"
	"github.com/pagemark-labs/pagemark/internal/protocol"
)

type fakeTimer struct {
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves the clock forward, firing due timers synchronously in
// deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		nextIndex := -1
		for index, timer := range c.timers {
			if timer.stopped || timer.deadline.After(target) {
				continue
			}
			if next == nil || timer.deadline.Before(next.deadline) {
				next = timer
				nextIndex = index
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.timers = append(c.timers[:nextIndex], c.timers[nextIndex+1:]...)
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.mu.Unlock()
		next.fn()
	}
}

type fakeTransport struct {
	mu               sync.Mutex
	remote           protocol.DocumentAnnotations
	progress         protocol.Progress
	getErr           error
	putErr           error
	progressGetErr   error
	progressPutErr   error
	conflictOnce     bool
	getCalls         int
	putCalls         int
	progressGetCalls int
	progressPutCalls int
	lastPut          protocol.UpdateAnnotationsRequest
	lastProgressPut  protocol.UpdateProgressRequest
}

func (t *fakeTransport) GetAnnotations(_ context.Context, _ string) (protocol.DocumentAnnotations, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getCalls++
	if t.getErr != nil {
		return protocol.DocumentAnnotations{}, t.getErr
	}
	snapshot := t.remote
	snapshot.Annotations = append([]annotation.Annotation(nil), t.remote.Annotations...)
	snapshot.Deleted = append([]string(nil), t.remote.Deleted...)
	return snapshot, nil
}

func (t *fakeTransport) PutAnnotations(_ context.Context, _ string, request protocol.UpdateAnnotationsRequest) (protocol.UpdateAnnotationsResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.putCalls++
	if t.putErr != nil {
		return protocol.UpdateAnnotationsResponse{}, t.putErr
	}
	if t.conflictOnce {
		t.conflictOnce = false
		return protocol.UpdateAnnotationsResponse{}, ErrVersionConflict
	}
	t.lastPut = request
	t.remote.Annotations = append([]annotation.Annotation(nil), request.Annotations...)
	for _, id := range request.Deleted {
		found := false
		for _, existing := range t.remote.Deleted {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			t.remote.Deleted = append(t.remote.Deleted, id)
		}
	}
	t.remote.Version++
	return protocol.UpdateAnnotationsResponse{Version: t.remote.Version, Timestamp: 1700000000}, nil
}

func (t *fakeTransport) GetProgress(_ context.Context, _ string) (protocol.Progress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressGetCalls++
	if t.progressGetErr != nil {
		return protocol.Progress{}, t.progressGetErr
	}
	return t.progress, nil
}

func (t *fakeTransport) PutProgress(_ context.Context, request protocol.UpdateProgressRequest) (protocol.UpdateProgressResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressPutCalls++
	if t.progressPutErr != nil {
		return protocol.UpdateProgressResponse{}, t.progressPutErr
	}
	t.lastProgressPut = request
	return protocol.UpdateProgressResponse{Document: request.Document, Timestamp: 1700000000}, nil
}

// hangingTransport blocks annotation uploads until the request context is
// canceled, simulating a transport call that never returns on its own.
type hangingTransport struct {
	*fakeTransport
	hangMu sync.Mutex
	hang   bool
}

func (t *hangingTransport) setHang(hang bool) {
	t.hangMu.Lock()
	t.hang = hang
	t.hangMu.Unlock()
}

func (t *hangingTransport) PutAnnotations(ctx context.Context, document string, request protocol.UpdateAnnotationsRequest) (protocol.UpdateAnnotationsResponse, error) {
	t.hangMu.Lock()
	hang := t.hang
	t.hangMu.Unlock()
	if hang {
		<-ctx.Done()
		return protocol.UpdateAnnotationsResponse{}, ctx.Err()
	}
	return t.fakeTransport.PutAnnotations(ctx, document, request)
}

type memStore struct {
	mu           sync.Mutex
	annotations  []annotation.Annotation
	position     string
	percentage   float64
	replaceCalls int
}

func (m *memStore) Annotations(_ context.Context, _ string) ([]annotation.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]annotation.Annotation(nil), m.annotations...), nil
}

func (m *memStore) ReplaceAnnotations(_ context.Context, _ string, items []annotation.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceCalls++
	m.annotations = append([]annotation.Annotation(nil), items...)
	return nil
}

func (m *memStore) Position(_ context.Context, _ string) (string, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, m.percentage, nil
}

func (m *memStore) SetPosition(_ context.Context, _ string, position string, percentage float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = position
	m.percentage = percentage
	return nil
}

type memSettings struct {
	mu        sync.Mutex
	deviceID  string
	states    map[string]SyncState
	saveCalls int
}

func newMemSettings(deviceID string) *memSettings {
	return &memSettings{deviceID: deviceID, states: make(map[string]SyncState)}
}

func (m *memSettings) DeviceID(_ context.Context) (string, error) {
	return m.deviceID, nil
}

func (m *memSettings) SyncState(_ context.Context, document string) (SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[document], nil
}

func (m *memSettings) SaveSyncState(_ context.Context, document string, state SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	m.states[document] = state
	return nil
}

type recordingNotifier struct {
	mu             sync.Mutex
	notices        []string
	confirmPrompts []string
	confirmAnswer  bool
}

func (n *recordingNotifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, text)
}

func (n *recordingNotifier) Confirm(prompt string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmPrompts = append(n.confirmPrompts, prompt)
	return n.confirmAnswer, nil
}

func (n *recordingNotifier) noticeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

type fakeConnectivity struct {
	mu     sync.Mutex
	online bool
	queued []func()
}

func (c *fakeConnectivity) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConnectivity) RunWhenOnline(fn func()) {
	c.mu.Lock()
	if c.online {
		c.mu.Unlock()
		fn()
		return
	}
	c.queued = append(c.queued, fn)
	c.mu.Unlock()
}

func (c *fakeConnectivity) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	pending := c.queued
	c.queued = nil
	c.mu.Unlock()
	if online {
		for _, fn := range pending {
			fn()
		}
	}
}

func testAnnotation(datetime, page, text string) annotation.Annotation {
	return annotation.Annotation{
		Datetime: datetime,
		Text:     text,
		Page:     []byte(page),
	}
}

func sortedTexts(items []annotation.Annotation) []string {
	texts := make([]string, 0, len(items))
	for _, item := range items {
		texts = append(texts, item.Text)
	}
	sort.Strings(texts)
	return texts
}

func mustScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	scheduler, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	return scheduler
}

func mustOpen(t *testing.T, scheduler *Scheduler) {
	t.Helper()
	if err := scheduler.DocumentOpened(context.Background()); err != nil {
		t.Fatalf("failed to open document: %v", err)
	}
}
