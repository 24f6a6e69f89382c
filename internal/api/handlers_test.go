package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/dispatch"
	"sms-gateway/internal/health"
	"sms-gateway/internal/messages"
	"sms-gateway/internal/queue"
)

type fakeAPIStore struct {
	msgs       map[uuid.UUID]*messages.Message
	queueDepth int64
	inserted   []*messages.Message
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{msgs: make(map[uuid.UUID]*messages.Message)}
}

func (f *fakeAPIStore) Insert(ctx context.Context, msg *messages.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = messages.NowMillis()
	}
	f.msgs[msg.ID] = msg
	f.inserted = append(f.inserted, msg)
	return nil
}

func (f *fakeAPIStore) Get(ctx context.Context, id uuid.UUID) (*messages.Message, error) {
	msg, ok := f.msgs[id]
	if !ok {
		return nil, messages.ErrNotFound
	}
	return msg, nil
}

func (f *fakeAPIStore) List(ctx context.Context, state *messages.State, priority *messages.Priority, limit, offset int) ([]*messages.Message, error) {
	var out []*messages.Message
	for _, m := range f.msgs {
		if state != nil && m.State != *state {
			continue
		}
		if priority != nil && m.Priority != *priority {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeAPIStore) CountInState(ctx context.Context, state messages.State) (int64, error) {
	return f.queueDepth, nil
}

func (f *fakeAPIStore) QueueStats(ctx context.Context) (*messages.QueueStats, error) {
	return &messages.QueueStats{Totals: map[messages.State]int64{messages.StateQueued: f.queueDepth}}, nil
}

type fakeAPIQueue struct {
	store         *fakeAPIStore
	removeErr     error
	promoteOK     bool
	reprioritized map[uuid.UUID]messages.Priority
	cleared       int64
}

func (f *fakeAPIQueue) Enqueue(ctx context.Context, msg *messages.Message) error {
	msg.State = messages.StateQueued
	return f.store.Insert(ctx, msg)
}

func (f *fakeAPIQueue) Promote(ctx context.Context, msg *messages.Message) (bool, error) {
	return f.promoteOK, nil
}

func (f *fakeAPIQueue) Remove(ctx context.Context, id uuid.UUID) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	msg, ok := f.store.msgs[id]
	if !ok {
		return messages.ErrNotFound
	}
	msg.State = messages.StateCancelled
	return nil
}

func (f *fakeAPIQueue) Reprioritize(ctx context.Context, id uuid.UUID, priority messages.Priority) error {
	msg, ok := f.store.msgs[id]
	if !ok {
		return messages.ErrNotFound
	}
	if msg.State != messages.StateQueued {
		return queue.ErrNotQueued
	}
	if f.reprioritized == nil {
		f.reprioritized = make(map[uuid.UUID]messages.Priority)
	}
	f.reprioritized[id] = priority
	return nil
}

func (f *fakeAPIQueue) Clear(ctx context.Context, priority *messages.Priority) (int64, error) {
	return f.cleared, nil
}

func (f *fakeAPIQueue) ClearState(ctx context.Context, state messages.State) (int64, error) {
	return f.cleared, nil
}

type fakePipeline struct {
	paused bool
}

func (f *fakePipeline) Pause()                { f.paused = true }
func (f *fakePipeline) Resume()               { f.paused = false }
func (f *fakePipeline) Paused() bool          { return f.paused }
func (f *fakePipeline) Stats() dispatch.Stats { return dispatch.Stats{Workers: 4} }

type fakeMonitor struct {
	report *health.Report
}

func (f *fakeMonitor) Current() *health.Report                  { return f.report }
func (f *fakeMonitor) Check(ctx context.Context) *health.Report { return f.report }

type testEnv struct {
	app   *fiber.App
	store *fakeAPIStore
	queue *fakeAPIQueue
	pipe  *fakePipeline
}

func newTestApp(t *testing.T) *testEnv {
	t.Helper()
	store := newFakeAPIStore()
	q := &fakeAPIQueue{store: store, promoteOK: true}
	pipe := &fakePipeline{}
	monitor := &fakeMonitor{report: &health.Report{
		Overall:    health.Healthy,
		Components: map[string]health.Component{},
		CheckedAt:  time.Now(),
	}}

	handlers := NewHandlers(zap.NewNop(), store, q, pipe, monitor, 3, 10_000)
	app := fiber.New()
	SetupRoutes(app, zap.NewNop(), nil, handlers, nil)
	return &testEnv{app: app, store: store, queue: q, pipe: pipe}
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	var decoded map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		json.Unmarshal(data, &decoded)
	}
	return resp, decoded
}

func TestSubmitMessage(t *testing.T) {
	env := newTestApp(t)

	resp, body := doJSON(t, env.app, "POST", "/sms", SubmitRequest{
		Recipient: "+1234567890",
		Content:   "hello",
		Priority:  "HIGH",
	})

	if resp.StatusCode != 202 {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["state"] != "QUEUED" {
		t.Errorf("state = %v, want QUEUED", body["state"])
	}
	if len(env.store.inserted) != 1 {
		t.Fatalf("inserted %d messages", len(env.store.inserted))
	}
	msg := env.store.inserted[0]
	if msg.Priority != messages.PriorityHigh || msg.MaxAttempts != 3 {
		t.Errorf("message = %+v", msg)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestApp(t)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing recipient", SubmitRequest{Content: "hello"}},
		{"bad recipient", SubmitRequest{Recipient: "abc", Content: "hello"}},
		{"missing content", SubmitRequest{Recipient: "+1234567890"}},
		{"bad priority", SubmitRequest{Recipient: "+1234567890", Content: "x", Priority: "EXTREME"}},
		{"bad strategy", SubmitRequest{Recipient: "+1234567890", Content: "x", RetryStrategy: "NEVER"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, env.app, "POST", "/sms", tt.req)
			if resp.StatusCode != 400 {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSubmitLongContentWarns(t *testing.T) {
	env := newTestApp(t)

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	resp, body := doJSON(t, env.app, "POST", "/sms", SubmitRequest{
		Recipient: "+1234567890",
		Content:   string(long),
	})

	if resp.StatusCode != 202 {
		t.Fatalf("status = %d, want 202 (long content accepted)", resp.StatusCode)
	}
	if body["warning"] == nil {
		t.Error("expected a multipart warning")
	}
	if env.store.inserted[0].Parts < 2 {
		t.Errorf("parts = %d, want >= 2", env.store.inserted[0].Parts)
	}
}

func TestSubmitOverloadedQueue(t *testing.T) {
	env := newTestApp(t)
	env.store.queueDepth = 10_000

	resp, _ := doJSON(t, env.app, "POST", "/sms", SubmitRequest{
		Recipient: "+1234567890",
		Content:   "hello",
	})
	if resp.StatusCode != 503 {
		t.Errorf("status = %d, want 503 at high-water mark", resp.StatusCode)
	}
}

func TestSubmitScheduled(t *testing.T) {
	env := newTestApp(t)

	future := messages.NowMillis() + time.Hour.Milliseconds()
	resp, body := doJSON(t, env.app, "POST", "/sms", SubmitRequest{
		Recipient:   "+1234567890",
		Content:     "hello",
		ScheduledAt: &future,
	})
	if resp.StatusCode != 202 {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["state"] != "SCHEDULED" {
		t.Errorf("state = %v, want SCHEDULED", body["state"])
	}
}

func TestSubmitPastScheduleQueuesImmediately(t *testing.T) {
	env := newTestApp(t)

	past := messages.NowMillis() - 1000
	resp, body := doJSON(t, env.app, "POST", "/sms", SubmitRequest{
		Recipient:   "+1234567890",
		Content:     "hello",
		ScheduledAt: &past,
	})
	if resp.StatusCode != 202 || body["state"] != "QUEUED" {
		t.Errorf("status %d state %v, want 202 QUEUED", resp.StatusCode, body["state"])
	}
}

func TestGetMessage(t *testing.T) {
	env := newTestApp(t)
	msg := &messages.Message{State: messages.StateQueued, Recipient: "+1234567890"}
	env.store.Insert(context.Background(), msg)

	resp, body := doJSON(t, env.app, "GET", "/sms/"+msg.ID.String(), nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["id"] != msg.ID.String() {
		t.Errorf("id = %v", body["id"])
	}

	resp, _ = doJSON(t, env.app, "GET", "/sms/"+uuid.NewString(), nil)
	if resp.StatusCode != 404 {
		t.Errorf("unknown id status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, env.app, "GET", "/sms/not-a-uuid", nil)
	if resp.StatusCode != 400 {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelMessage(t *testing.T) {
	env := newTestApp(t)
	msg := &messages.Message{State: messages.StateQueued}
	env.store.Insert(context.Background(), msg)

	resp, _ := doJSON(t, env.app, "DELETE", "/sms/"+msg.ID.String(), nil)
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	env.queue.removeErr = queue.ErrTerminal
	resp, _ = doJSON(t, env.app, "DELETE", "/sms/"+msg.ID.String(), nil)
	if resp.StatusCode != 409 {
		t.Errorf("terminal cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestReprioritize(t *testing.T) {
	env := newTestApp(t)
	msg := &messages.Message{State: messages.StateQueued}
	env.store.Insert(context.Background(), msg)

	resp, _ := doJSON(t, env.app, "POST", "/sms/queue/priority/"+msg.ID.String(),
		map[string]string{"priority": "URGENT"})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if env.queue.reprioritized[msg.ID] != messages.PriorityUrgent {
		t.Error("reprioritize not applied")
	}

	// Not in QUEUED anymore.
	msg.State = messages.StateSending
	resp, _ = doJSON(t, env.app, "POST", "/sms/queue/priority/"+msg.ID.String(),
		map[string]string{"priority": "LOW"})
	if resp.StatusCode != 409 {
		t.Errorf("non-queued status = %d, want 409", resp.StatusCode)
	}
}

func TestRetryEndpoint(t *testing.T) {
	env := newTestApp(t)
	msg := &messages.Message{State: messages.StateScheduled}
	env.store.Insert(context.Background(), msg)

	resp, _ := doJSON(t, env.app, "POST", "/sms/queue/retry/"+msg.ID.String(), nil)
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	msg.State = messages.StateSent
	resp, _ = doJSON(t, env.app, "POST", "/sms/queue/retry/"+msg.ID.String(), nil)
	if resp.StatusCode != 409 {
		t.Errorf("non-scheduled retry status = %d, want 409", resp.StatusCode)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	env := newTestApp(t)

	resp, body := doJSON(t, env.app, "POST", "/sms/queue/pause", nil)
	if resp.StatusCode != 200 || !env.pipe.paused {
		t.Errorf("pause status %d paused %v", resp.StatusCode, env.pipe.paused)
	}
	if q, ok := body["queue"].(map[string]interface{}); !ok || q["paused"] != true {
		t.Errorf("stats body = %v", body)
	}

	resp, _ = doJSON(t, env.app, "POST", "/sms/queue/resume", nil)
	if resp.StatusCode != 200 || env.pipe.paused {
		t.Errorf("resume status %d paused %v", resp.StatusCode, env.pipe.paused)
	}
}

func TestClearEndpoint(t *testing.T) {
	env := newTestApp(t)
	env.queue.cleared = 3

	resp, body := doJSON(t, env.app, "DELETE", "/sms/queue/clear", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["deleted"] != float64(3) {
		t.Errorf("deleted = %v, want 3", body["deleted"])
	}

	resp, _ = doJSON(t, env.app, "DELETE", "/sms/queue/clear?state=SCHEDULED", nil)
	if resp.StatusCode != 200 {
		t.Errorf("clear scheduled status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, env.app, "DELETE", "/sms/queue/clear?state=SENT", nil)
	if resp.StatusCode != 400 {
		t.Errorf("clear terminal state status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, env.app, "DELETE", "/sms/queue/clear?priority=BOGUS", nil)
	if resp.StatusCode != 400 {
		t.Errorf("bad priority status = %d, want 400", resp.StatusCode)
	}
}

func TestListMessages(t *testing.T) {
	env := newTestApp(t)
	env.store.Insert(context.Background(), &messages.Message{State: messages.StateQueued})

	resp, body := doJSON(t, env.app, "GET", "/sms?state=QUEUED&page=1&limit=10", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if msgs, ok := body["messages"].([]interface{}); !ok || len(msgs) != 1 {
		t.Errorf("messages = %v", body["messages"])
	}

	resp, _ = doJSON(t, env.app, "GET", "/sms?state=NOPE", nil)
	if resp.StatusCode != 400 {
		t.Errorf("bad state status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, env.app, "GET", "/sms?page=0", nil)
	if resp.StatusCode != 400 {
		t.Errorf("bad page status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestApp(t)

	resp, body := doJSON(t, env.app, "GET", "/health", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "HEALTHY" {
		t.Errorf("status field = %v", body["status"])
	}

	resp, _ = doJSON(t, env.app, "GET", "/health/detailed", nil)
	if resp.StatusCode != 200 {
		t.Errorf("detailed status = %d", resp.StatusCode)
	}
}

func TestHealthCriticalReturns503(t *testing.T) {
	store := newFakeAPIStore()
	q := &fakeAPIQueue{store: store}
	monitor := &fakeMonitor{report: &health.Report{
		Overall:    health.Critical,
		Components: map[string]health.Component{},
		CheckedAt:  time.Now(),
	}}
	handlers := NewHandlers(zap.NewNop(), store, q, &fakePipeline{}, monitor, 3, 10_000)
	app := fiber.New()
	SetupRoutes(app, zap.NewNop(), nil, handlers, nil)

	resp, _ := doJSON(t, app, "GET", "/health", nil)
	if resp.StatusCode != 503 {
		t.Errorf("status = %d, want 503 when critical", resp.StatusCode)
	}
}
