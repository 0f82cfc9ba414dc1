package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourabh1428/easybill-engine/internal/automation"
	"github.com/sourabh1428/easybill-engine/internal/dedup"
	"github.com/sourabh1428/easybill-engine/internal/dispatch"
	"github.com/sourabh1428/easybill-engine/internal/gateway"
	"github.com/sourabh1428/easybill-engine/internal/queue"
	"github.com/sourabh1428/easybill-engine/internal/segment"
	"github.com/sourabh1428/easybill-engine/internal/store"
	"github.com/sourabh1428/easybill-engine/internal/tenant"
)

type fakeTenants struct {
	tenants []tenant.Tenant
}

func (f *fakeTenants) GetByID(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	for i := range f.tenants {
		if f.tenants[i].ID == tenantID {
			return &f.tenants[i], nil
		}
	}
	return nil, tenant.ErrUnknownTenant
}

func (f *fakeTenants) ListActive(ctx context.Context) ([]tenant.Tenant, error) {
	return f.tenants, nil
}

type fakeWorkerStore struct {
	mu sync.Mutex

	segments    []segment.Segment
	users       map[string][]store.User // segment ID -> audience
	compileErrs map[string]bool
	campaigns   map[string]*store.Campaign
	automations map[string]*automation.Automation

	events      []store.Event
	processed   map[string][]string
	delivered   int
	failed      int
	executions  map[string]*automation.ExecutionHistory
	bumps       map[string]int
	tasks       []automation.Task
	contactTags map[string][]string
	nextID      int
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{
		users:       map[string][]store.User{},
		compileErrs: map[string]bool{},
		campaigns:   map[string]*store.Campaign{},
		automations: map[string]*automation.Automation{},
		processed:   map[string][]string{},
		executions:  map[string]*automation.ExecutionHistory{},
		bumps:       map[string]int{},
		contactTags: map[string][]string{},
	}
}

func (f *fakeWorkerStore) GetSegment(ctx context.Context, id string) (*segment.Segment, error) {
	for i := range f.segments {
		if f.segments[i].ID == id {
			return &f.segments[i], nil
		}
	}
	return nil, fmt.Errorf("segment %s not found", id)
}

func (f *fakeWorkerStore) ListActiveSegments(ctx context.Context) ([]segment.Segment, error) {
	return f.segments, nil
}

func (f *fakeWorkerStore) ResolveAudience(ctx context.Context, seg segment.Segment) ([]store.User, error) {
	if f.compileErrs[seg.ID] {
		return nil, &segment.CompileError{SegmentID: seg.ID, Reason: "empty value list"}
	}
	return f.users[seg.ID], nil
}

func (f *fakeWorkerStore) GetCampaign(ctx context.Context, id string) (*store.Campaign, error) {
	if c, ok := f.campaigns[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("campaign %s not found", id)
}

func (f *fakeWorkerStore) GetAutomation(ctx context.Context, id string) (*automation.Automation, error) {
	if a, ok := f.automations[id]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("automation %s not found", id)
}

func (f *fakeWorkerStore) ListAutomationsByTrigger(ctx context.Context, triggerType, event string) ([]automation.Automation, error) {
	var out []automation.Automation
	for _, a := range f.automations {
		if a.Active && a.Trigger.Type == triggerType {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeWorkerStore) InsertEvent(ctx context.Context, ev store.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return fmt.Sprintf("ev-%d", len(f.events)), nil
}

func (f *fakeWorkerStore) MarkSegmentProcessed(ctx context.Context, segmentID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[segmentID] = append(f.processed[segmentID], userIDs...)
	return nil
}

func (f *fakeWorkerStore) IncCampaignAnalytics(ctx context.Context, campaignID string, impressions, delivered, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered += delivered
	f.failed += failed
	return nil
}

func (f *fakeWorkerStore) InsertExecution(ctx context.Context, rec automation.ExecutionHistory) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("exec-%d", f.nextID)
	rec.ID = id
	f.executions[id] = &rec
	return id, nil
}

func (f *fakeWorkerStore) CompleteExecution(ctx context.Context, historyID, status string, results []automation.ActionResult, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.executions[historyID]
	if !ok {
		return fmt.Errorf("execution %s not found", historyID)
	}
	rec.Status = status
	rec.Results = results
	rec.Error = errMsg
	return nil
}

func (f *fakeWorkerStore) BumpAutomationRun(ctx context.Context, automationID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumps[automationID]++
	return nil
}

func (f *fakeWorkerStore) InsertTask(ctx context.Context, task automation.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return fmt.Sprintf("task-%d", len(f.tasks)), nil
}

func (f *fakeWorkerStore) AddContactTag(ctx context.Context, contactID, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contactTags[contactID] = append(f.contactTags[contactID], tag)
	return nil
}

type countingSender struct {
	mu    sync.Mutex
	sent  []gateway.Message
	fails map[string]bool
}

func (s *countingSender) Send(ctx context.Context, msg gateway.Message) (*gateway.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails[msg.Destination] {
		return nil, &gateway.Error{Provider: "fake", Message: "send rejected"}
	}
	s.sent = append(s.sent, msg)
	return &gateway.Receipt{MessageID: "m-" + msg.Destination}, nil
}

func (s *countingSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type workerFixture struct {
	tenants *fakeTenants
	store   *fakeWorkerStore
	sender  *countingSender
	batcher *dispatch.Batcher
	deps    Deps
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &workerFixture{
		tenants: &fakeTenants{tenants: []tenant.Tenant{{ID: "t1", Name: "Acme", DBName: "acme", Status: "active"}}},
		store:   newFakeWorkerStore(),
		sender:  &countingSender{fails: map[string]bool{}},
	}
	cache := dedup.New(client, dedup.Config{})
	f.batcher = dispatch.NewBatcher(f.sender, cache, dispatch.Config{BatchSize: 10, InterBatchDelay: time.Millisecond})
	f.deps = Deps{
		Tenants:  f.tenants,
		Stores:   func(*tenant.Tenant) Store { return f.store },
		Limiters: func(*tenant.Tenant) dispatch.Limiter { return nil },
	}
	return f
}

func job(t *testing.T, jobType string, payload any) queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return queue.Job{ID: "job-1", TenantID: "t1", Type: jobType, Payload: raw, Attempt: 1, MaxAttempts: 3}
}

func TestSegmentWorkerProcessAll(t *testing.T) {
	f := newWorkerFixture(t)
	f.store.segments = []segment.Segment{
		{ID: "seg-1", Channel: gateway.ChannelWhatsApp, TemplateID: "tpl-1", Status: segment.StatusActive},
	}
	f.store.users["seg-1"] = []store.User{
		{ID: "u1", Phone: "+919000000001"},
		{ID: "u2", Phone: "+919000000002"},
		{ID: "u3", Phone: "+919000000003"},
	}

	w := NewSegmentWorker(f.deps, f.batcher, time.Hour)
	w.ProcessAll(context.Background())

	assert.Equal(t, 3, f.sender.sentCount())
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, f.store.processed["seg-1"])
}

func TestSegmentWorkerSkipsUncompilableSegment(t *testing.T) {
	f := newWorkerFixture(t)
	f.store.segments = []segment.Segment{
		{ID: "seg-bad", Channel: gateway.ChannelEmail, Status: segment.StatusActive},
		{ID: "seg-ok", Channel: gateway.ChannelEmail, TemplateID: "tpl-1", Status: segment.StatusActive},
	}
	f.store.compileErrs["seg-bad"] = true
	f.store.users["seg-ok"] = []store.User{{ID: "u1", Email: "a@example.com"}}

	w := NewSegmentWorker(f.deps, f.batcher, time.Hour)
	w.ProcessAll(context.Background())

	assert.Equal(t, 1, f.sender.sentCount())
	assert.Empty(t, f.store.processed["seg-bad"])
	assert.Equal(t, []string{"u1"}, f.store.processed["seg-ok"])
}

func TestSegmentWorkerStartStop(t *testing.T) {
	f := newWorkerFixture(t)
	w := NewSegmentWorker(f.deps, f.batcher, time.Hour)
	w.Start()
	w.Start() // second call is a no-op
	w.Stop()
	w.Stop()
}

func TestDispatchSegmentHandler(t *testing.T) {
	f := newWorkerFixture(t)
	f.store.segments = []segment.Segment{
		{ID: "seg-1", Channel: gateway.ChannelWhatsApp, TemplateID: "seg-tpl", Status: segment.StatusActive},
	}
	f.store.users["seg-1"] = []store.User{
		{ID: "u1", Phone: "+919000000001"},
		{ID: "u2", Phone: "+919000000002"},
	}
	f.store.campaigns["camp-1"] = &store.Campaign{
		ID: "camp-1", SegmentID: "seg-1", Channel: gateway.ChannelWhatsApp, TemplateID: "camp-tpl", Status: "active",
	}

	h := QueueHandlers(f.deps, automation.NewEngine(f.sender, automation.Config{}), f.batcher)
	err := h[queue.JobDispatchSegment](context.Background(),
		job(t, queue.JobDispatchSegment, map[string]string{"campaignId": "camp-1", "segmentId": "seg-1"}))
	require.NoError(t, err)

	require.Equal(t, 2, f.sender.sentCount())
	assert.Equal(t, "camp-tpl", f.sender.sent[0].TemplateID) // campaign template wins over the segment's
	assert.Equal(t, 2, f.store.delivered)
	assert.ElementsMatch(t, []string{"u1", "u2"}, f.store.processed["seg-1"])
}

func TestDispatchSegmentHandlerUnknownTenantRetries(t *testing.T) {
	f := newWorkerFixture(t)
	h := QueueHandlers(f.deps, automation.NewEngine(f.sender, automation.Config{}), f.batcher)

	j := job(t, queue.JobDispatchSegment, map[string]string{"campaignId": "c", "segmentId": "s"})
	j.TenantID = "nope"
	err := h[queue.JobDispatchSegment](context.Background(), j)
	require.Error(t, err)
}

func TestTrackingEventHandlerFiresMatchingAutomations(t *testing.T) {
	f := newWorkerFixture(t)
	f.store.automations["auto-1"] = &automation.Automation{
		ID: "auto-1", TenantID: "t1", Active: true,
		Trigger: automation.Trigger{Type: automation.TriggerEvent, Event: "signup"},
		Actions: []automation.ActionSpec{{Type: automation.ActionTagContact, ContactID: "c1", Tag: "welcomed"}},
	}
	f.store.automations["auto-2"] = &automation.Automation{
		ID: "auto-2", TenantID: "t1", Active: true,
		Trigger: automation.Trigger{Type: automation.TriggerEvent, Event: "purchase"},
		Actions: []automation.ActionSpec{{Type: automation.ActionTagContact, ContactID: "c1", Tag: "buyer"}},
	}

	h := QueueHandlers(f.deps, automation.NewEngine(f.sender, automation.Config{}), f.batcher)
	err := h[queue.JobTrackingEvent](context.Background(),
		job(t, queue.JobTrackingEvent, map[string]any{"event": "signup", "userId": "u1"}))
	require.NoError(t, err)

	require.Len(t, f.store.events, 1)
	assert.Equal(t, "signup", f.store.events[0].EventName)

	// the matched automation runs asynchronously
	require.Eventually(t, func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return f.store.bumps["auto-1"] == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"welcomed"}, f.store.contactTags["c1"])
	assert.Zero(t, f.store.bumps["auto-2"])
}

func TestRunAutomationHandler(t *testing.T) {
	f := newWorkerFixture(t)
	f.store.automations["auto-1"] = &automation.Automation{
		ID: "auto-1", TenantID: "t1", Active: true,
		Trigger: automation.Trigger{Type: automation.TriggerManual},
		Actions: []automation.ActionSpec{{Type: automation.ActionCreateTask, Title: "Follow up"}},
	}

	h := QueueHandlers(f.deps, automation.NewEngine(f.sender, automation.Config{}), f.batcher)
	err := h[queue.JobRunAutomation](context.Background(),
		job(t, queue.JobRunAutomation, map[string]any{"automationId": "auto-1"}))
	require.NoError(t, err)

	require.Len(t, f.store.tasks, 1)
	assert.Equal(t, 1, f.store.bumps["auto-1"])
	require.Len(t, f.store.executions, 1)
	for _, rec := range f.store.executions {
		assert.Equal(t, automation.StatusCompleted, rec.Status)
	}
}

func TestRunAutomationHandlerSkipsInactive(t *testing.T) {
	f := newWorkerFixture(t)
	f.store.automations["auto-1"] = &automation.Automation{
		ID: "auto-1", TenantID: "t1", Active: false,
		Trigger: automation.Trigger{Type: automation.TriggerManual},
	}

	h := QueueHandlers(f.deps, automation.NewEngine(f.sender, automation.Config{}), f.batcher)
	err := h[queue.JobRunAutomation](context.Background(),
		job(t, queue.JobRunAutomation, map[string]any{"automationId": "auto-1"}))
	require.NoError(t, err)
	assert.Empty(t, f.store.executions)
}

func TestHandlersDropMalformedPayloads(t *testing.T) {
	f := newWorkerFixture(t)
	h := QueueHandlers(f.deps, automation.NewEngine(f.sender, automation.Config{}), f.batcher)

	for _, jobType := range []string{
		queue.JobDispatchSegment, queue.JobTrackingEvent, queue.JobRunAutomation, queue.JobDelayedMessage,
	} {
		j := queue.Job{ID: "job-x", TenantID: "t1", Type: jobType, Payload: json.RawMessage(`{not json`)}
		assert.NoError(t, h[jobType](context.Background(), j), jobType)
	}
	assert.Zero(t, f.sender.sentCount())
	assert.Empty(t, f.store.events)
}

func TestDelayedMessageHandler(t *testing.T) {
	f := newWorkerFixture(t)
	h := QueueHandlers(f.deps, automation.NewEngine(f.sender, automation.Config{}), f.batcher)

	err := h[queue.JobDelayedMessage](context.Background(), job(t, queue.JobDelayedMessage, map[string]any{
		"channel":     gateway.ChannelWhatsApp,
		"destination": "+919000000001",
		"recipientId": "u1",
		"templateId":  "tpl-1",
		"params":      []string{"Asha"},
	}))
	require.NoError(t, err)
	require.Equal(t, 1, f.sender.sentCount())
	assert.Equal(t, "tpl-1", f.sender.sent[0].TemplateID)
}

func TestDelayedMessageHandlerSendFailureRetries(t *testing.T) {
	f := newWorkerFixture(t)
	f.sender.fails["+919000000001"] = true
	h := QueueHandlers(f.deps, automation.NewEngine(f.sender, automation.Config{}), f.batcher)

	err := h[queue.JobDelayedMessage](context.Background(), job(t, queue.JobDelayedMessage, map[string]any{
		"channel":     gateway.ChannelWhatsApp,
		"destination": "+919000000001",
	}))
	require.Error(t, err)
}
