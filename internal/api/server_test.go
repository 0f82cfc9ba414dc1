package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourabh1428/easybill-engine/internal/automation"
	"github.com/sourabh1428/easybill-engine/internal/gateway"
	"github.com/sourabh1428/easybill-engine/internal/queue"
	"github.com/sourabh1428/easybill-engine/internal/segment"
	"github.com/sourabh1428/easybill-engine/internal/store"
	"github.com/sourabh1428/easybill-engine/internal/tenant"
)

type fakeResolver struct {
	tenants map[string]*tenant.Tenant
}

func (f *fakeResolver) Resolve(ctx context.Context, apiKey string) (*tenant.Tenant, error) {
	t, ok := f.tenants[apiKey]
	if !ok {
		return nil, tenant.ErrUnknownTenant
	}
	return t, nil
}

type fakeStore struct {
	automations map[string]*automation.Automation
	campaigns   map[string]*store.Campaign
	executions  map[string]*automation.ExecutionHistory
	nextID      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		automations: map[string]*automation.Automation{},
		campaigns:   map[string]*store.Campaign{},
		executions:  map[string]*automation.ExecutionHistory{},
	}
}

func (f *fakeStore) GetAutomation(ctx context.Context, id string) (*automation.Automation, error) {
	a, ok := f.automations[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return a, nil
}

func (f *fakeStore) GetCampaign(ctx context.Context, id string) (*store.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

func (f *fakeStore) ListExecutions(ctx context.Context, automationID string, limit int64) ([]automation.ExecutionHistory, error) {
	var out []automation.ExecutionHistory
	for _, rec := range f.executions {
		if rec.AutomationID == automationID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertExecution(ctx context.Context, rec automation.ExecutionHistory) (string, error) {
	f.nextID++
	rec.ID = "exec-" + string(rune('0'+f.nextID))
	f.executions[rec.ID] = &rec
	return rec.ID, nil
}

func (f *fakeStore) CompleteExecution(ctx context.Context, historyID, status string, results []automation.ActionResult, errMsg string) error {
	rec := f.executions[historyID]
	rec.Status = status
	rec.Results = results
	rec.Error = errMsg
	return nil
}

func (f *fakeStore) BumpAutomationRun(ctx context.Context, automationID string, at time.Time) error {
	return nil
}

func (f *fakeStore) InsertTask(ctx context.Context, task automation.Task) (string, error) {
	return "task-1", nil
}

func (f *fakeStore) AddContactTag(ctx context.Context, contactID, tag string) error {
	return nil
}

type fakeEnqueuer struct {
	jobs []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, tenantID, jobType string, payload any, opts queue.Options) (string, error) {
	f.jobs = append(f.jobs, jobType)
	return "job-1", nil
}

type okSender struct{}

func (okSender) Send(ctx context.Context, msg gateway.Message) (*gateway.Receipt, error) {
	return &gateway.Receipt{MessageID: "m-1"}, nil
}

func newTestServer(st *fakeStore) (*Server, *fakeEnqueuer) {
	resolver := &fakeResolver{tenants: map[string]*tenant.Tenant{
		"valid-key": {ID: "acme", DBName: "db_acme", Status: "active"},
	}}
	q := &fakeEnqueuer{}
	engine := automation.NewEngine(okSender{}, automation.Config{})
	srv := NewServer(resolver, func(t *tenant.Tenant) Store { return st }, engine, q)
	return srv, q
}

func doRequest(t *testing.T, srv *Server, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthzNoAuth(t *testing.T) {
	srv, _ := newTestServer(newFakeStore())
	rec := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantAuth(t *testing.T) {
	srv, _ := newTestServer(newFakeStore())

	rec := doRequest(t, srv, http.MethodPost, "/events", "", map[string]string{"event": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/events", "wrong-key", map[string]string{"event": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestEvent(t *testing.T) {
	srv, q := newTestServer(newFakeStore())

	rec := doRequest(t, srv, http.MethodPost, "/events", "valid-key", ingestEventRequest{
		Event:   "purchase",
		UserID:  "u1",
		Payload: map[string]any{"amount": 500},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{queue.JobTrackingEvent}, q.jobs)

	rec = doRequest(t, srv, http.MethodPost, "/events", "valid-key", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "event name is required")
}

func TestExecuteAutomationReturnsExecutionID(t *testing.T) {
	st := newFakeStore()
	st.automations["auto-1"] = &automation.Automation{
		ID:       "auto-1",
		TenantID: "acme",
		Active:   true,
		Actions:  []automation.ActionSpec{{Type: automation.ActionSendEmail, To: "a@example.com"}},
	}
	srv, _ := newTestServer(st)

	rec := doRequest(t, srv, http.MethodPost, "/automations/auto-1/execute", "valid-key", executeRequest{})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["executionId"])

	rec = doRequest(t, srv, http.MethodPost, "/automations/missing/execute", "valid-key", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteAutomationRejectsInactive(t *testing.T) {
	st := newFakeStore()
	st.automations["auto-off"] = &automation.Automation{
		ID:       "auto-off",
		TenantID: "acme",
		Active:   false,
		Actions:  []automation.ActionSpec{{Type: automation.ActionSendEmail, To: "a@example.com"}},
	}
	srv, _ := newTestServer(st)

	rec := doRequest(t, srv, http.MethodPost, "/automations/auto-off/execute", "valid-key", executeRequest{})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, st.executions, "no run starts for an inactive automation")
}

func TestDispatchCampaign(t *testing.T) {
	st := newFakeStore()
	st.campaigns["camp-1"] = &store.Campaign{
		ID: "camp-1", SegmentID: "seg-1", Status: segment.StatusActive,
	}
	st.campaigns["camp-done"] = &store.Campaign{
		ID: "camp-done", SegmentID: "seg-2", Status: segment.StatusCompleted,
	}
	srv, q := newTestServer(st)

	rec := doRequest(t, srv, http.MethodPost, "/campaigns/camp-1/dispatch", "valid-key", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{queue.JobDispatchSegment}, q.jobs)

	rec = doRequest(t, srv, http.MethodPost, "/campaigns/camp-done/dispatch", "valid-key", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/campaigns/nope/dispatch", "valid-key", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
