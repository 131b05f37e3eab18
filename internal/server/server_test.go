package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dealdesk/internal/config"
	"dealdesk/internal/db"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/engine/auth"
	"dealdesk/internal/logger"
	"dealdesk/internal/migrate"
	"dealdesk/internal/repo"
)

var testToken = auth.TokenConfig{Secret: "test-secret", Issuer: "dealdesk", Audience: "dealdesk-api"}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Contracts.Dir = filepath.Join(workspace, "contracts")
	return engine.New(conn, cfg, logger.Nop())
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{Token: testToken, AllowDevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, subject, role string) map[string]string {
	t.Helper()
	tok, err := auth.IssueToken(testToken, subject, role, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func startNegotiation(t *testing.T, srv *testServer, headers map[string]string, body map[string]any) engine.StartResult {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/negotiations/start", body, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var out engine.StartResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal start: %v", err)
	}
	return out
}

func TestNegotiationFlowCompletesWithContract(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	sara := bearer(t, "sara", "")

	started := startNegotiation(t, srv, sara, map[string]any{
		"user_profile": map[string]any{"name": "Sara", "desired_model": "clio", "budget": 180000, "risk_level": "Low"},
		"message":      "I want a clio",
	})
	sid := started.Session.ID
	if started.Session.UserID != "sara" || started.Session.CurrentRound != 1 || started.Offer.OfferPrice <= 0 {
		t.Fatalf("unexpected start %+v", started)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/negotiations/"+sid+"/message", map[string]any{
		"message":       "can you do better",
		"counter_offer": map[string]any{"offer_price": 150000},
	}, sara)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("counter status %d: %s", res.StatusCode, string(data))
	}
	var reply engine.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Round != 2 || reply.Status != domain.StatusActive || reply.Offer == nil {
		t.Fatalf("unexpected counter reply %+v", reply)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/negotiations/"+sid+"/message", map[string]any{
		"action": "accept", "message": "deal",
	}, sara)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	reply = engine.Reply{}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Status != domain.StatusCompleted || reply.Contract == nil {
		t.Fatalf("expected completed with contract, got %+v", reply)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/negotiations/"+sid+"/history", nil, sara)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history historyResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history.Items) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(history.Items))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/negotiations/"+sid+"/validations", nil, sara)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"is_approved":true`) {
		t.Fatalf("validations status %d: %s", res.StatusCode, string(data))
	}

	file := path.Base(reply.Contract.DocumentRef)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts/"+file, nil, sara)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), reply.Contract.ContractID) {
		t.Fatalf("contract status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts/"+file, nil, bearer(t, "omar", ""))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's contract, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/negotiations/"+sid+"/message", map[string]any{
		"action": "counter",
	}, sara)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "status_conflict" {
		t.Fatalf("expected 409 status_conflict, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/sara/negotiation", nil, sara)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("completed session must leave the active slot, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthAndOwnership(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/negotiations/start", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/negotiations", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}

	sara := bearer(t, "sara", "")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/negotiations/start", map[string]any{"user_id": "omar"}, sara)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected 403 starting for another user, got %d: %s", res.StatusCode, string(data))
	}

	started := startNegotiation(t, srv, sara, map[string]any{"user_profile": map[string]any{"desired_model": "clio"}})
	omar := bearer(t, "omar", "")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/negotiations/"+started.Session.ID, nil, omar)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 reading another user's session, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/negotiations/does-not-exist", nil, sara)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}

	crm := bearer(t, "crm", auth.RoleService)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/sara/negotiation", nil, crm)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), started.Session.ID) {
		t.Fatalf("service should read any user, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, sara)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on events for client, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/negotiations/"+started.Session.ID, nil, omar)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 deleting another user's session, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/negotiations/"+started.Session.ID, nil, sara)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	var deleted deleteResponse
	if err := json.Unmarshal(data, &deleted); err != nil || !deleted.Success || deleted.SessionID != started.Session.ID {
		t.Fatalf("unexpected delete body %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/negotiations/"+started.Session.ID, nil, sara)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyIsServicePrincipal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()
	if err := srv.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID: "k1", ActorID: "crm", KeyHash: repo.HashAPIKey("dd_live_abc"), CreatedAt: "2025-06-01T10:00:00Z",
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	key := map[string]string{"X-Api-Key": "dd_live_abc"}
	startNegotiation(t, srv, key, map[string]any{"user_id": "sara", "user_profile": map[string]any{"desired_model": "clio"}})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=10", nil, key)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != "negotiation.started" || page.Items[0].ActorID != "crm" {
		t.Fatalf("unexpected events %+v", page.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/negotiations", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d: %s", res.StatusCode, string(data))
	}
}

func TestToolEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	sara := bearer(t, "sara", "")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/policy/validate", map[string]any{
		"terms":        map[string]any{"offer_price": 100000, "discount_amount": 70000, "payment_method": "cash"},
		"user_profile": map[string]any{"risk_level": "Low"},
		"model":        "clio",
	}, sara)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var v domain.BusinessValidation
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal validation: %v", err)
	}
	if v.IsApproved || len(v.Violations) == 0 {
		t.Fatalf("excessive discount should be rejected: %+v", v)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/market/clio?budget=180000", nil, sara)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"reference_price":165000`) {
		t.Fatalf("market status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/appraisals", map[string]any{
		"model": "clio", "year": "2018", "mileage": 90000,
	}, sara)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"estimated_value"`) {
		t.Fatalf("appraisal status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"user_id": "sara"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var tok TokenResponse
	if err := json.Unmarshal(data, &tok); err != nil || tok.Token == "" {
		t.Fatalf("unexpected token response %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/negotiations", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev token rejected %d: %s", res.StatusCode, string(data))
	}
}

func TestWebhookDispatchSignsAndAdvances(t *testing.T) {
	var mu sync.Mutex
	var got []*http.Request
	var bodies [][]byte
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, r)
		bodies = append(bodies, b)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	e := newTestEngine(t)
	e.Config.Webhooks = []config.Webhook{
		{ID: "all", URL: hook.URL, Secret: "shh"},
		{ID: "done", URL: hook.URL, Events: []string{"negotiation.completed"}},
	}
	d := newWebhookDispatcher(e)
	ctx := context.Background()
	d.dispatchAll(ctx)

	if _, err := e.Start(ctx, engine.StartInput{UserID: "sara", Profile: domain.UserProfile{DesiredModel: "clio"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].Header.Get("X-Dealdesk-Event") != "negotiation.started" {
		t.Fatalf("unexpected event header %q", got[0].Header.Get("X-Dealdesk-Event"))
	}
	if sig := got[0].Header.Get("X-Dealdesk-Signature"); sig != signPayload("shh", bodies[0]) {
		t.Fatalf("bad signature %q", sig)
	}
	var body delivery
	if err := json.Unmarshal(bodies[0], &body); err != nil {
		t.Fatalf("decode delivery: %v", err)
	}
	if body.Event != "negotiation.started" || body.SessionID == "" || body.ActorID != "sara" {
		t.Fatalf("unexpected delivery %+v", body)
	}
	latest, _ := e.Repo.LatestEventID(ctx)
	if d.cursors[0] != latest || d.cursors[1] != latest {
		t.Fatalf("cursors not advanced: %v latest %d", d.cursors, latest)
	}
}

func TestEventFilter(t *testing.T) {
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match all")
	}
	f := newEventFilter([]string{" negotiation.completed ", ""})
	if !f.match("negotiation.completed") || f.match("negotiation.started") {
		t.Fatalf("unexpected filter behaviour")
	}
	f = newEventFilter([]string{"negotiation.*"})
	if !f.match("negotiation.rejected") || f.match("policy.validated") {
		t.Fatalf("family filter should only match negotiation events")
	}
	if !newEventFilter([]string{"policy.validated", "*"}).match("negotiation.started") {
		t.Fatalf("wildcard should match all")
	}
}
