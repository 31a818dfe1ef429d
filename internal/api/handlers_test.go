package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/hyperengineering/heritage/internal/remote"
	"github.com/hyperengineering/heritage/internal/remote/memremote"
	"github.com/hyperengineering/heritage/internal/types"
	"github.com/oklog/ulid/v2"
)

func churchJSON(t *testing.T, id, name, region string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(&types.Church{
		ID: id, Name: name, Region: region,
		HeritageStatus: "listed", ApprovalStatus: "approved",
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

type testServer struct {
	store  *memremote.Store
	hub    *Hub
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	captureLogs(t)
	s := memremote.New()
	hub := NewHub()
	t.Cleanup(s.Subscribe(hub.Publish))
	return &testServer{store: s, hub: hub, router: NewRouter(NewHandler(s, hub, "test"), testAPIKey)}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHealth_Public(t *testing.T) {
	ts := newTestServer(t)

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp remote.HealthResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "healthy" || resp.Version != "test" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDocumentRoutes_RequireAuth(t *testing.T) {
	ts := newTestServer(t)

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/docs/church/changes", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestPutDocument_CreateThenReplace(t *testing.T) {
	ts := newTestServer(t)
	body := remote.WriteRequest{Fields: churchJSON(t, "c1", "St Mary", "north")}

	// Given: a first write
	w := ts.do(t, http.MethodPut, "/v1/docs/church/c1", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("first write status = %d, want 201: %s", w.Code, w.Body)
	}
	var first remote.WriteResult
	json.NewDecoder(w.Body).Decode(&first)

	// When: the same id is written again
	w = ts.do(t, http.MethodPut, "/v1/docs/church/c1", body)

	// Then: it replaces rather than duplicates
	if w.Code != http.StatusOK {
		t.Fatalf("second write status = %d, want 200", w.Code)
	}
	var second remote.WriteResult
	json.NewDecoder(w.Body).Decode(&second)
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("updated_at did not advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	if n := ts.store.Len(types.KindChurch); n != 1 {
		t.Errorf("remote documents = %d, want 1", n)
	}
}

func TestPutDocument_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/v1/docs/church/c1", remote.WriteRequest{Fields: churchJSON(t, "c1", "St Mary", "north")})
	stale := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown kind", "/v1/docs/chapel/c1", remote.WriteRequest{Fields: churchJSON(t, "c1", "x", "")}, http.StatusNotFound},
		{"missing fields", "/v1/docs/church/c1", remote.WriteRequest{}, http.StatusUnprocessableEntity},
		{"invalid entity", "/v1/docs/church/c1", remote.WriteRequest{Fields: churchJSON(t, "c1", "", "")}, http.StatusUnprocessableEntity},
		{"stale version", "/v1/docs/church/c1", remote.WriteRequest{Fields: churchJSON(t, "c1", "x", ""), ExpectedVersion: &stale}, http.StatusConflict},
		{"bad json", "/v1/docs/church/c1", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPut, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.status, w.Body)
			}
		})
	}
}

func TestPutDocument_ValidationErrorsListed(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPut, "/v1/docs/church/c1", remote.WriteRequest{Fields: churchJSON(t, "c1", "", "")})

	var p ProblemWithErrors
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range p.Errors {
		if e.Field == "name" {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %+v, want an entry for name", p.Errors)
	}
}

func TestDeleteDocument(t *testing.T) {
	ts := newTestServer(t)
	ts.store.Put(types.KindChurch, "c1", churchJSON(t, "c1", "St Mary", "north"))

	if w := ts.do(t, http.MethodDelete, "/v1/docs/church/c1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/v1/docs/church/c1", nil); w.Code != http.StatusNotFound {
		t.Errorf("repeat delete status = %d, want 404", w.Code)
	}
}

func TestChanges(t *testing.T) {
	ts := newTestServer(t)
	first := ts.store.Put(types.KindChurch, "c1", churchJSON(t, "c1", "A", "north"))
	ts.store.Put(types.KindChurch, "c2", churchJSON(t, "c2", "B", "north"))

	w := ts.do(t, http.MethodGet, "/v1/docs/church/changes?since="+first.Format(time.RFC3339Nano), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var resp remote.ChangesResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Documents) != 1 || resp.Documents[0].ID != "c2" {
		t.Errorf("documents = %+v, want only c2", resp.Documents)
	}
}

func TestChanges_BadParams(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{"since=yesterday", "limit=0", "limit=abc"} {
		if w := ts.do(t, http.MethodGet, "/v1/docs/church/changes?"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestChanges_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/docs/announcement/changes", nil)

	if !strings.Contains(w.Body.String(), `"documents":[]`) {
		t.Errorf("body = %s, want an empty documents array", w.Body)
	}
}

func TestQuery_Pages(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		ts.store.Put(types.KindChurch, id, churchJSON(t, id, "Church "+id, "north"))
	}
	ts.store.Put(types.KindChurch, "c4", churchJSON(t, "c4", "Elsewhere", "south"))

	req := remote.ListRequest{Filter: types.Eq("region", "north"), Limit: 2}
	var got []string
	for range 3 {
		w := ts.do(t, http.MethodPost, "/v1/docs/church/query", req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body)
		}
		var page remote.ListResult
		json.NewDecoder(w.Body).Decode(&page)
		for _, d := range page.Documents {
			got = append(got, d.ID)
		}
		if len(page.Documents) == 0 {
			break
		}
		req.Cursor = page.NextCursor
	}

	if strings.Join(got, ",") != "c1,c2,c3" {
		t.Errorf("ids = %v, want [c1 c2 c3]", got)
	}
}

func TestQuery_InvalidFilter(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/docs/church/query", remote.ListRequest{Cursor: "!!"})

	if w.Code < 400 || w.Code >= 500 {
		t.Errorf("status = %d, want a 4xx", w.Code)
	}
}

func TestWatch_StreamsChanges(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+testAPIKey)
	h.Set(remote.HeaderSourceID, ulid.Make().String())
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/watch", &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// Wait for the subscription to register before writing.
	for ts.hub.Count() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("watcher never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	ts.store.Put(types.KindChurch, "c1", churchJSON(t, "c1", "St Mary", "north"))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var change remote.Change
	if err := json.Unmarshal(data, &change); err != nil {
		t.Fatal(err)
	}
	if change.Kind != types.KindChurch || change.ID != "c1" {
		t.Errorf("change = %+v", change)
	}
}

func TestWatch_DisabledWithoutHub(t *testing.T) {
	captureLogs(t)
	router := NewRouter(NewHandler(memremote.New(), nil, "test"), "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/watch", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
