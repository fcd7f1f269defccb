package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/geofmureithi/broker/internal/bus"
	"github.com/geofmureithi/broker/internal/projection"
	"github.com/geofmureithi/broker/internal/scheduler"
	"github.com/geofmureithi/broker/internal/store"
	"github.com/geofmureithi/broker/pkg/config"
	"github.com/geofmureithi/broker/pkg/models"
)

const (
	tenantA     = "e69d88c2-135e-4280-9cd8-d4a5edd8642a"
	tenantB     = "f69d88c2-135e-4280-9cd8-d4a5edd8642a"
	collection1 = "3ca76743-8d99-4d3f-b85c-633ea456f90c"
	collection2 = "3ca76743-8d99-4d3f-b85c-633ea456f90d"
)

type fakeClock struct {
	now int64
	err error
}

func (f *fakeClock) Now() (int64, error) {
	return f.now, f.err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testEnv struct {
	router *gin.Engine
	store  *store.Store
	clock  *fakeClock
	bus    *bus.Bus
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := &fakeClock{now: time.Now().Unix()}
	b := bus.New(16)
	Init(st, clk, b, projection.New(st, testLogger()), config.Config{
		Expiry: 3600,
		Secret: "secret",
		Origin: "*",
	}, testLogger())

	router := gin.New()
	SetupRoutes(router)
	return &testEnv{router: router, store: st, clock: clk, bus: b}
}

func (env *testEnv) do(t *testing.T, method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) signup(t *testing.T, username, password, collectionID, tenantID string) string {
	t.Helper()
	w := env.do(t, "POST", "/users", "", gin.H{
		"username": username, "password": password,
		"collection_id": collectionID, "tenant_id": tenantID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("signup %s: status %d body %s", username, w.Code, w.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	return resp.ID
}

func (env *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	w := env.do(t, "POST", "/login", "", gin.H{"username": username, "password": password})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, w.Code, w.Body.String())
	}
	var resp struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return "Bearer " + resp.JWT
}

func decodeRecord(t *testing.T, w *httptest.ResponseRecorder) *models.Event {
	t.Helper()
	var resp struct {
		Event *models.Event `json:"event"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode record response: %v (%s)", err, w.Body.String())
	}
	return resp.Event
}

func TestSignupEnforcesUniqueUsernames(t *testing.T) {
	env := setup(t)

	env.signup(t, "rust22", "rust", collection1, tenantA)
	env.signup(t, "rust23", "rust", collection2, tenantA)

	w := env.do(t, "POST", "/users", "", gin.H{
		"username": "rust22", "password": "other",
		"collection_id": collection1, "tenant_id": tenantA,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate signup: status %d", w.Code)
	}
	if w.Body.String() != `{"error":"username already taken"}` {
		t.Fatalf("duplicate signup body: %s", w.Body.String())
	}
}

func TestSignupRejectsMalformedBody(t *testing.T) {
	env := setup(t)

	w := env.do(t, "POST", "/users", "", gin.H{"username": "nope"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete form, got %d", w.Code)
	}
}

func TestLogin(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust22", "rust", collection1, tenantA)

	w := env.do(t, "POST", "/login", "", gin.H{"username": "rust22", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("failed login must have an empty body, got %s", w.Body.String())
	}

	w = env.do(t, "POST", "/login", "", gin.H{"username": "ghost", "password": "rust"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user: status %d", w.Code)
	}

	token := env.login(t, "rust22", "rust")
	if token == "Bearer " {
		t.Fatal("empty token issued")
	}
}

func TestLoginFailsClosedWithoutTimeSource(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust22", "rust", collection1, tenantA)

	env.clock.err = fmt.Errorf("no time source")
	w := env.do(t, "POST", "/login", "", gin.H{"username": "rust22", "password": "rust"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the time source is down, got %d", w.Code)
	}
}

func TestInsertAuthMatrix(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust22", "rust", collection1, tenantA)
	token := env.login(t, "rust22", "rust")

	form := gin.H{
		"event": "test", "tenant_id": tenantA, "collection_id": collection1,
		"timestamp": 1578667309, "data": "{}",
	}

	cases := []struct {
		name   string
		auth   string
		status int
	}{
		{"no header", "", http.StatusBadRequest},
		{"not a scheme", "foo", http.StatusUnauthorized},
		{"bad bearer", "Bearer 1234", http.StatusUnauthorized},
		{"bad basic", "Basic !!!", http.StatusUnauthorized},
		{"valid bearer", token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "POST", "/insert", tc.auth, form)
			if w.Code != tc.status {
				t.Fatalf("status %d, want %d (body %s)", w.Code, tc.status, w.Body.String())
			}
			if tc.status == http.StatusUnauthorized && w.Body.Len() != 0 {
				t.Fatalf("401 must carry an empty body, got %s", w.Body.String())
			}
		})
	}

	w := env.do(t, "POST", "/insert", token, form)
	event := decodeRecord(t, w)
	if event == nil {
		t.Fatal("no event in insert response")
	}
	if event.Published || event.Cancelled {
		t.Errorf("fresh event must be unpublished and uncancelled: %+v", event)
	}
	if event.Timestamp != 1578667309 {
		t.Errorf("timestamp = %d", event.Timestamp)
	}
}

func TestInsertTenantMismatch(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust22", "rust", collection1, tenantA)
	token := env.login(t, "rust22", "rust")

	w := env.do(t, "POST", "/insert", token, gin.H{
		"event": "test", "tenant_id": tenantB, "collection_id": collection1,
		"timestamp": 1578667309, "data": "{}",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("tenant mismatch keeps status 200, got %d", w.Code)
	}
	if w.Body.String() != `{"error":"trying to write to wrong tenant"}` {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestPastEventIsPublishedByDispatcher(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust22", "rust", collection1, tenantA)
	token := env.login(t, "rust22", "rust")

	w := env.do(t, "POST", "/insert", token, gin.H{
		"event": "test", "tenant_id": tenantA, "collection_id": collection1,
		"timestamp": 1578667309, "data": "{}",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("insert: %d", w.Code)
	}

	d := scheduler.New(scheduler.Config{
		Store:  env.store,
		Clock:  env.clock,
		Bus:    env.bus,
		Logger: testLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	defer d.Stop()

	deadline := time.After(5 * time.Second)
	for {
		w := env.do(t, "GET", "/collections/"+collection1, token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("collections: %d", w.Code)
		}
		var resp struct {
			Events []models.Event `json:"events"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode collection: %v", err)
		}
		if len(resp.Events) == 1 && resp.Events[0].Published {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("past-dated event never published: %s", w.Body.String())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestCancelTerminality(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust23", "rust", collection2, tenantA)
	token := env.login(t, "rust23", "rust")

	w := env.do(t, "POST", "/insert", token, gin.H{
		"event": "user", "tenant_id": tenantA, "collection_id": collection2,
		"timestamp": env.clock.now + 1000, "data": "{}",
	})
	event := decodeRecord(t, w)
	if event == nil || event.Published {
		t.Fatalf("future insert: %+v", event)
	}

	w = env.do(t, "GET", "/cancel/"+event.ID.String(), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d", w.Code)
	}
	cancelled := decodeRecord(t, w)
	if cancelled == nil || !cancelled.Cancelled {
		t.Fatalf("expected cancelled event, got %+v", cancelled)
	}

	// Cancel again: idempotent.
	w = env.do(t, "GET", "/cancel/"+event.ID.String(), token, nil)
	if again := decodeRecord(t, w); again == nil || !again.Cancelled {
		t.Fatalf("repeated cancel: %+v", again)
	}

	// The dispatcher must never publish it, even once due.
	env.clock.now += 2000
	d := scheduler.New(scheduler.Config{
		Store: env.store, Clock: env.clock, Bus: env.bus, Logger: testLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go d.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()
	d.Stop()

	w = env.do(t, "GET", "/collections/"+collection2, token, nil)
	var resp struct {
		Events []models.Event `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode collection: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp.Events))
	}
	if resp.Events[0].Published {
		t.Error("cancelled event must stay unpublished")
	}
	if !resp.Events[0].Cancelled {
		t.Error("cancelled flag must stick")
	}
}

func TestCancelUnknownID(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust22", "rust", collection1, tenantA)
	token := env.login(t, "rust22", "rust")

	w := env.do(t, "GET", "/cancel/"+uuid.New().String(), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel unknown id: %d", w.Code)
	}
	if w.Body.String() != `{"event":null}` {
		t.Fatalf("cancel unknown id body: %s", w.Body.String())
	}
}

func TestCancelForeignTenantIsSilentNoop(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust22", "rust", collection1, tenantA)
	env.signup(t, "intruder", "pw", collection1, tenantB)
	token := env.login(t, "rust22", "rust")
	intruderToken := env.login(t, "intruder", "pw")

	w := env.do(t, "POST", "/insert", token, gin.H{
		"event": "test", "tenant_id": tenantA, "collection_id": collection1,
		"timestamp": env.clock.now + 1000, "data": "{}",
	})
	event := decodeRecord(t, w)

	w = env.do(t, "GET", "/cancel/"+event.ID.String(), intruderToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("foreign cancel: %d", w.Code)
	}
	returned := decodeRecord(t, w)
	if returned == nil || returned.Cancelled {
		t.Fatalf("foreign cancel must not mutate, got %+v", returned)
	}

	w = env.do(t, "GET", "/cancel/"+event.ID.String(), token, nil)
	if own := decodeRecord(t, w); own == nil || !own.Cancelled {
		t.Fatalf("owner cancel after foreign attempt: %+v", own)
	}
}

func TestBasicAuthEquivalentToBearer(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust22", "rust", collection1, tenantA)

	basic := "Basic " + base64.StdEncoding.EncodeToString([]byte("rust22:rust"))

	w := env.do(t, "POST", "/insert", basic, gin.H{
		"event": "test", "tenant_id": tenantA, "collection_id": collection1,
		"timestamp": env.clock.now + 1000, "data": "{}",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("basic insert: %d (%s)", w.Code, w.Body.String())
	}
	event := decodeRecord(t, w)
	if event == nil {
		t.Fatal("no event from basic insert")
	}

	w = env.do(t, "GET", "/cancel/"+event.ID.String(), basic, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("basic cancel: %d", w.Code)
	}
	if got := decodeRecord(t, w); got == nil || !got.Cancelled {
		t.Fatalf("basic cancel result: %+v", got)
	}

	wrong := "Basic " + base64.StdEncoding.EncodeToString([]byte("rust22:nope"))
	w = env.do(t, "GET", "/user_events", wrong, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong basic password: %d", w.Code)
	}
}

func TestUserEventsView(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust22", "rust", collection1, tenantA)
	env.signup(t, "rust23", "rust", collection1, tenantA)
	token22 := env.login(t, "rust22", "rust")
	token23 := env.login(t, "rust23", "rust")

	env.do(t, "POST", "/insert", token22, gin.H{
		"event": "mine", "tenant_id": tenantA, "collection_id": collection1,
		"timestamp": 2000, "data": "{}",
	})
	env.do(t, "POST", "/insert", token23, gin.H{
		"event": "theirs", "tenant_id": tenantA, "collection_id": collection1,
		"timestamp": 1000, "data": "{}",
	})

	w := env.do(t, "GET", "/user_events", token22, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("user_events: %d", w.Code)
	}
	var resp struct {
		Info   []models.Event `json:"info"`
		Events []models.Event `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode user_events: %v", err)
	}
	// info: both events share the user's collection, sorted ascending.
	if len(resp.Info) != 2 || resp.Info[0].Event != "theirs" || resp.Info[1].Event != "mine" {
		t.Errorf("info view wrong: %+v", resp.Info)
	}
	// events: only the caller's own submission.
	if len(resp.Events) != 1 || resp.Events[0].Event != "mine" {
		t.Errorf("events view wrong: %+v", resp.Events)
	}
}

func TestStaleTokenSubjectIsUnauthorized(t *testing.T) {
	env := setup(t)
	env.signup(t, "rust22", "rust", collection1, tenantA)
	token := env.login(t, "rust22", "rust")

	// Wipe the backing store: the token is still signed and unexpired but
	// its subject no longer resolves.
	fresh, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { fresh.Close() })
	Init(fresh, env.clock, env.bus, projection.New(fresh, testLogger()), cfg, logger)

	w := env.do(t, "GET", "/user_events", token, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for vanished subject, got %d", w.Code)
	}
}
