package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gradual "github.com/gradualhq/gradual/clients/go"
	gradualhttp "github.com/gradualhq/gradual/clients/go/http"
)

// helpers

func flagJSON(name string, enabled bool) string {
	return fmt.Sprintf(`{"name":%q,"description":"desc","enabled":%v,"rollout_percentage":null,"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`, name, enabled)
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *gradualhttp.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := gradualhttp.NewHTTPClient(gradualhttp.Config{
		BaseURL: srv.URL,
		APIKey:  "test-key",
	})
	return srv, c
}

func assertAuth(t *testing.T, r *http.Request) {
	t.Helper()
	got := r.Header.Get("Authorization")
	if got != "Bearer test-key" {
		t.Errorf("auth header: got %q, want %q", got, "Bearer test-key")
	}
}

// -- CRUD tests ----------------------------------------------------------------

func TestCreateFlag(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/flags" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["name"] != "new-ui" {
			t.Errorf("unexpected name: %v", body["name"])
		}
		if body["rollout_percentage"] != 25.0 {
			t.Errorf("unexpected rollout: %v", body["rollout_percentage"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"name":"new-ui","description":"","enabled":true,"rollout_percentage":25,"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`)
	})
	rollout := 25.0
	f, err := c.CreateFlag(context.Background(), gradual.NewFlag{Name: "new-ui", Enabled: true, RolloutPercentage: &rollout})
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "new-ui" || !f.Enabled {
		t.Errorf("unexpected flag: %+v", f)
	}
	if f.RolloutPercentage == nil || *f.RolloutPercentage != 25 {
		t.Errorf("unexpected rollout: %v", f.RolloutPercentage)
	}
	if f.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestCreateFlagOmitsAbsentRollout(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if _, ok := body["rollout_percentage"]; ok {
			t.Errorf("rollout_percentage should be absent, got %v", body["rollout_percentage"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, flagJSON("dark-mode", false))
	})
	if _, err := c.CreateFlag(context.Background(), gradual.NewFlag{Name: "dark-mode"}); err != nil {
		t.Fatal(err)
	}
}

func TestGetFlag(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodGet || r.URL.Path != "/v1/flags/my-flag" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, flagJSON("my-flag", true))
	})
	f, err := c.GetFlag(context.Background(), "my-flag")
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "my-flag" {
		t.Errorf("got name %q", f.Name)
	}
	if f.RolloutPercentage != nil {
		t.Errorf("expected nil rollout, got %v", *f.RolloutPercentage)
	}
}

func TestGetFlagNotFound(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"flag not found"}`, http.StatusNotFound)
	})
	_, err := c.GetFlag(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var apiErr *gradualhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 APIError, got %v", err)
	}
}

func TestGetFlagUnauthorized(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	})
	_, err := c.GetFlag(context.Background(), "x")
	var apiErr *gradualhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 APIError, got %v", err)
	}
}

func TestListFlags(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/flags" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"name":"a","enabled":true},{"name":"b","enabled":false}]`)
	})
	flags, err := c.ListFlags(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(flags) != 2 {
		t.Fatalf("want 2 flags, got %d", len(flags))
	}
	if flags[0].Name != "a" || !flags[0].Enabled {
		t.Errorf("unexpected first flag: %+v", flags[0])
	}
}

func TestUpdateFlagSendsOnlyChangedFields(t *testing.T) {
	enabled := true
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPut || r.URL.Path != "/v1/flags/my-flag" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["enabled"] != true {
			t.Errorf("unexpected enabled: %v", body["enabled"])
		}
		if _, ok := body["description"]; ok {
			t.Error("description should be absent")
		}
		if _, ok := body["rollout_percentage"]; ok {
			t.Error("rollout_percentage should be absent")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, flagJSON("my-flag", true))
	})
	f, err := c.UpdateFlag(context.Background(), "my-flag", gradual.FlagUpdate{Enabled: &enabled})
	if err != nil {
		t.Fatal(err)
	}
	if !f.Enabled {
		t.Error("expected Enabled=true")
	}
}

func TestUpdateFlagClearRolloutSendsNull(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		v, ok := body["rollout_percentage"]
		if !ok {
			t.Error("rollout_percentage should be present")
		}
		if v != nil {
			t.Errorf("rollout_percentage should be null, got %v", v)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, flagJSON("my-flag", true))
	})
	if _, err := c.UpdateFlag(context.Background(), "my-flag", gradual.FlagUpdate{ClearRollout: true}); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteFlag(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/flags/my-flag" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.DeleteFlag(context.Background(), "my-flag"); err != nil {
		t.Fatal(err)
	}
}

// -- Evaluation tests ------------------------------------------------------------

func TestUserFlags(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodGet || r.URL.Path != "/v1/users/alice/flags" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"user_id":"alice","flags":[{"name":"a","enabled":true,"description":"first"},{"name":"b","enabled":false}]}`)
	})
	evals, err := c.UserFlags(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(evals) != 2 {
		t.Fatalf("want 2 evaluations, got %d", len(evals))
	}
	want := gradual.Evaluation{Name: "a", Enabled: true, Description: "first"}
	if evals[0] != want {
		t.Errorf("evaluation 0: got %+v, want %+v", evals[0], want)
	}
}

func TestUserFlag(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/users/alice/flags/new-ui" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"new-ui","enabled":true}`)
	})
	eval, err := c.UserFlag(context.Background(), "alice", "new-ui")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Name != "new-ui" || !eval.Enabled {
		t.Errorf("unexpected evaluation: %+v", eval)
	}
}

func TestUserFlagsEscapesUserID(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.EscapedPath(); got != "/v1/users/team%2Falice/flags" {
			t.Errorf("unexpected path %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"user_id":"team/alice","flags":[]}`)
	})
	if _, err := c.UserFlags(context.Background(), "team/alice"); err != nil {
		t.Fatal(err)
	}
}

// -- SSE streaming tests ---------------------------------------------------------

func TestStream(t *testing.T) {
	events := []string{
		"id: 1\nevent: create\ndata: {\"name\":\"flag-a\",\"enabled\":true}\n\n",
		"id: 2\nevent: delete\ndata: {\"name\":\"flag-b\"}\n\n",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauth", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprint(w, ev)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := gradualhttp.NewHTTPClient(gradualhttp.Config{BaseURL: srv.URL, APIKey: "test-key"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Stream(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	var received []gradual.FlagEvent
	for ev := range ch {
		received = append(received, ev)
	}

	if len(received) != 2 {
		t.Fatalf("want 2 events, got %d: %+v", len(received), received)
	}
	if received[0].Type != "create" || received[0].EventID != 1 {
		t.Errorf("event 0: %+v", received[0])
	}
	if received[0].Flag == nil || received[0].Name != "flag-a" {
		t.Errorf("event 0 flag: %+v", received[0])
	}
	if received[1].Type != "delete" || received[1].EventID != 2 {
		t.Errorf("event 1: %+v", received[1])
	}
}

func TestStreamLastEventIDHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Last-Event-ID")
		if got != "42" {
			t.Errorf("Last-Event-ID: got %q, want %q", got, "42")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		// No events; just close.
	}))
	defer srv.Close()

	c := gradualhttp.NewHTTPClient(gradualhttp.Config{BaseURL: srv.URL, APIKey: "k"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := c.Stream(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
}

func TestStreamContextCancellation(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		// Hold open until the request context is cancelled.
		<-r.Context().Done()
		close(done)
	}))
	defer srv.Close()

	c := gradualhttp.NewHTTPClient(gradualhttp.Config{BaseURL: srv.URL, APIKey: "k"})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := c.Stream(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Cancel after a brief moment.
	time.AfterFunc(100*time.Millisecond, cancel)

	// Channel should close without hanging.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // channel closed as expected
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream channel to close")
		}
	}
}

// Ensure Client satisfies interfaces at compile time.
var _ gradual.FlagManager = (*gradualhttp.Client)(nil)
var _ gradual.Evaluator = (*gradualhttp.Client)(nil)
var _ gradual.Streamer = (*gradualhttp.Client)(nil)
