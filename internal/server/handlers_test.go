package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"refinery/internal/config"
	"refinery/internal/runstore"
	"refinery/internal/state"
	"refinery/internal/worker"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	one, two := 1, 2
	cfg.MergeCandidateCount = &two
	cfg.OuterLoopBound = &one
	cfg.InnerLoopBound = &one
	cfg.StrategySearchBound = &one
	cfg.Parallelism = &two

	srv := New(Config{
		Addr: "127.0.0.1:0",
		Run:  cfg,
		NewWorkers: func(runID string) (worker.Roster, worker.Sandbox) {
			p := worker.NewSimulatedProvider(runID)
			return p.Roster(), p.Sandbox()
		},
	})
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.cancel)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

// waitForDone consumes the SSE stream until the terminal done event.
func waitForDone(t *testing.T, url string) {
	t.Helper()
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "event: done") {
			return
		}
	}
	t.Fatalf("stream ended without done event: %v", sc.Err())
}

func TestServer_SubmitRunsToCompletion(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/runs", SubmitRunRequest{Problem: "predict churn", RunID: "run-sse"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}

	waitForDone(t, ts.URL+"/runs/run-sse/events")

	statusResp, err := http.Get(ts.URL + "/runs/run-sse")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer statusResp.Body.Close()
	var st RunStatus
	if err := json.NewDecoder(statusResp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != StateCompleted {
		t.Fatalf("state = %q (%s), want completed", st.State, st.FailureReason)
	}
	if st.Score == nil {
		t.Fatal("completed run has no score")
	}

	listResp, err := http.Get(ts.URL + "/runs")
	if err != nil {
		t.Fatalf("GET runs: %v", err)
	}
	defer listResp.Body.Close()
	var list struct {
		Runs []string `json:"runs"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	found := false
	for _, id := range list.Runs {
		if id == "run-sse" {
			found = true
		}
	}
	if !found {
		t.Fatalf("run list %v missing run-sse", list.Runs)
	}
}

func TestServer_SubmitValidation(t *testing.T) {
	_, ts := newTestServer(t)

	cases := []struct {
		name string
		req  SubmitRunRequest
	}{
		{"empty", SubmitRunRequest{}},
		{"both sources", SubmitRunRequest{Problem: "p", ProblemPath: "/tmp/p.md"}},
		{"bad run id", SubmitRunRequest{Problem: "p", RunID: "../escape"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/runs", tc.req)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestServer_DuplicateSubmitConflicts(t *testing.T) {
	_, ts := newTestServer(t)

	first := postJSON(t, ts.URL+"/runs", SubmitRunRequest{Problem: "p", RunID: "run-dup"})
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit status = %d", first.StatusCode)
	}

	second := postJSON(t, ts.URL+"/runs", SubmitRunRequest{Problem: "p", RunID: "run-dup"})
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second submit status = %d, want 409", second.StatusCode)
	}
}

func TestServer_StatusFromStore(t *testing.T) {
	store := runstore.NewMemStore()
	srv := New(Config{
		Run:   config.Default(),
		Store: store,
		NewWorkers: func(runID string) (worker.Roster, worker.Sandbox) {
			p := worker.NewSimulatedProvider(runID)
			return p.Roster(), p.Sandbox()
		},
	})
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.cancel)

	if err := store.Create("done-run"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := store.SaveFinal("done-run", &runstore.Final{
		RunID: "done-run", Artifact: "code", Score: state.ScorePtr(0.8),
		Fingerprint: state.Fingerprint("code"), FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveFinal: %v", err)
	}

	if err := store.Create("half-run"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = store.SaveCheckpoint("half-run", &state.Checkpoint{
		RunID: "half-run", Phase: 1, Problem: "p",
		Phase1:  &state.PhaseArtifact{Artifact: "v0", Score: state.ScorePtr(0.5)},
		SavedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	cases := []struct {
		id     string
		status int
		state  string
		phase  int
	}{
		{"done-run", http.StatusOK, StateCompleted, 0},
		{"half-run", http.StatusOK, StateCheckpointed, 1},
		{"no-such-run", http.StatusNotFound, "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			resp, err := http.Get(fmt.Sprintf("%s/runs/%s", ts.URL, tc.id))
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if tc.status != http.StatusOK {
				return
			}
			var st RunStatus
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if st.State != tc.state || st.Phase != tc.phase {
				t.Fatalf("status = %+v, want state %q phase %d", st, tc.state, tc.phase)
			}
		})
	}
}

func TestServer_CancelUnknownRun(t *testing.T) {
	_, ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/runs/ghost/cancel", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_CSRFBlocksCrossOrigin(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/runs", strings.NewReader(`{"problem":"p"}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
