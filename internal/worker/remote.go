package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"refinery/internal/state"
)

// RemoteProvider invokes workers over an HTTP JSON API. Every role is
// served by POST {base}/workers/{role}; the sandbox by POST
// {base}/sandbox. Retryable statuses (408, 429, 5xx) are retried with
// backoff, honoring Retry-After when the backend sends one.
type RemoteProvider struct {
	BaseURL    string
	Token      string
	Client     *http.Client
	MaxRetries int
}

const defaultRemoteRetries = 3

type remoteWorkerRequest struct {
	Role        string             `json:"role"`
	Problem     string             `json:"problem,omitempty"`
	Artifact    string             `json:"artifact,omitempty"`
	Partner     string             `json:"partner,omitempty"`
	Plan        string             `json:"plan,omitempty"`
	Block       string             `json:"block,omitempty"`
	Avoid       []string           `json:"avoid,omitempty"`
	History     []state.Attempt    `json:"history,omitempty"`
	Candidates  []state.Candidate  `json:"candidates,omitempty"`
	Scores      map[string]float64 `json:"scores,omitempty"`
	Diagnostics string             `json:"diagnostics,omitempty"`
}

type remoteWorkerResponse struct {
	OK            bool              `json:"ok"`
	Artifact      string            `json:"artifact,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Candidates    []state.Candidate `json:"candidates,omitempty"`
}

type remoteExecRequest struct {
	Artifact string `json:"artifact"`
}

type remoteExecResponse struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func (p *RemoteProvider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *RemoteProvider) retries() int {
	if p.MaxRetries > 0 {
		return p.MaxRetries
	}
	return defaultRemoteRetries
}

// Roster binds every role to the remote endpoint.
func (p *RemoteProvider) Roster() Roster {
	w := Func(p.invoke)
	return Roster{
		Retrieve: w, Evaluate: w, Combine: w,
		CheckLeakage: w, CheckUsage: w,
		Probe: w, Summarize: w, Select: w,
		Refine: w, Plan: w, Debug: w, Propose: w,
	}
}

// Sandbox executes artifacts on the remote backend.
func (p *RemoteProvider) Sandbox() Sandbox {
	return SandboxFunc(func(ctx context.Context, artifact string) (Exec, error) {
		var out remoteExecResponse
		err := p.post(ctx, p.BaseURL+"/sandbox", remoteExecRequest{Artifact: artifact}, &out)
		if err != nil {
			return Exec{}, err
		}
		ex := Exec{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}
		ex.Score = ExtractScore(out.Stdout)
		return ex, nil
	})
}

func (p *RemoteProvider) invoke(ctx context.Context, req Request) (Result, error) {
	wire := remoteWorkerRequest{
		Role:        string(req.Role),
		Problem:     req.Problem,
		Artifact:    req.Artifact,
		Partner:     req.Partner,
		Plan:        req.Plan,
		Block:       req.Block,
		Avoid:       req.Avoid,
		History:     req.History,
		Candidates:  req.Candidates,
		Scores:      req.Scores,
		Diagnostics: req.Diagnostics,
	}
	var out remoteWorkerResponse
	err := p.post(ctx, fmt.Sprintf("%s/workers/%s", p.BaseURL, req.Role), wire, &out)
	if err != nil {
		return Result{}, err
	}
	return Result{
		WorkerResult: state.WorkerResult{
			OK:            out.OK,
			Artifact:      out.Artifact,
			FailureReason: out.FailureReason,
		},
		Candidates: out.Candidates,
	}, nil
}

// post sends one JSON request, retrying retryable statuses with
// exponential backoff.
func (p *RemoteProvider) post(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("remote worker: encode request: %w", err)
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= p.retries(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("remote worker: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.Token != "" {
			req.Header.Set("Authorization", "Bearer "+p.Token)
		}

		resp, err := p.client().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transport errors are retryable.
			lastErr = err
			continue
		}

		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusOK {
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("remote worker: decode response: %w", err)
			}
			return nil
		}

		statusErr := fmt.Errorf("remote worker: %s returned status %d: %s", url, resp.StatusCode, trimBody(payload))
		if !retryableStatus(resp.StatusCode) {
			return statusErr
		}
		lastErr = statusErr
		if ra := retryAfter(resp.Header); ra > 0 {
			backoff = ra
		}
	}
	return fmt.Errorf("remote worker: retries exhausted: %w", lastErr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func trimBody(b []byte) string {
	const max = 256
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
