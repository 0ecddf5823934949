package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	apierrors "github.com/scttfrdmn/totcode/adapter/errors"
	"github.com/scttfrdmn/totcode/adapter/llm"
	"github.com/scttfrdmn/totcode/adapter/llm/llmtest"
	"github.com/scttfrdmn/totcode/budget"
	"github.com/scttfrdmn/totcode/thought"
)

// fastRetry retries immediately up to attempts times.
func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
		Jitter:          0,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, primary llm.Client, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{WithRetryPolicy(fastRetry(3)), WithLogger(quietLogger())}, opts...)
	g, err := New(primary, budget.NewCounter(nil), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g
}

// numbered answers each request with texts "c<call>-<i>".
func numbered(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
	texts := make([]string, req.N)
	for i := range texts {
		texts[i] = fmt.Sprintf("c%d-%d", call, i)
	}
	return llmtest.Texts(req.N, texts...), nil
}

func TestGenerateReturnsExactlyN(t *testing.T) {
	for _, n := range []int{1, 3, 4, 5, 9, 20} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			g := newTestGateway(t, llmtest.New("primary", 4, numbered))
			outputs, err := g.Generate(context.Background(), "prompt", Params{N: n})
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if len(outputs) != n {
				t.Errorf("Expected %d outputs, got %d", n, len(outputs))
			}
		})
	}
}

func TestChunksPreserveOrder(t *testing.T) {
	primary := llmtest.New("primary", 4, numbered)
	g := newTestGateway(t, primary)

	outputs, err := g.Generate(context.Background(), "prompt", Params{N: 6})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	want := []string{"c1-0", "c1-1", "c1-2", "c1-3", "c2-0", "c2-1"}
	if diff := cmp.Diff(want, outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}

	var sizes []int
	for _, req := range primary.Requests() {
		sizes = append(sizes, req.N)
	}
	if diff := cmp.Diff([]int{4, 2}, sizes); diff != "" {
		t.Errorf("chunk sizes mismatch (-want +got):\n%s", diff)
	}
}

func TestChunkCapOption(t *testing.T) {
	primary := llmtest.New("primary", 4, numbered)
	g := newTestGateway(t, primary, WithChunkCap(2))

	if _, err := g.Generate(context.Background(), "prompt", Params{N: 5}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if calls := primary.Calls(); calls != 3 {
		t.Errorf("Expected 3 calls with cap 2, got %d", calls)
	}
}

func TestRequestCarriesParams(t *testing.T) {
	primary := llmtest.New("primary", 4, nil)
	g := newTestGateway(t, primary, WithModel("gpt-4o"))

	_, err := g.Generate(context.Background(), "prompt", Params{
		N:           1,
		Temperature: 0.4,
		MaxTokens:   256,
		Stop:        []string{"\n# Implementation:\n"},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	req := primary.Requests()[0]
	if req.Model != "gpt-4o" {
		t.Errorf("Expected default model gpt-4o, got %s", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0.4 {
		t.Errorf("Unexpected temperature %v", req.Temperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 256 {
		t.Errorf("Unexpected max tokens %v", req.MaxTokens)
	}
	if diff := cmp.Diff([]string{"\n# Implementation:\n"}, req.Stop); diff != "" {
		t.Errorf("stop mismatch (-want +got):\n%s", diff)
	}
	if req.Messages[0].Role != thought.RoleUser || req.Messages[0].Content != "prompt" {
		t.Errorf("Unexpected messages %+v", req.Messages)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		if call < 3 {
			return nil, errors.New("503 service unavailable")
		}
		return llmtest.Texts(req.N, "done"), nil
	})
	g := newTestGateway(t, primary)

	outputs, err := g.Generate(context.Background(), "prompt", Params{N: 1})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if outputs[0] != "done" {
		t.Errorf("Expected 'done', got %q", outputs[0])
	}
	if calls := primary.Calls(); calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryWrapsWholeChunkedCall(t *testing.T) {
	// The second chunk fails once; the retry restarts from the first chunk.
	primary := llmtest.New("primary", 2, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		if call == 2 {
			return nil, errors.New("transient")
		}
		return numbered(ctx, req, call)
	})
	g := newTestGateway(t, primary)

	outputs, err := g.Generate(context.Background(), "prompt", Params{N: 4})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	want := []string{"c3-0", "c3-1", "c4-0", "c4-1"}
	if diff := cmp.Diff(want, outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestRetriesExhaustedReturnsError(t *testing.T) {
	boom := errors.New("boom")
	primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		return nil, boom
	})
	g := newTestGateway(t, primary, WithRetryPolicy(fastRetry(2)))

	_, err := g.Generate(context.Background(), "prompt", Params{N: 1})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if calls := primary.Calls(); calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestFailoverSuccess(t *testing.T) {
	primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		return nil, apierrors.NewProviderError("primary", apierrors.KindServer, 500, errors.New("down"))
	})
	backup := llmtest.New("backup", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		return llmtest.WithUsage(llmtest.Texts(req.N, "from backup"), 4, 2), nil
	})
	g := newTestGateway(t, primary, WithBackup(backup), WithRetryPolicy(NoRetry()))

	outputs, err := g.Generate(context.Background(), "prompt", Params{N: 2})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if diff := cmp.Diff([]string{"from backup", "from backup"}, outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
	if primary.Calls() != 1 || backup.Calls() != 1 {
		t.Errorf("Expected one call each, got primary=%d backup=%d", primary.Calls(), backup.Calls())
	}
	if u := g.Counter().Snapshot(); u.PromptTokens != 4 || u.CompletionTokens != 2 {
		t.Errorf("Expected backup usage to be counted, got %+v", u)
	}
}

func TestFailoverFailureReturnsOriginalError(t *testing.T) {
	original := errors.New("primary exploded")
	primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		return nil, original
	})
	backup := llmtest.New("backup", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		return nil, errors.New("backup exploded")
	})
	g := newTestGateway(t, primary, WithBackup(backup), WithRetryPolicy(NoRetry()))

	_, err := g.Generate(context.Background(), "prompt", Params{N: 1})
	if !errors.Is(err, original) {
		t.Errorf("Expected the primary error, got %v", err)
	}
	var pe *apierrors.ProviderError
	if !errors.As(err, &pe) || pe.Provider != "primary" {
		t.Errorf("Expected a primary ProviderError, got %v", err)
	}
}

func TestFailoverLimitsOnly(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantBackup int
	}{
		{"rate limit fails over", apierrors.NewProviderError("primary", apierrors.KindRateLimit, 429, errors.New("slow down")), 1},
		{"context length fails over", apierrors.NewProviderError("primary", apierrors.KindContextLength, 400, errors.New("too long")), 1},
		{"server error stays", apierrors.NewProviderError("primary", apierrors.KindServer, 500, errors.New("down")), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
				return nil, tt.err
			})
			backup := llmtest.New("backup", 4, nil)
			g := newTestGateway(t, primary,
				WithBackup(backup),
				WithFailoverMode(FailoverLimitsOnly),
				WithRetryPolicy(NoRetry()),
			)
			_, _ = g.Generate(context.Background(), "prompt", Params{N: 1})
			if backup.Calls() != tt.wantBackup {
				t.Errorf("Expected %d backup calls, got %d", tt.wantBackup, backup.Calls())
			}
		})
	}
}

func TestNoBackupReturnsError(t *testing.T) {
	primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		return nil, errors.New("nope")
	})
	g := newTestGateway(t, primary, WithRetryPolicy(NoRetry()))

	if _, err := g.Generate(context.Background(), "prompt", Params{N: 1}); err == nil {
		t.Fatal("Expected error")
	}
}

func TestUsageAccumulates(t *testing.T) {
	usages := [][2]int{{10, 5}, {20, 15}}
	primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		u := usages[call-1]
		return llmtest.WithUsage(llmtest.Texts(req.N, "x"), u[0], u[1]), nil
	})
	g := newTestGateway(t, primary, WithModel("gpt-4"))

	for i := 0; i < 2; i++ {
		if _, err := g.Generate(context.Background(), "prompt", Params{N: 1}); err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
	}

	u, err := g.Usage()
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if u.PromptTokens != 30 || u.CompletionTokens != 20 {
		t.Errorf("Expected 30/20, got %d/%d", u.PromptTokens, u.CompletionTokens)
	}
}

func TestTruncationCounted(t *testing.T) {
	primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		resp := llmtest.Texts(req.N, "a", "b", "c")
		resp.Choices[1].FinishReason = llm.FinishReasonLength
		return resp, nil
	})
	g := newTestGateway(t, primary)

	res, err := g.Complete(context.Background(), thought.UserPrompt("prompt"), Params{N: 3, MaxTokens: 10})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.Truncated != 1 {
		t.Errorf("Expected 1 truncated output, got %d", res.Truncated)
	}
	if res.Outputs[1] != "b" {
		t.Errorf("Truncated output should still be returned, got %q", res.Outputs[1])
	}
	if got := g.Counter().Snapshot().Truncated; got != 1 {
		t.Errorf("Expected counter truncation 1, got %d", got)
	}
}

func TestMalformedResponsesKeepCount(t *testing.T) {
	tests := []struct {
		name    string
		resp    func(n int) *llm.Response
		wantOut []string
	}{
		{
			name: "missing content is rendered",
			resp: func(n int) *llm.Response {
				return &llm.Response{Choices: []llm.Choice{
					{Text: "ok", FinishReason: "stop"},
					{Missing: true, Raw: map[string]string{"refusal": "no"}},
				}}
			},
			wantOut: []string{"ok", `{"refusal":"no"}`},
		},
		{
			name: "too few choices are padded",
			resp: func(n int) *llm.Response {
				return &llm.Response{Raw: "raw body", Choices: []llm.Choice{{Text: "only"}}}
			},
			wantOut: []string{"only", "raw body"},
		},
		{
			name: "surplus choices are dropped",
			resp: func(n int) *llm.Response {
				return llmtest.Texts(3, "a", "b", "c")
			},
			wantOut: []string{"a", "b"},
		},
		{
			name: "nil response is padded",
			resp: func(n int) *llm.Response {
				return nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
				return tt.resp(req.N), nil
			})
			g := newTestGateway(t, primary)

			outputs, err := g.Generate(context.Background(), "prompt", Params{N: 2})
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if len(outputs) != 2 {
				t.Fatalf("Expected 2 outputs, got %d", len(outputs))
			}
			if tt.wantOut != nil {
				if diff := cmp.Diff(tt.wantOut, outputs); diff != "" {
					t.Errorf("outputs mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestEmptyCompletionIsKept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [
				{"index": 0, "message": {"role": "assistant", "content": ""}, "finish_reason": "stop"},
				{"index": 1, "message": {"role": "assistant", "content": "def f(): pass"}, "finish_reason": "stop"}
			],
			"usage": {"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7}
		}`))
	}))
	defer srv.Close()

	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIClient failed: %v", err)
	}
	g := newTestGateway(t, client)

	outputs, err := g.Generate(context.Background(), "prompt", Params{N: 2})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if diff := cmp.Diff([]string{"", "def f(): pass"}, outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentCallsCountAllUsage(t *testing.T) {
	var served atomic.Int64
	primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		served.Add(1)
		return llmtest.WithUsage(llmtest.Texts(req.N, "x"), 1, 1), nil
	})
	g := newTestGateway(t, primary)

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := g.Generate(context.Background(), "prompt", Params{N: 1})
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
	}
	if u := g.Counter().Snapshot(); u.PromptTokens != served.Load() {
		t.Errorf("Expected %d prompt tokens, got %d", served.Load(), u.PromptTokens)
	}
}

func TestBudgetStopsCalls(t *testing.T) {
	counter := budget.NewCounter(nil)
	limiter, err := budget.NewLimiter(counter, "gpt-4", 0.001, "error")
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}
	primary := llmtest.New("primary", 4, func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		return llmtest.WithUsage(llmtest.Texts(req.N, "x"), 1000, 1000), nil
	})
	g, err := New(primary, counter,
		WithBudget(limiter),
		WithRetryPolicy(fastRetry(0)),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := g.Generate(context.Background(), "prompt", Params{N: 1}); err != nil {
		t.Fatalf("First call should pass, got %v", err)
	}
	_, err = g.Generate(context.Background(), "prompt", Params{N: 1})
	if !errors.Is(err, budget.ErrBudgetExceeded) {
		t.Errorf("Expected ErrBudgetExceeded, got %v", err)
	}
	if primary.Calls() != 1 {
		t.Errorf("Budget error must not be retried, got %d calls", primary.Calls())
	}
}

func TestInvalidRequests(t *testing.T) {
	g := newTestGateway(t, llmtest.New("primary", 4, nil))

	if _, err := g.Generate(context.Background(), "prompt", Params{N: 0}); err == nil {
		t.Error("Expected error for n=0")
	}
	if _, err := g.Complete(context.Background(), nil, Params{N: 1}); err == nil {
		t.Error("Expected error for empty conversation")
	}
}

func TestNewRequiresPrimary(t *testing.T) {
	_, err := New(nil, nil)
	var cfgErr *apierrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigError, got %v", err)
	}
}
