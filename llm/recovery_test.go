package llm

import (
	"context"
	"testing"
	"time"
)

// scriptedProvider returns the scripted errors in order, then succeeds.
type scriptedProvider struct {
	errs          []error
	generateCalls int
	text          string
}

func (p *scriptedProvider) Generate(ctx context.Context, req GenerateRequest, onEvent StreamHandler) (*StepResult, error) {
	p.generateCalls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	text := p.text
	if text == "" {
		text = "done"
	}
	return &StepResult{Message: AssistantMessage(text)}, nil
}

func (p *scriptedProvider) Model() string       { return "scripted" }
func (p *scriptedProvider) MaxContextSize() int { return 128000 }

// rebuildableProvider additionally implements the transport-rebuild
// capability.
type rebuildableProvider struct {
	scriptedProvider
	rebuildCalls int
	rebuildErr   error
}

func (p *rebuildableProvider) RebuildTransport(ctx context.Context) error {
	p.rebuildCalls++
	return p.rebuildErr
}

func connErr() error {
	return &ConnectionError{ProviderError{Provider: "test", Message: "connection reset"}}
}

func statusErr(code int) error {
	return &StatusError{ProviderError: ProviderError{Provider: "test", Message: "bad status"}, StatusCode: code}
}

func fastPolicy(maxRetries int) RecoveryPolicy {
	return RecoveryPolicy{MaxRetries: maxRetries, BaseDelay: 0.001, MaxDelay: 0.001, BackoffMultiplier: 1}
}

func TestRecoveryDelay(t *testing.T) {
	policy := RecoveryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 60.0}

	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, expected := range delays {
		if got := policy.Delay(i); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i, expected, got)
		}
	}
}

func TestRecoveryDelayWithMaxCap(t *testing.T) {
	policy := RecoveryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 5.0}
	if got := policy.Delay(10); got != 5*time.Second {
		t.Errorf("expected 5s (capped), got %v", got)
	}
}

func TestRecoveryDelayWithJitter(t *testing.T) {
	policy := RecoveryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 60.0, Jitter: true}
	for i := 0; i < 100; i++ {
		got := policy.Delay(0)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Errorf("jittered delay out of range: %v", got)
		}
	}
}

func TestConnectionRecoveryOnceThenSuccess(t *testing.T) {
	// The result must be independent of the retry budget.
	for _, maxRetries := range []int{1, 2, 3, 5, 10} {
		provider := &rebuildableProvider{scriptedProvider: scriptedProvider{
			errs: []error{connErr()},
			text: "recovered",
		}}

		result, err := fastPolicy(maxRetries).Generate(context.Background(), provider, GenerateRequest{}, nil)
		if err != nil {
			t.Fatalf("maxRetries=%d: unexpected error: %v", maxRetries, err)
		}
		if result.Message.TextContent() != "recovered" {
			t.Errorf("maxRetries=%d: expected provider text, got %q", maxRetries, result.Message.TextContent())
		}
		if provider.generateCalls != 2 {
			t.Errorf("maxRetries=%d: expected 2 generate calls, got %d", maxRetries, provider.generateCalls)
		}
		if provider.rebuildCalls != 1 {
			t.Errorf("maxRetries=%d: expected 1 rebuild call, got %d", maxRetries, provider.rebuildCalls)
		}
	}
}

func TestConnectionRecoveryAlwaysFailing(t *testing.T) {
	provider := &rebuildableProvider{scriptedProvider: scriptedProvider{
		errs: []error{connErr(), connErr(), connErr(), connErr(), connErr()},
	}}

	_, err := fastPolicy(5).Generate(context.Background(), provider, GenerateRequest{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsConnectionError(err) {
		t.Errorf("expected connection error, got %v", err)
	}
	if provider.generateCalls != 2 {
		t.Errorf("expected exactly 2 generate calls, got %d", provider.generateCalls)
	}
	if provider.rebuildCalls != 1 {
		t.Errorf("expected exactly 1 rebuild call, got %d", provider.rebuildCalls)
	}
}

func TestStatusErrorRetries(t *testing.T) {
	provider := &rebuildableProvider{scriptedProvider: scriptedProvider{
		errs: []error{statusErr(500), statusErr(500)},
	}}

	result, err := fastPolicy(3).Generate(context.Background(), provider, GenerateRequest{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected result")
	}
	if provider.generateCalls != 3 {
		t.Errorf("expected 3 generate calls, got %d", provider.generateCalls)
	}
	if provider.rebuildCalls != 0 {
		t.Errorf("status errors must not trigger the rebuild hook, got %d calls", provider.rebuildCalls)
	}
}

func TestStatusErrorBudgetExhausted(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{statusErr(503), statusErr(503), statusErr(503)},
	}

	_, err := fastPolicy(2).Generate(context.Background(), provider, GenerateRequest{}, nil)
	if err == nil {
		t.Fatal("expected error after budget exhausted")
	}
	if provider.generateCalls != 3 { // 1 initial + 2 retries
		t.Errorf("expected 3 generate calls, got %d", provider.generateCalls)
	}
}

func TestConnectionErrorWithoutRebuilder(t *testing.T) {
	provider := &scriptedProvider{errs: []error{connErr()}}

	_, err := fastPolicy(5).Generate(context.Background(), provider, GenerateRequest{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.generateCalls != 1 {
		t.Errorf("expected 1 generate call, got %d", provider.generateCalls)
	}
}

func TestConnectionRecoveryRebuildFails(t *testing.T) {
	provider := &rebuildableProvider{
		scriptedProvider: scriptedProvider{errs: []error{connErr()}},
		rebuildErr:       statusErr(500),
	}

	_, err := fastPolicy(5).Generate(context.Background(), provider, GenerateRequest{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsConnectionError(err) {
		t.Errorf("expected the original connection error, got %v", err)
	}
	if provider.generateCalls != 1 {
		t.Errorf("expected 1 generate call, got %d", provider.generateCalls)
	}
	if provider.rebuildCalls != 1 {
		t.Errorf("expected 1 rebuild call, got %d", provider.rebuildCalls)
	}
}

func TestTimeoutErrorRetryable(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{&TimeoutError{ProviderError{Provider: "test", Message: "deadline"}}},
	}

	result, err := fastPolicy(2).Generate(context.Background(), provider, GenerateRequest{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected result")
	}
	if provider.generateCalls != 2 {
		t.Errorf("expected 2 generate calls, got %d", provider.generateCalls)
	}
}

func TestOnRetryHook(t *testing.T) {
	provider := &scriptedProvider{errs: []error{statusErr(429)}}

	policy := fastPolicy(2)
	var attempts []int
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	if _, err := policy.Generate(context.Background(), provider, GenerateRequest{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 1 || attempts[0] != 1 {
		t.Errorf("expected one retry notification for attempt 1, got %v", attempts)
	}
}

func TestDefaultRecoveryPolicy(t *testing.T) {
	p := DefaultRecoveryPolicy(3)
	if p.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", p.MaxRetries)
	}
	if p.BaseDelay != 1.0 {
		t.Errorf("expected base_delay 1.0, got %f", p.BaseDelay)
	}
	if p.MaxDelay != 60.0 {
		t.Errorf("expected max_delay 60.0, got %f", p.MaxDelay)
	}
	if p.BackoffMultiplier != 2.0 {
		t.Errorf("expected backoff_multiplier 2.0, got %f", p.BackoffMultiplier)
	}
	if !p.Jitter {
		t.Error("expected jitter = true")
	}
}
