package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state Closed, got %d", cb.State())
	}
	if !cb.allowRequest() {
		t.Error("Expected requests allowed in Closed state")
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.State() != StateClosed {
		t.Error("Expected state Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.State() != StateOpen {
		t.Error("Expected state Open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected requests rejected in Open state")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)
	cb.RecordResult(false)

	if cb.State() != StateClosed {
		t.Error("Expected state Closed when failures are not consecutive")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 50*time.Millisecond)

	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.State() != StateOpen {
		t.Fatal("Expected circuit Open")
	}

	time.Sleep(80 * time.Millisecond)

	if !cb.allowRequest() {
		t.Error("Expected a probe request allowed after reset timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state HalfOpen, got %d", cb.State())
	}
}

func TestCircuitBreaker_ClosesAfterHalfOpenSuccesses(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 50*time.Millisecond)

	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(false)
	time.Sleep(80 * time.Millisecond)
	cb.allowRequest()

	for i := 0; i < 3; i++ {
		cb.RecordResult(true)
	}

	if cb.State() != StateClosed {
		t.Error("Expected state Closed after successes in HalfOpen")
	}
}

func TestCircuitBreaker_ReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 50*time.Millisecond)

	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(false)
	time.Sleep(80 * time.Millisecond)
	cb.allowRequest()

	cb.RecordResult(false)
	if cb.State() != StateOpen {
		t.Error("Expected state Open after failure in HalfOpen")
	}
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Expected no error from successful call, got %v", err)
	}

	wantErr := errors.New("boom")
	if err := cb.Call(func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("Expected call error passed through, got %v", err)
	}
}

func TestCircuitBreaker_CallRejectedWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 1*time.Second)

	cb.RecordResult(false)

	err := cb.Call(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requests, failures, rate := cb.Stats()
	if state != StateClosed {
		t.Errorf("Expected state Closed, got %d", state)
	}
	if requests != 3 || failures != 1 {
		t.Errorf("Expected 3 requests / 1 failure, got %d / %d", requests, failures)
	}
	if rate < 33.0 || rate > 34.0 {
		t.Errorf("Expected failure rate ~33.33%%, got %.2f%%", rate)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 1*time.Second)

	cb.RecordResult(false)
	if cb.State() != StateOpen {
		t.Fatal("Expected circuit Open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Error("Expected state Closed after reset")
	}
	_, requests, failures, _ := cb.Stats()
	if requests != 0 || failures != 0 {
		t.Error("Expected counters cleared after reset")
	}
}
