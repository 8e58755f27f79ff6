package mcpstream_test

import (
	"testing"
	"time"

	"github.com/nowex35/mcpstream"
)

func TestAddRequestIgnoresDuplicates(t *testing.T) {
	m := mcpstream.NewTimeoutManager(mcpstream.TimeoutManagerConfig{DefaultTimeout: time.Hour})
	m.AddRequest("1", "tools/call", 0)
	m.AddRequest("1", "tools/call", time.Millisecond)

	m.CancelRequest("1")
	if !m.IsCancelled("1") {
		t.Fatal("expected request 1 tracked")
	}
}

func TestCustomTimeoutCappedByMaximum(t *testing.T) {
	m := mcpstream.NewTimeoutManager(mcpstream.TimeoutManagerConfig{
		DefaultTimeout: time.Hour,
		MaximumTimeout: 10 * time.Millisecond,
	})
	m.AddRequest("1", "tools/call", time.Hour)
	time.Sleep(30 * time.Millisecond)

	expired := m.CheckExpiredRequests()
	if len(expired) != 1 || expired[0] != "1" {
		t.Fatalf("expected request capped by maximum to expire, got %v", expired)
	}
}

func TestUpdateProgressExtendsDeadlineWhenEnabled(t *testing.T) {
	m := mcpstream.NewTimeoutManager(mcpstream.TimeoutManagerConfig{
		DefaultTimeout:      30 * time.Millisecond,
		MaximumTimeout:      time.Hour,
		EnableProgressReset: true,
	})
	m.AddRequest("1", "tools/call", 0)

	time.Sleep(20 * time.Millisecond)
	m.UpdateProgress("1")
	time.Sleep(20 * time.Millisecond)

	expired := m.CheckExpiredRequests()
	if len(expired) != 0 {
		t.Fatalf("expected progress reset to keep request alive, got expired=%v", expired)
	}
}

func TestUpdateProgressNoopWhenDisabled(t *testing.T) {
	m := mcpstream.NewTimeoutManager(mcpstream.TimeoutManagerConfig{
		DefaultTimeout:      10 * time.Millisecond,
		MaximumTimeout:      time.Hour,
		EnableProgressReset: false,
	})
	m.AddRequest("1", "tools/call", 0)

	time.Sleep(5 * time.Millisecond)
	m.UpdateProgress("1")
	time.Sleep(10 * time.Millisecond)

	expired := m.CheckExpiredRequests()
	if len(expired) != 1 {
		t.Fatalf("expected request to expire since progress reset is disabled, got %v", expired)
	}
}

func TestCancelRequestMarksExpiredImmediately(t *testing.T) {
	m := mcpstream.NewTimeoutManager(mcpstream.TimeoutManagerConfig{DefaultTimeout: time.Hour, MaximumTimeout: time.Hour})
	m.AddRequest("1", "tools/call", 0)
	m.CancelRequest("1")

	if !m.IsCancelled("1") {
		t.Fatal("expected request to be cancelled immediately, without waiting for a scan")
	}
	// CheckExpiredRequests only reports IDs newly discovered as expired by
	// the scan itself; an explicit cancel already reported its own
	// notifications/cancelled at the call site, so the scan must not
	// double-report it.
	if expired := m.CheckExpiredRequests(); len(expired) != 0 {
		t.Fatalf("expected no duplicate report for an already-cancelled request, got %v", expired)
	}
}

func TestCompleteRequestRemovesTracking(t *testing.T) {
	m := mcpstream.NewTimeoutManager(mcpstream.TimeoutManagerConfig{})
	m.AddRequest("1", "tools/call", 0)
	m.CompleteRequest("1")
	if m.IsCancelled("1") {
		t.Fatal("completed request should no longer be tracked")
	}
}
