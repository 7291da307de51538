package observability

import (
	"bytes"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"escrowchain/core/types"
)

type testEvent struct {
	evt *types.Event
}

func (e testEvent) EventType() string { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

func TestRPCObserve(t *testing.T) {
	m := RPC()
	beforeOK := testutil.ToFloat64(m.requests.WithLabelValues("escrow_get", "success"))
	beforeErr := testutil.ToFloat64(m.errors.WithLabelValues("escrow_get", "-32034"))

	m.Observe("escrow_get", 0, time.Millisecond)
	m.Observe("escrow_get", -32034, time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("escrow_get", "success")); got != beforeOK+1 {
		t.Fatalf("success counter: expected %v, got %v", beforeOK+1, got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("escrow_get", "-32034")); got != beforeErr+1 {
		t.Fatalf("error counter: expected %v, got %v", beforeErr+1, got)
	}
}

func TestRPCRecordThrottleDefaultsReason(t *testing.T) {
	m := RPC()
	before := testutil.ToFloat64(m.throttles.WithLabelValues("unspecified"))
	m.RecordThrottle("  ")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unspecified")); got != before+1 {
		t.Fatalf("expected throttle increment, got %v", got)
	}
}

func TestEscrowRecordOperation(t *testing.T) {
	m := Escrow()
	before := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "invalid_amount"))
	m.RecordOperation("deposit", "invalid_amount")
	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "invalid_amount")); got != before+1 {
		t.Fatalf("expected operation increment, got %v", got)
	}
}

func TestEscrowRecordValueIgnoresNonPositive(t *testing.T) {
	m := Escrow()
	before := testutil.ToFloat64(m.value.WithLabelValues("released"))
	m.RecordValue("released", big.NewInt(0))
	m.RecordValue("released", nil)
	m.RecordValue("released", big.NewInt(25))
	if got := testutil.ToFloat64(m.value.WithLabelValues("released")); got != before+25 {
		t.Fatalf("expected value +25, got %v", got-before)
	}
}

func TestEventLoggerCountsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	emitter := NewEventLogger(logger)

	beforeEvents := testutil.ToFloat64(Events().emitted.WithLabelValues("escrow.refunded"))
	beforeValue := testutil.ToFloat64(Escrow().value.WithLabelValues("refunded"))

	emitter.Emit(testEvent{evt: &types.Event{
		Type:       "escrow.refunded",
		Attributes: map[string]string{"id": "ab", "amount": "40"},
	}})

	if got := testutil.ToFloat64(Events().emitted.WithLabelValues("escrow.refunded")); got != beforeEvents+1 {
		t.Fatalf("expected event increment, got %v", got)
	}
	if got := testutil.ToFloat64(Escrow().value.WithLabelValues("refunded")); got != beforeValue+40 {
		t.Fatalf("expected refunded value +40, got %v", got-beforeValue)
	}
	out := buf.String()
	if !strings.Contains(out, `"type":"escrow.refunded"`) || !strings.Contains(out, `"component":"events"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestBigToFloat(t *testing.T) {
	if bigToFloat(nil) != 0 {
		t.Fatalf("nil should map to zero")
	}
	if got := bigToFloat(big.NewInt(12345)); got != 12345 {
		t.Fatalf("expected 12345, got %v", got)
	}
}
