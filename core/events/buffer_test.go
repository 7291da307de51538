package events

import "testing"

type testEvent string

func (e testEvent) EventType() string { return string(e) }

type recorder struct{ seen []string }

func (r *recorder) Emit(evt Event) { r.seen = append(r.seen, evt.EventType()) }

func TestBufferFlushesInOrder(t *testing.T) {
	var buf Buffer
	buf.Emit(testEvent("a"))
	buf.Emit(nil)
	buf.Emit(testEvent("b"))
	if got := len(buf.Events()); got != 2 {
		t.Fatalf("expected 2 buffered events, got %d", got)
	}
	rec := &recorder{}
	flushed := buf.Flush(rec)
	if len(flushed) != 2 || rec.seen[0] != "a" || rec.seen[1] != "b" {
		t.Fatalf("unexpected flush order: %v", rec.seen)
	}
	if len(buf.Events()) != 0 {
		t.Fatalf("buffer should be empty after flush")
	}
}

func TestMultiSkipsNil(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	Multi{first, nil, second, NoopEmitter{}}.Emit(testEvent("x"))
	if len(first.seen) != 1 || len(second.seen) != 1 {
		t.Fatalf("expected both recorders to observe the event")
	}
}
