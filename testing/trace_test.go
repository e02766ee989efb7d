package testing

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	stdtesting "testing"
)

func TestTraceLogConcurrentRecord(t *stdtesting.T) {
	var buf bytes.Buffer
	tl := NewTraceLog(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = tl.Record(TraceEvent{EvtType: EvtTypeSend, From: "N0", To: "N1"})
			}
		}()
	}
	wg.Wait()

	events, err := ReadTrace(&buf)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if len(events) != 200 {
		t.Fatalf("got %d events, want 200", len(events))
	}
}

func TestTraceFileAppends(t *stdtesting.T) {
	path := filepath.Join(t.TempDir(), "trace_log.jsonl")

	for _, node := range []string{"N0", "N1"} {
		tl, err := OpenTraceLog(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := tl.Record(TraceEvent{EvtType: EvtTypeEnter, From: node, VectorClock: map[string]uint64{node: 1}}); err != nil {
			t.Fatalf("record: %v", err)
		}
		tl.Close()
	}

	events, err := ReadTraceFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 || events[0].From != "N0" || events[1].From != "N1" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestReadTraceReportsBadLine(t *stdtesting.T) {
	_, err := ReadTrace(strings.NewReader("{\"id\":\"a\"}\n{not json}\n"))
	if err == nil || !strings.Contains(err.Error(), "trace line 2") {
		t.Fatalf("expected error on line 2, got %v", err)
	}
}

func TestRecorder(t *stdtesting.T) {
	if got := (TraceEvent{EvtType: EvtTypeRecv, From: "N0", To: "N1"}).Recorder(); got != "N1" {
		t.Fatalf("recv recorder = %s", got)
	}
	if got := (TraceEvent{EvtType: EvtTypeSend, From: "N0", To: "N1"}).Recorder(); got != "N0" {
		t.Fatalf("send recorder = %s", got)
	}
}
