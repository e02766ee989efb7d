package predicates

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/distcodep7/ramutex/algorithms"
	"github.com/distcodep7/ramutex/controller"
	"github.com/distcodep7/ramutex/dsnet"
	"github.com/distcodep7/ramutex/mutexnode"
	dtesting "github.com/distcodep7/ramutex/testing"
	"github.com/distcodep7/ramutex/testing/harness"
)

// Verdict is the outcome of one check.
type Verdict struct {
	Success bool
	Reason  string
}

func pass() Verdict { return Verdict{Success: true} }

func fail(format string, a ...interface{}) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, a...)}
}

type interval struct {
	node        string
	enter, exit map[string]uint64
}

// happensBefore reports whether the event stamped a causally precedes the
// event stamped b.
func happensBefore(a, b map[string]uint64) bool {
	strict := false
	for id, av := range a {
		bv := b[id]
		if av > bv {
			return false
		}
		if av < bv {
			strict = true
		}
	}
	for id, bv := range b {
		if _, ok := a[id]; !ok && bv > 0 {
			strict = true
		}
	}
	return strict
}

func intervals(events []dtesting.TraceEvent) ([]interval, error) {
	open := map[string]*interval{}
	var out []interval
	for _, e := range events {
		switch e.EvtType {
		case dtesting.EvtTypeEnter:
			if _, ok := open[e.From]; ok {
				return nil, fmt.Errorf("%s entered twice without leaving", e.From)
			}
			open[e.From] = &interval{node: e.From, enter: e.VectorClock}
		case dtesting.EvtTypeExit:
			iv, ok := open[e.From]
			if !ok {
				return nil, fmt.Errorf("%s left without entering", e.From)
			}
			iv.exit = e.VectorClock
			out = append(out, *iv)
			delete(open, e.From)
		}
	}
	for node := range open {
		return nil, fmt.Errorf("%s never left the critical section", node)
	}
	return out, nil
}

// CheckMutualExclusion verifies that every two critical section intervals
// on different nodes are causally ordered: one exit happens before the
// other entry. Wall clock timestamps are not consulted.
func CheckMutualExclusion(events []dtesting.TraceEvent) Verdict {
	ivs, err := intervals(events)
	if err != nil {
		return fail("%v", err)
	}
	for i := range ivs {
		for j := i + 1; j < len(ivs); j++ {
			a, b := ivs[i], ivs[j]
			if a.node == b.node {
				continue
			}
			if !happensBefore(a.exit, b.enter) && !happensBefore(b.exit, a.enter) {
				return fail("critical sections of %s %v and %s %v are concurrent", a.node, a.enter, b.node, b.enter)
			}
		}
	}
	return pass()
}

// CountEntries returns the number of critical section entries per node.
func CountEntries(events []dtesting.TraceEvent) map[string]int {
	out := map[string]int{}
	for _, e := range events {
		if e.EvtType == dtesting.EvtTypeEnter {
			out[e.From]++
		}
	}
	return out
}

// CheckReplies verifies from controller observations that every forwarded
// REQUEST was answered by exactly one forwarded REPLY in the opposite
// direction. Injected duplicates are ignored.
func CheckReplies(obs []*harness.Observation) Verdict {
	type pair struct{ from, to string }
	requests := map[pair]int{}
	replies := map[pair]int{}
	for _, o := range obs {
		if o.Kind != controller.KindForward {
			continue
		}
		switch o.Type {
		case string(algorithms.KindRequest):
			requests[pair{o.From, o.To}]++
		case string(algorithms.KindReply):
			replies[pair{o.To, o.From}]++
		}
	}

	var bad []string
	for p, n := range requests {
		if replies[p] != n {
			bad = append(bad, fmt.Sprintf("%s->%s: %d requests, %d replies", p.from, p.to, n, replies[p]))
		}
	}
	for p, n := range replies {
		if _, ok := requests[p]; !ok {
			bad = append(bad, fmt.Sprintf("%s->%s: %d replies without a request", p.from, p.to, n))
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fail("unbalanced replies: %v", bad)
	}
	return pass()
}

// SumEntries aggregates the resource counter reported by every node.
func SumEntries(results []mutexnode.MutexResult) int {
	total := 0
	for _, r := range results {
		total += r.Entries
	}
	return total
}

// MutexRunResult is the harness-evaluated outcome of a run.
type MutexRunResult struct {
	Verdict
	Results []mutexnode.MutexResult
	Total   int
}

// RunMutexTest injects a MutexTrigger to every node and waits until each has
// reported its MutexResult to the tester, then checks that the reported
// entries add up to cycles per node.
func RunMutexTest(ctx context.Context, h *harness.Harness, nodes []string, mutexID string, cycles int, timeout time.Duration) (*MutexRunResult, error) {
	for _, node := range nodes {
		trig := mutexnode.MutexTrigger{
			BaseMessage: dsnet.BaseMessage{From: mutexnode.TesterID, To: node, Type: mutexnode.TypeMutexTrigger},
			MutexID:     mutexID,
			Cycles:      cycles,
		}
		if err := h.Inject(ctx, mutexnode.TesterID, node, mutexnode.TypeMutexTrigger, trig); err != nil {
			return nil, fmt.Errorf("inject trigger: %w", err)
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		results := map[string]mutexnode.MutexResult{}
		for _, o := range h.SnapshotTrace() {
			if o.Type != mutexnode.TypeMutexResult || o.To != mutexnode.TesterID {
				continue
			}
			// The result counts whether or not a tester node is connected.
			if o.Kind != controller.KindForward && o.Kind != controller.KindUnknown {
				continue
			}
			var r mutexnode.MutexResult
			if err := json.Unmarshal(o.Payload, &r); err != nil || r.MutexID != mutexID {
				continue
			}
			results[r.NodeId] = r
		}

		if len(results) == len(nodes) {
			return evaluateRun(results, nodes, cycles), nil
		}
		if time.Now().After(deadline) {
			var missing []string
			for _, n := range nodes {
				if _, ok := results[n]; !ok {
					missing = append(missing, n)
				}
			}
			return &MutexRunResult{Verdict: fail("timed out; missing results from: %v", missing)}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func evaluateRun(byNode map[string]mutexnode.MutexResult, nodes []string, cycles int) *MutexRunResult {
	res := &MutexRunResult{}
	for _, n := range nodes {
		res.Results = append(res.Results, byNode[n])
	}
	res.Total = SumEntries(res.Results)

	for _, r := range res.Results {
		if !r.Success {
			res.Verdict = fail("%s failed: %s", r.NodeId, r.Error)
			return res
		}
	}
	if want := len(nodes) * cycles; res.Total != want {
		res.Verdict = fail("resource value %d, want %d", res.Total, want)
		return res
	}
	res.Verdict = pass()
	return res
}
