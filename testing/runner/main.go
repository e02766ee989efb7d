// Command runner starts a controller and a group of Ricart-Agrawala peers in
// one process, triggers every peer, and checks the recorded execution.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/distcodep7/ramutex/algorithms"
	"github.com/distcodep7/ramutex/config"
	"github.com/distcodep7/ramutex/controller"
	"github.com/distcodep7/ramutex/dsnet"
	"github.com/distcodep7/ramutex/mutexnode"
	pb "github.com/distcodep7/ramutex/proto"
	dtesting "github.com/distcodep7/ramutex/testing"
	"github.com/distcodep7/ramutex/testing/disttest"
	"github.com/distcodep7/ramutex/testing/harness"
	"github.com/distcodep7/ramutex/testing/predicates"
	"github.com/google/uuid"
	"google.golang.org/grpc"
)

func main() {
	numNodes := flag.Int("n", 3, "Number of peers")
	cycles := flag.Int("cycles", 1, "Critical section entries per peer")
	work := flag.Duration("work", 300*time.Millisecond, "Simulated work inside the critical section")
	seedFile := flag.String("seeds", "", "File with one starting clock per peer")
	dupe := flag.Float64("dupe", 0, "Probability of duplicating a REPLY (use with -cycles 1)")
	timeout := flag.Duration("timeout", 60*time.Second, "Give up after this long")
	report := flag.String("report", "", "Write the verdicts as JSON to this file")
	flag.Parse()

	seeds := make([]algorithms.Timestamp, *numNodes)
	if *seedFile != "" {
		var err error
		if seeds, err = config.LoadSeeds(*seedFile, *numNodes); err != nil {
			log.Fatalf("ERROR: %v", err)
		}
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	var traceBuf bytes.Buffer
	trace := dtesting.NewTraceLog(&traceBuf)

	props := controller.ControllerProps{
		Logger: log.Default(),
		Config: controller.TestConfig{DupeProb: *dupe, DupeTypes: []string{string(algorithms.KindReply)}},
		Trace:  trace,
	}
	ctrl := controller.NewServer(props)
	grpcServer := grpc.NewServer()
	pb.RegisterNetworkControllerServer(grpcServer, ctrl)
	go grpcServer.Serve(lis)
	defer grpcServer.Stop()

	h := harness.NewHarness(ctrl, 0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	names := make([]string, *numNodes)
	done := make(chan error, *numNodes)
	nodes := make([]*mutexnode.MutexNode, *numNodes)
	for i := range names {
		mn, err := mutexnode.NewMutexNode(config.PeerConfig{
			ID:         i,
			Peers:      *numNodes,
			Controller: lis.Addr().String(),
			Cycles:     *cycles,
			Work:       *work,
			Seeds:      seeds,
		}, dsnet.WithTrace(trace))
		if err != nil {
			log.Fatalf("peer %d: %v", i, err)
		}
		names[i] = mn.Net.ID
		nodes[i] = mn
		go func() { done <- mn.Run(context.Background()) }()
	}
	if err := ctrl.WaitForNodes(ctx, names...); err != nil {
		log.Fatalf("peers did not connect: %v", err)
	}

	fmt.Println("Resource value in the beginning: 0")
	mutexID := uuid.NewString()
	start := time.Now()
	res, err := predicates.RunMutexTest(ctx, h, names, mutexID, *cycles, *timeout)
	elapsed := time.Since(start)
	if err != nil {
		log.Fatalf("run %s: %v", mutexID, err)
	}

	ctrl.Stop(names...)
	for range names {
		if err := <-done; err != nil {
			log.Printf("peer stopped with %v", err)
		}
	}
	h.Close()

	fmt.Printf("Resource value after the execution: %d\n", res.Total)
	var protoErrs int64
	for _, mn := range nodes {
		protoErrs += mn.Mutex.ProtocolErrors()
	}
	fmt.Printf("Protocol errors dropped: %d\n", protoErrs)

	events, err := dtesting.ReadTrace(&traceBuf)
	if err != nil {
		log.Fatalf("read trace: %v", err)
	}
	verdicts := []struct {
		name string
		v    predicates.Verdict
	}{
		{"results", res.Verdict},
		{"mutual exclusion", predicates.CheckMutualExclusion(events)},
		{"replies", predicates.CheckReplies(h.SnapshotTrace())},
	}
	var rec disttest.Recorder
	for _, c := range verdicts {
		rec.Add(c.name, c.v.Success, c.v.Reason, elapsed)
		if c.v.Success {
			log.Printf("✅ %s", c.name)
		} else {
			log.Printf("❌ %s: %s", c.name, c.v.Reason)
		}
	}
	if *report != "" {
		if err := rec.Write(*report); err != nil {
			log.Printf("write report: %v", err)
		}
	}
	if rec.Failed() {
		os.Exit(1)
	}
}
