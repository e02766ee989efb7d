// Package mutexnode runs one Ricart-Agrawala peer on a dsnet network. The
// peer answers other peers' requests as soon as it connects and enters the
// critical section when the tester triggers it.
package mutexnode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distcodep7/ramutex/algorithms"
	"github.com/distcodep7/ramutex/config"
	"github.com/distcodep7/ramutex/dsnet"
	"github.com/distcodep7/ramutex/logger"
	"github.com/distcodep7/ramutex/testing"
)

type MutexNode struct {
	Net   *dsnet.Node
	Mutex *algorithms.Mutex

	cfg config.PeerConfig
	dir *algorithms.PeerDirectory
	log logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	resource int
	runs     sync.WaitGroup
}

func NewMutexNode(cfg config.PeerConfig, opts ...dsnet.Option) (*MutexNode, error) {
	dir, err := algorithms.DefaultDirectory(cfg.Peers)
	if err != nil {
		return nil, err
	}
	name, err := dir.Name(algorithms.PeerID(cfg.ID))
	if err != nil {
		return nil, err
	}
	if len(cfg.Seeds) != cfg.Peers {
		return nil, fmt.Errorf("%w: %d seeds for %d peers", config.ErrPeerCountMismatch, len(cfg.Seeds), cfg.Peers)
	}

	net, err := dsnet.NewNode(name, cfg.Controller, opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	mn := &MutexNode{
		Net:    net,
		cfg:    cfg,
		dir:    dir,
		log:    logger.NewPeerLogger(cfg.ID),
		ctx:    ctx,
		cancel: cancel,
	}
	mn.Mutex, err = algorithms.NewMutex(algorithms.PeerID(cfg.ID), cfg.Peers, cfg.Seed(),
		algorithms.NewDsnetTransport(ctx, net, dir), algorithms.WithLogger(mn.log))
	if err != nil {
		cancel()
		net.Close()
		return nil, err
	}
	return mn, nil
}

// Run serves the node until ctx ends or the controller stops it, then
// abandons any run in progress and closes the connection.
func (mn *MutexNode) Run(ctx context.Context) error {
	defer mn.Net.Close()
	defer mn.runs.Wait()
	defer mn.Mutex.Close()
	defer mn.cancel()

	mux := dsnet.NewMux()
	algorithms.Register(mux, mn.Mutex, mn.dir)
	dsnet.On(mux, TypeMutexTrigger, mn.onTrigger)

	mn.log.Debug(logger.DNode, "%s serving", mn.Net.ID)
	return mn.Net.Serve(ctx, mux)
}

func (mn *MutexNode) onTrigger(ctx context.Context, from string, trig MutexTrigger) error {
	if from != TesterID {
		return fmt.Errorf("trigger from %s ignored", from)
	}

	mn.mu.Lock()
	defer mn.mu.Unlock()
	if mn.running {
		return fmt.Errorf("trigger %s ignored: a run is in progress", trig.MutexID)
	}
	mn.running = true

	cycles := mn.cfg.Cycles
	if trig.Cycles > 0 {
		cycles = trig.Cycles
	}
	work := mn.cfg.Work
	if trig.WorkMillis > 0 {
		work = time.Duration(trig.WorkMillis) * time.Millisecond
	}

	mn.runs.Add(1)
	go mn.run(trig.MutexID, cycles, work)
	return nil
}

func (mn *MutexNode) run(mutexID string, cycles int, work time.Duration) {
	defer mn.runs.Done()
	defer func() {
		mn.mu.Lock()
		mn.running = false
		mn.mu.Unlock()
	}()

	entries := 0
	var err error
	for i := 0; i < cycles && err == nil; i++ {
		err = algorithms.WithCriticalSection(mn.Mutex, func() error {
			mn.Net.Mark(testing.EvtTypeEnter, map[string]any{"mutex_id": mutexID, "cycle": i})
			defer mn.Net.Mark(testing.EvtTypeExit, map[string]any{"mutex_id": mutexID, "cycle": i})
			entries += mn.simulateWork(work)
			return nil
		})
	}

	res := MutexResult{
		BaseMessage: dsnet.BaseMessage{From: mn.Net.ID, To: TesterID, Type: TypeMutexResult},
		MutexID:     mutexID,
		NodeId:      mn.Net.ID,
		Entries:     entries,
		Success:     err == nil,
	}
	if err != nil {
		res.Error = err.Error()
		mn.log.Debug(logger.DWarn, "run %s stopped after %d entries: %v", mutexID, entries, err)
	}
	if serr := mn.Net.Send(mn.ctx, TesterID, res); serr != nil {
		mn.log.Debug(logger.DWarn, "result for %s not sent: %v", mutexID, serr)
	}
}

func (mn *MutexNode) simulateWork(work time.Duration) int {
	mn.log.Debug(logger.DHeld, "working for %v", work)
	time.Sleep(work)
	mn.mu.Lock()
	mn.resource++
	mn.mu.Unlock()
	return 1
}

// Resource is the number of critical section entries this peer made.
func (mn *MutexNode) Resource() int {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	return mn.resource
}
