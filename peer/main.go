// Command peer runs one Ricart-Agrawala peer against a running controller.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/distcodep7/ramutex/config"
	"github.com/distcodep7/ramutex/dsnet"
	"github.com/distcodep7/ramutex/mutexnode"
	dtesting "github.com/distcodep7/ramutex/testing"
)

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	var opts []dsnet.Option
	if cfg.TraceFile != "" {
		tl, err := dtesting.OpenTraceLog(cfg.TraceFile)
		if err != nil {
			log.Fatalf("ERROR: %v", err)
		}
		defer tl.Close()
		opts = append(opts, dsnet.WithTrace(tl))
	}

	log.Printf("Starting peer %d of %d connecting to %s", cfg.ID, cfg.Peers, cfg.Controller)
	node, err := mutexnode.NewMutexNode(cfg, opts...)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := node.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[%s] stopped: %v", node.Net.ID, err)
	}
	log.Printf("[%s] left the CS %d times", node.Net.ID, node.Resource())
}
