// Package config loads the startup parameters of a peer: its identity, the
// size of the group and the seed clocks.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/distcodep7/ramutex/algorithms"
)

var (
	ErrPeerCountMismatch = errors.New("amount of seeds must be equal to the number of peers")
	ErrNegativeSeed      = errors.New("negative seed")
)

// ParseSeeds reads one non-negative integer per peer, separated by
// whitespace.
func ParseSeeds(r io.Reader, n int) ([]algorithms.Timestamp, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)

	var seeds []algorithms.Timestamp
	for sc.Scan() {
		v, err := strconv.ParseInt(sc.Text(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("seed %d: %w", len(seeds), err)
		}
		if v < 0 {
			return nil, fmt.Errorf("seed %d is %d: %w", len(seeds), v, ErrNegativeSeed)
		}
		seeds = append(seeds, algorithms.Timestamp(v))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	if len(seeds) != n {
		return nil, fmt.Errorf("%w: %d seeds for %d peers", ErrPeerCountMismatch, len(seeds), n)
	}
	return seeds, nil
}

func LoadSeeds(path string, n int) ([]algorithms.Timestamp, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open seed file: %w", err)
	}
	defer f.Close()
	return ParseSeeds(f, n)
}

// PeerConfig is everything one peer process needs before it connects.
type PeerConfig struct {
	ID         int
	Peers      int
	Controller string
	SeedFile   string
	Cycles     int
	Work       time.Duration
	TraceFile  string

	// Seeds holds the clock seed of every peer. When SeedFile is empty all
	// peers start at zero.
	Seeds []algorithms.Timestamp
}

// Seed is this peer's own starting clock.
func (c PeerConfig) Seed() algorithms.Timestamp {
	return c.Seeds[c.ID]
}

// Parse reads peer flags from args and loads the seed file.
func Parse(name string, args []string) (PeerConfig, error) {
	var c PeerConfig
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.IntVar(&c.ID, "id", 0, "Index of this peer in [0, n)")
	fs.IntVar(&c.Peers, "n", 3, "Number of peers in the group")
	fs.StringVar(&c.Controller, "addr", "localhost:50051", "Address of the network controller")
	fs.StringVar(&c.SeedFile, "seeds", "", "File with one starting clock per peer")
	fs.IntVar(&c.Cycles, "cycles", 1, "Critical section entries per trigger")
	fs.DurationVar(&c.Work, "work", 1500*time.Millisecond, "Simulated work inside the critical section")
	fs.StringVar(&c.TraceFile, "trace", "", "Append trace events to this file")
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if err := c.load(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *PeerConfig) load() error {
	if c.Peers < 1 {
		return fmt.Errorf("peer count %d: need at least one peer", c.Peers)
	}
	if c.ID < 0 || c.ID >= c.Peers {
		return fmt.Errorf("%w: id %d outside [0, %d)", algorithms.ErrUnknownPeer, c.ID, c.Peers)
	}
	if c.Cycles < 1 {
		return fmt.Errorf("cycles must be positive, got %d", c.Cycles)
	}
	if c.SeedFile == "" {
		c.Seeds = make([]algorithms.Timestamp, c.Peers)
		return nil
	}
	seeds, err := LoadSeeds(c.SeedFile, c.Peers)
	if err != nil {
		return err
	}
	c.Seeds = seeds
	return nil
}
