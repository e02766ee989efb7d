package controller

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	pb "github.com/distcodep7/ramutex/proto"
	"github.com/distcodep7/ramutex/testing"
	"github.com/google/uuid"
)

func isTesterMsg(msg *pb.Envelope) bool {
	return msg.From == "TESTER" || msg.To == "TESTER"
}

func isControlMsg(msg *pb.Envelope) bool {
	return msg.From == controllerID || msg.To == controllerID
}

// probCheck returns true with probability p.
func (s *Server) probCheck(p float64) bool {
	if p <= 0 {
		return false
	}
	s.rngMu.Lock()
	r := s.rng.Float64()
	s.rngMu.Unlock()
	return r < p
}

// shouldDuplicate decides whether a just-forwarded message gets a second copy.
// Traffic to or from the tester and the controller is never touched.
func (s *Server) shouldDuplicate(msg *pb.Envelope) bool {
	if isTesterMsg(msg) || isControlMsg(msg) {
		return false
	}
	if len(s.testConfig.DupeTypes) > 0 && !slices.Contains(s.testConfig.DupeTypes, msg.Type) {
		return false
	}
	return s.probCheck(s.testConfig.DupeProb)
}

// duplicateMessage delivers a clone synchronously, directly behind the
// original, so per-pair order is unchanged.
func (s *Server) duplicateMessage(msg *pb.Envelope) error {
	s.mu.Lock()
	target, ok := s.senders[msg.To]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	clone := msg.Clone()
	if err := target.SendEnvelope(clone); err != nil {
		return err
	}
	s.logger.Printf("[DUPE] Duplicated: %s -> %s [%s]", clone.From, clone.To, clone.Type)
	s.logDupe(clone)
	s.publish(KindDuplicate, clone)
	return nil
}

func (s *Server) logDupe(env *pb.Envelope) {
	if s.trace == nil {
		return
	}

	vcMap := make(map[string]uint64)
	for _, entry := range env.Vector {
		vcMap[entry.Node] = entry.Counter
	}

	entry := testing.TraceEvent{
		ID:          uuid.NewString(),
		MessageID:   env.Id,
		Timestamp:   time.Now().UnixNano(),
		EvtType:     testing.EvtTypeDupe,
		MsgType:     env.Type,
		From:        env.From,
		To:          env.To,
		VectorClock: vcMap,
	}
	if json.Valid([]byte(env.Payload)) {
		entry.Payload = json.RawMessage(env.Payload)
	}
	if err := s.trace.Record(entry); err != nil {
		s.logger.Printf("[ERR] Failed to write to trace: %v", fmt.Errorf("dupe %s: %w", env.Id, err))
	}
}
