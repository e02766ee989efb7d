// Package logger prints topic-tagged protocol narration. Output is silent
// unless the VERBOSE environment variable is at least 1.
package logger

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

type LogTopic string

var debugStart time.Time
var debugVerbosity atomic.Int32

const (
	DRequest LogTopic = "REQS"
	DReply   LogTopic = "RPLY"
	DDefer   LogTopic = "DEFR"
	DHeld    LogTopic = "HELD"
	DRelease LogTopic = "RELS"
	DProto   LogTopic = "PROT"
	DCtrl    LogTopic = "CTRL"
	DNode    LogTopic = "NODE"
	DTest    LogTopic = "TEST"
	DWarn    LogTopic = "WARN"
)

type Logger interface {
	Debug(topic LogTopic, format string, a ...interface{})
}

// PeerLogger prefixes every line with elapsed milliseconds, the topic and the
// peer id. A negative id omits the peer column.
type PeerLogger struct {
	me int
}

func NewPeerLogger(me int) *PeerLogger {
	return &PeerLogger{me: me}
}

func (pl *PeerLogger) Debug(topic LogTopic, format string, a ...interface{}) {
	if !DebugEnabled() {
		return
	}
	ms := time.Since(debugStart).Milliseconds()
	var prefix string
	if pl.me < 0 {
		prefix = fmt.Sprintf("%06d %v ", ms, string(topic))
	} else {
		prefix = fmt.Sprintf("%06d %v [%d] ", ms, string(topic), pl.me)
	}
	fmt.Printf(prefix+format+"\n", a...)
}

type nopLogger struct{}

func (nopLogger) Debug(LogTopic, string, ...interface{}) {}

// Discard drops everything.
var Discard Logger = nopLogger{}

func init() {
	debugVerbosity.Store(int32(getVerbosity()))
	debugStart = time.Now()
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
}

// Retrieve the verbosity level from an environment variable
func getVerbosity() int {
	v := os.Getenv("VERBOSE")
	level := 0
	if v != "" {
		var err error
		level, err = strconv.Atoi(v)
		if err != nil {
			log.Fatalf("Invalid verbosity %v", v)
		}
	}
	return level
}

func DebugEnabled() bool {
	return debugVerbosity.Load() >= 1
}

// SetVerbosity overrides the level read from VERBOSE.
func SetVerbosity(level int) {
	debugVerbosity.Store(int32(level))
}
