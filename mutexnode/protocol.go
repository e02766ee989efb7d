package mutexnode

import "github.com/distcodep7/ramutex/dsnet"

// TesterID is the node name of the test driver.
const TesterID = "TESTER"

const (
	TypeMutexTrigger = "MutexTrigger"
	TypeMutexResult  = "MutexResult"
)

// MutexTrigger starts a run on the receiving peer. Zero fields fall back to
// the peer's configuration.
type MutexTrigger struct {
	dsnet.BaseMessage
	MutexID    string `json:"mutex_id"`
	Cycles     int    `json:"cycles,omitempty"`
	WorkMillis int    `json:"work_millis,omitempty"`
}

// MutexResult reports a finished run to the tester.
type MutexResult struct {
	dsnet.BaseMessage
	MutexID string `json:"mutex_id"`
	NodeId  string `json:"node_id"`
	Entries int    `json:"entries"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
