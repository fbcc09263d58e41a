package domain

import "time"

// CheckpointStatus is the checkpoint decision recorded for an iteration.
type CheckpointStatus string

const (
	// StatusAccepted means the scored state became (or tied) the best state.
	StatusAccepted CheckpointStatus = "accepted"
	// StatusReverted means the scored state regressed and the best state was restored.
	StatusReverted CheckpointStatus = "reverted"
	// StatusRevertedUnchanged means the iteration never produced a score, so
	// the scene was left as it was and the best score carried forward.
	StatusRevertedUnchanged CheckpointStatus = "reverted_unchanged"
)

// ControllerState is a phase of one optimization iteration.
type ControllerState string

const (
	StateCapturing     ControllerState = "CAPTURING"
	StateScoring       ControllerState = "SCORING"
	StateApplying      ControllerState = "APPLYING"
	StateCheckpointing ControllerState = "CHECKPOINTING"
)

// TerminalState is how a run ended.
type TerminalState string

const (
	TerminalConverged     TerminalState = "CONVERGED"
	TerminalMaxIterations TerminalState = "MAX_ITERATIONS"
	TerminalOscillating   TerminalState = "OSCILLATING"
	TerminalAborted       TerminalState = "ABORTED"
)

// Iteration is the append-only record of one oracle call.
type Iteration struct {
	Index         int              `json:"index"`
	Selection     ViewSelection    `json:"selection"`
	Response      *OracleResponse  `json:"response,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Decision      CheckpointStatus `json:"decision"`
	// Score is the score reported to the rest of the system for this
	// iteration. On revert it is the best score, not the raw oracle score.
	Score     int             `json:"score"`
	Mode      PositioningMode `json:"mode"`
	Applied   []string        `json:"applied,omitempty"`
	CostUSD   float64         `json:"cost_usd"`
	Timestamp time.Time       `json:"timestamp"`
}

// Failed reports whether the oracle call for this iteration failed.
func (it Iteration) Failed() bool { return it.Response == nil }

// RawScore returns the oracle's own score, or -1 for a failed call.
func (it Iteration) RawScore() int {
	if it.Response == nil {
		return -1
	}
	return it.Response.MatchScore
}
