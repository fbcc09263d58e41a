package domain

import "slices"

// noScore marks a checkpoint that has not accepted any iteration yet.
const noScore = -1

// Checkpoint is the best state observed during a run together with the
// full iteration history.
type Checkpoint struct {
	BestScore int         `json:"best_score"`
	BestState SceneState  `json:"best_state"`
	History   []Iteration `json:"history"`
}

// TotalCost sums the cost of every recorded iteration.
func (c Checkpoint) TotalCost() float64 {
	var total float64
	for _, it := range c.History {
		total += it.CostUSD
	}
	return total
}

// Decision is the outcome of evaluating one scored state.
type Decision struct {
	Status CheckpointStatus
	// State is the state the live scene must hold after this iteration:
	// the scored state on accept, the best state on revert.
	State SceneState
	// Score is the score reported for the iteration.
	Score int
}

// CheckpointManager enforces monotonic improvement across a run.
// It is owned by a single run and is not safe for concurrent use.
type CheckpointManager struct {
	enabled   bool
	bestScore int
	bestState SceneState
	history   []Iteration
}

// NewCheckpointManager creates a manager. When enabled is false every
// iteration is accepted and the best score tracks the latest score.
func NewCheckpointManager(enabled bool) *CheckpointManager {
	return &CheckpointManager{enabled: enabled, bestScore: noScore}
}

// Enabled reports whether regressions are reverted.
func (m *CheckpointManager) Enabled() bool { return m.enabled }

// Evaluate decides whether the scored state is kept. Ties are accepted so
// that lateral refinements are not discarded.
func (m *CheckpointManager) Evaluate(currentScore int, currentState SceneState) Decision {
	if !m.enabled || currentScore >= m.bestScore {
		m.bestScore = currentScore
		m.bestState = currentState.Clone()
		return Decision{Status: StatusAccepted, State: currentState.Clone(), Score: currentScore}
	}
	return Decision{Status: StatusReverted, State: m.bestState.Clone(), Score: m.bestScore}
}

// Seed records an initial state without a score so that a revert before the
// first accepted iteration still has a complete state to restore.
func (m *CheckpointManager) Seed(state SceneState) {
	if m.bestState == nil {
		m.bestState = state.Clone()
	}
}

// HasScore reports whether any iteration has been accepted.
func (m *CheckpointManager) HasScore() bool { return m.bestScore != noScore }

// BestScore returns the best accepted score, or 0 before the first accept.
func (m *CheckpointManager) BestScore() int {
	if m.bestScore == noScore {
		return 0
	}
	return m.bestScore
}

// BestState returns a copy of the best state.
func (m *CheckpointManager) BestState() SceneState { return m.bestState.Clone() }

// Record appends an iteration to the history.
func (m *CheckpointManager) Record(it Iteration) { m.history = append(m.history, it) }

// History returns a copy of the iteration history.
func (m *CheckpointManager) History() []Iteration { return slices.Clone(m.history) }

// Snapshot returns a copy of the checkpoint. Recorded iterations are never
// mutated, so they are shared rather than copied.
func (m *CheckpointManager) Snapshot() Checkpoint {
	return Checkpoint{
		BestScore: m.BestScore(),
		BestState: m.BestState(),
		History:   m.History(),
	}
}
