package driver

import (
	"fmt"
	"sync"
)

// CheckpointTable is an in-memory per-agent checkpoint index shared by the
// checkpoint-capable backends. Checkpoints are immutable once added and are
// discarded when the owning agent terminates.
type CheckpointTable struct {
	mu      sync.Mutex
	byAgent map[string][]*Checkpoint
}

// NewCheckpointTable creates an empty table.
func NewCheckpointTable() *CheckpointTable {
	return &CheckpointTable{byAgent: make(map[string][]*Checkpoint)}
}

// Add records a checkpoint for its agent.
func (t *CheckpointTable) Add(cp *Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byAgent[cp.AgentID] = append(t.byAgent[cp.AgentID], cp)
}

// List returns the agent's checkpoints in creation order.
func (t *CheckpointTable) List(agentID string) []*Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Checkpoint, len(t.byAgent[agentID]))
	copy(out, t.byAgent[agentID])
	return out
}

// Get returns one checkpoint by id.
func (t *CheckpointTable) Get(agentID, checkpointID string) (*Checkpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cp := range t.byAgent[agentID] {
		if cp.ID == checkpointID {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("checkpoint %s not found for agent %s", checkpointID, agentID)
}

// DeleteAgent discards all checkpoints for an agent.
func (t *CheckpointTable) DeleteAgent(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byAgent, agentID)
}
