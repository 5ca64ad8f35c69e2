package driver

// PruneHistory bounds a conversation history to max messages. The first
// message is always retained (it anchors the task the agent was given);
// the remainder is the most recent max-1 messages. Shared by the API and
// RPC backends, which both keep conversation state client-side.
func PruneHistory(history []Message, max int) []Message {
	if max <= 0 || len(history) <= max {
		return history
	}
	pruned := make([]Message, 0, max)
	pruned = append(pruned, history[0])
	pruned = append(pruned, history[len(history)-(max-1):]...)
	return pruned
}
