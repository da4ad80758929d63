package cmd

import (
	"fmt"

	"parley/state"
)

// StatusCmd displays chat state counts from the last snapshot, suitable
// for a tmux or shell prompt segment
type StatusCmd struct{}

// Run executes the status command
func (s *StatusCmd) Run() error {
	st, err := state.Load()
	if err != nil || st.RunID == "" {
		// No state file or no bot has run yet
		fmt.Printf("I:? W:? A:?")
		return nil
	}

	idle, busy, awaiting := st.Counts()
	fmt.Printf("I:%d W:%d A:%d", idle, busy, awaiting)
	return nil
}
