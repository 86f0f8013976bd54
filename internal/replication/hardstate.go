package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/arkilian/memlog/internal/wal"
)

// HardState is what a node must remember across restarts to keep its
// votes and commits safe.
type HardState struct {
	Term        uint64 `json:"term"`
	VotedFor    string `json:"voted_for,omitempty"`
	CommitIndex uint64 `json:"commit_index"`
}

func loadHardState(path string) (HardState, error) {
	var hs HardState
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return hs, nil
	}
	if err != nil {
		return hs, err
	}
	if err := json.Unmarshal(data, &hs); err != nil {
		return hs, fmt.Errorf("hard state %s: %w", path, err)
	}
	return hs, nil
}

func saveHardState(path string, hs HardState) error {
	data, err := json.Marshal(hs)
	if err != nil {
		return err
	}
	return wal.WriteFileAtomic(path, data)
}
