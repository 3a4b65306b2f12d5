// Package state persists tangoctl's session state between invocations.
// Grounded on the teacher's internal/cli/state.TokenState, narrowed from
// a JWT access/refresh token pair to Tango's single opaque access key
// (spec.md §1 "request authentication by opaque key").
package state

import (
	"encoding/json"
	"os"
)

// KeyState is the persisted operator session.
type KeyState struct {
	AccessKey string `json:"accessKey"`
	BaseURL   string `json:"baseURL,omitempty"`
}

// Load reads state from path, returning a zero-value KeyState if the
// file doesn't exist yet.
func Load(path string) (KeyState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return KeyState{}, nil
		}
		return KeyState{}, err
	}
	var s KeyState
	if err := json.Unmarshal(data, &s); err != nil {
		return KeyState{}, err
	}
	return s, nil
}

// Save writes state to path.
func Save(path string, s KeyState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Clear removes the persisted state file.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
