package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/cory-johannsen/arena/internal/game"
)

// startupPayload encodes {"cmd":"startup_status", ...fields}.
func startupPayload(fields map[string]any) ([]byte, error) {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["cmd"] = "startup_status"
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding startup status: %w", err)
	}
	return data, nil
}

// statusPayload encodes {"command":"status","status":{...}}.
func statusPayload(st game.Status) ([]byte, error) {
	data, err := json.Marshal(struct {
		Command string      `json:"command"`
		Status  game.Status `json:"status"`
	}{Command: "status", Status: st})
	if err != nil {
		return nil, fmt.Errorf("encoding status: %w", err)
	}
	return data, nil
}

// errorPayload encodes {"error": description}.
func errorPayload(description string) []byte {
	data, _ := json.Marshal(map[string]string{"error": description})
	return data
}
