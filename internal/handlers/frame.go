package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is a structured client command, as sent over WebSocket and gRPC.
// Action is a command name; Queue feeds "join" and Event plus Args feed "event".
type Frame struct {
	Action string   `json:"action"`
	Queue  string   `json:"queue,omitempty"`
	Event  string   `json:"event,omitempty"`
	Args   []string `json:"args,omitempty"`
}

// ParseFrame decodes a client message into a dispatchable command.
//
// Postcondition: Returns an error for malformed JSON or a missing action.
func ParseFrame(data []byte) (Command, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Command{}, fmt.Errorf("malformed frame: %w", err)
	}
	return f.Command()
}

// Command maps the frame onto the shared command set.
func (f Frame) Command() (Command, error) {
	if f.Action == "" {
		return Command{}, errors.New("frame has no action")
	}
	cmd := Command{Name: f.Action}
	switch f.Action {
	case CmdJoin:
		if f.Queue != "" {
			cmd.Args = []string{f.Queue}
		}
	case CmdEvent:
		if f.Event != "" {
			cmd.Args = append([]string{f.Event}, f.Args...)
		}
	default:
		cmd.Args = f.Args
	}
	return cmd, nil
}
