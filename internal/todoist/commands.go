package todoist

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	CommandItemUpdate     = "item_update"
	CommandItemMove       = "item_move"
	CommandItemClose      = "item_close"
	CommandItemUncomplete = "item_uncomplete"
)

type Command struct {
	Type   string         `json:"type"`
	UUID   string         `json:"uuid"`
	TempID string         `json:"temp_id,omitempty"`
	Args   map[string]any `json:"args"`
}

func NewCommand(commandType string, args map[string]any) Command {
	if args == nil {
		args = map[string]any{}
	}
	return Command{Type: commandType, UUID: uuid.NewString(), Args: args}
}

type CommandResult struct {
	SyncToken     string
	TempIDMapping map[string]string
	SyncStatus    map[string]json.RawMessage
}

// CommandError is a command the remote rejected inside an otherwise
// successful batch.
type CommandError struct {
	UUID    string
	Type    string
	Code    int
	Tag     string
	Message string
}

func (e *CommandError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("todoist command %s (%s) rejected: %s: %s", e.Type, e.UUID, e.Tag, e.Message)
	}
	return fmt.Sprintf("todoist command %s (%s) rejected: %s", e.Type, e.UUID, e.Message)
}

func commandStatus(cmd Command, raw json.RawMessage) error {
	if len(raw) == 0 {
		return &CommandError{UUID: cmd.UUID, Type: cmd.Type, Message: "no status returned"}
	}
	var status string
	if json.Unmarshal(raw, &status) == nil {
		if strings.EqualFold(status, "ok") {
			return nil
		}
		return &CommandError{UUID: cmd.UUID, Type: cmd.Type, Message: status}
	}
	var failure struct {
		ErrorCode int    `json:"error_code"`
		ErrorTag  string `json:"error_tag"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(raw, &failure); err != nil {
		return &CommandError{UUID: cmd.UUID, Type: cmd.Type, Message: string(raw)}
	}
	return &CommandError{
		UUID:    cmd.UUID,
		Type:    cmd.Type,
		Code:    failure.ErrorCode,
		Tag:     failure.ErrorTag,
		Message: failure.Error,
	}
}
