package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// SetFlagsTool sets or clears flags on an email
type SetFlagsTool struct {
	mailbox Mailbox
	logger  *logrus.Logger
}

// NewSetFlagsTool creates a new set flags tool
func NewSetFlagsTool(mailbox Mailbox, logger *logrus.Logger) *SetFlagsTool {
	return &SetFlagsTool{
		mailbox: mailbox,
		logger:  logger,
	}
}

// Name returns the tool name
func (t *SetFlagsTool) Name() string {
	return "set_flags"
}

// Description returns the tool description
func (t *SetFlagsTool) Description() string {
	return "Set or clear flags (read, flagged, answered, deleted, draft) on an email"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SetFlagsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"email_id": map[string]interface{}{
				"type":        "integer",
				"description": "Email ID",
			},
			"flags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Flags to change: read, flagged, answered, deleted, draft",
			},
			"add": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: true sets the flags, false clears them (default true)",
			},
		},
		"required": []string{"email_id", "flags"},
	}
}

// Execute executes the tool
func (t *SetFlagsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	emailID, err := int64Param(params, "email_id")
	if err != nil {
		return nil, err
	}
	flags := stringsParam(params, "flags")
	if len(flags) == 0 {
		return nil, fmt.Errorf("flags is required")
	}

	msg, err := t.mailbox.SetFlags(ctx, emailID, flags, boolParam(params, "add", true))
	if err != nil {
		return nil, fmt.Errorf("failed to set flags: %w", err)
	}
	return map[string]interface{}{
		"id":    msg.ID,
		"flags": msg.Flags,
	}, nil
}

// MoveEmailTool moves an email to another folder
type MoveEmailTool struct {
	mailbox Mailbox
	logger  *logrus.Logger
}

// NewMoveEmailTool creates a new move email tool
func NewMoveEmailTool(mailbox Mailbox, logger *logrus.Logger) *MoveEmailTool {
	return &MoveEmailTool{
		mailbox: mailbox,
		logger:  logger,
	}
}

// Name returns the tool name
func (t *MoveEmailTool) Name() string {
	return "move_email"
}

// Description returns the tool description
func (t *MoveEmailTool) Description() string {
	return "Move an email to another folder (for example Trash or Archive)"
}

// InputSchema returns the JSON schema for tool inputs
func (t *MoveEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"email_id": map[string]interface{}{
				"type":        "integer",
				"description": "Email ID",
			},
			"destination": map[string]interface{}{
				"type":        "string",
				"description": "Destination folder path",
			},
		},
		"required": []string{"email_id", "destination"},
	}
}

// Execute executes the tool
func (t *MoveEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	emailID, err := int64Param(params, "email_id")
	if err != nil {
		return nil, err
	}
	dest := stringParam(params, "destination")
	if dest == "" {
		return nil, fmt.Errorf("destination is required")
	}

	msg, err := t.mailbox.MoveEmail(ctx, emailID, dest)
	if err != nil {
		return nil, fmt.Errorf("failed to move email: %w", err)
	}
	if msg == nil {
		return map[string]interface{}{
			"moved":       true,
			"destination": dest,
			"pending":     "destination folder is being resynchronized",
		}, nil
	}
	return map[string]interface{}{
		"moved":       true,
		"id":          msg.ID,
		"destination": msg.Folder,
		"uid":         msg.UID,
	}, nil
}
