package tools

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/cache"
)

// GetEmailTool retrieves a stored email by ID
type GetEmailTool struct {
	store  *cache.Store
	logger *logrus.Logger
}

// NewGetEmailTool creates a new get email tool
func NewGetEmailTool(store *cache.Store, logger *logrus.Logger) *GetEmailTool {
	return &GetEmailTool{
		store:  store,
		logger: logger,
	}
}

// Name returns the tool name
func (t *GetEmailTool) Name() string {
	return "get_email"
}

// Description returns the tool description
func (t *GetEmailTool) Description() string {
	return "Retrieve a synchronized email by ID, with attachments and contacts"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"email_id": map[string]interface{}{
				"type":        "integer",
				"description": "Email ID",
			},
			"include_html": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Include the HTML body (default false)",
			},
		},
		"required": []string{"email_id"},
	}
}

// Execute executes the tool
func (t *GetEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	emailID, err := int64Param(params, "email_id")
	if err != nil {
		return nil, err
	}

	msg, err := t.store.GetMessage(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	if !boolParam(params, "include_html", false) {
		msg.BodyHTML = ""
	}
	return map[string]interface{}{
		"email":      msg,
		"size_human": humanize.Bytes(uint64(msg.Size)),
	}, nil
}
