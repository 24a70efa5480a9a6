package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/cache"
)

// ListFoldersTool lists synchronized folders
type ListFoldersTool struct {
	store  *cache.Store
	logger *logrus.Logger
}

// NewListFoldersTool creates a new list folders tool
func NewListFoldersTool(store *cache.Store, logger *logrus.Logger) *ListFoldersTool {
	return &ListFoldersTool{
		store:  store,
		logger: logger,
	}
}

// Name returns the tool name
func (t *ListFoldersTool) Name() string {
	return "list_folders"
}

// Description returns the tool description
func (t *ListFoldersTool) Description() string {
	return "List synchronized mailboxes/folders for configured email accounts"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Specific account name, or all accounts if omitted",
			},
		},
	}
}

// Execute executes the tool
func (t *ListFoldersTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var accountID *int64
	if accountName := stringParam(params, "account_name"); accountName != "" {
		id, err := t.store.GetAccountID(ctx, accountName)
		if err != nil {
			return nil, fmt.Errorf("account not found: %s", accountName)
		}
		accountID = &id
	}

	folders, err := t.store.ListFolders(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	result := make([]map[string]interface{}, len(folders))
	for i, folder := range folders {
		result[i] = map[string]interface{}{
			"id":            folder.ID,
			"account_name":  folder.AccountName,
			"name":          folder.Name,
			"path":          folder.Path,
			"attributes":    folder.Attributes,
			"message_count": folder.MessageCount,
		}
		if folder.LastSynced != nil {
			result[i]["last_synced"] = folder.LastSynced.UTC().Format("2006-01-02T15:04:05Z")
		}
	}
	return result, nil
}
