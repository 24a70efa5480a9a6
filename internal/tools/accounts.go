package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/cache"
	"github.com/brandon/mail-sync/internal/dispatch"
	"github.com/brandon/mail-sync/pkg/types"
)

// SyncStatusTool reports per-account synchronization state
type SyncStatusTool struct {
	store    *cache.Store
	control  SyncControl
	watchers Watchers
	logger   *logrus.Logger
}

// NewSyncStatusTool creates a new sync status tool
func NewSyncStatusTool(store *cache.Store, control SyncControl, watchers Watchers, logger *logrus.Logger) *SyncStatusTool {
	return &SyncStatusTool{
		store:    store,
		control:  control,
		watchers: watchers,
		logger:   logger,
	}
}

// Name returns the tool name
func (t *SyncStatusTool) Name() string {
	return "sync_status"
}

// Description returns the tool description
func (t *SyncStatusTool) Description() string {
	return "Show synchronization status, last sync, last error and watcher state per account"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SyncStatusTool) InputSchema() map[string]interface{} {
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
func (t *SyncStatusTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var statuses []types.AccountStatus
	if name := stringParam(params, "account_name"); name != "" {
		st, err := t.store.GetAccountStatus(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get status: %w", err)
		}
		statuses = append(statuses, *st)
	} else {
		all, err := t.store.ListAccountStatuses(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list statuses: %w", err)
		}
		statuses = all
	}

	var states map[string]string
	if t.watchers != nil {
		states = make(map[string]string)
		for name, st := range t.watchers.States() {
			states[name] = st.String()
		}
	}

	result := make([]map[string]interface{}, len(statuses))
	for i, st := range statuses {
		entry := map[string]interface{}{
			"account_name":  st.Name,
			"active":        st.Active,
			"sync_status":   st.SyncStatus,
			"skipped_count": st.SkippedCount,
			"watcher":       "stopped",
		}
		if st.LastSync != nil {
			entry["last_sync"] = st.LastSync.UTC().Format(time.RFC3339)
			entry["last_sync_ago"] = humanize.Time(*st.LastSync)
		}
		if st.LastSyncStart != nil {
			entry["last_sync_started"] = st.LastSyncStart.UTC().Format(time.RFC3339)
		}
		if st.LastSyncError != "" {
			entry["last_sync_error"] = st.LastSyncError
		}
		if state, ok := states[st.Name]; ok {
			entry["watcher"] = state
		}
		if t.control != nil {
			entry["outstanding_jobs"] = t.control.Outstanding(st.Name)
		}
		result[i] = entry
	}
	return result, nil
}

// SyncAccountTool starts a synchronization. It is the external trigger that
// brings an account back from the error state.
type SyncAccountTool struct {
	store    *cache.Store
	jobs     dispatch.Enqueuer
	control  SyncControl
	watchers Watchers
	logger   *logrus.Logger
}

// NewSyncAccountTool creates a new sync account tool
func NewSyncAccountTool(store *cache.Store, jobs dispatch.Enqueuer, control SyncControl, watchers Watchers, logger *logrus.Logger) *SyncAccountTool {
	return &SyncAccountTool{
		store:    store,
		jobs:     jobs,
		control:  control,
		watchers: watchers,
		logger:   logger,
	}
}

// Name returns the tool name
func (t *SyncAccountTool) Name() string {
	return "sync_account"
}

// Description returns the tool description
func (t *SyncAccountTool) Description() string {
	return "Synchronize an account (all folders or one folder); reactivates accounts stopped by errors"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SyncAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Account name",
			},
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Only reconcile this folder",
			},
			"full": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Refetch every message instead of only missing ones (default false, true when the account is reactivated)",
			},
		},
		"required": []string{"account_name"},
	}
}

// Execute executes the tool
func (t *SyncAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name := stringParam(params, "account_name")
	if name == "" {
		return nil, fmt.Errorf("account_name is required")
	}
	st, err := t.store.GetAccountStatus(ctx, name)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, fmt.Errorf("account not found: %s", name)
		}
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	reactivated := false
	if st.SyncStatus == types.StatusError || !st.Active || t.control.Halted(name) {
		if err := t.control.Reactivate(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to reactivate account: %w", err)
		}
		reactivated = true
		t.logger.WithField("account", name).Info("Account reactivated")
	}

	folder := stringParam(params, "folder")
	job := dispatch.NewJob(dispatch.KindFullSync, name, "")
	if folder != "" {
		job = dispatch.NewJob(dispatch.KindReconcileFolder, name, folder)
	}
	// A reactivated account may have missed anything, so it refetches by default
	job.Full = boolParam(params, "full", reactivated)
	if err := t.jobs.Submit(job); err != nil {
		return nil, fmt.Errorf("failed to schedule sync: %w", err)
	}
	if t.watchers != nil {
		t.watchers.Refresh()
	}

	return map[string]interface{}{
		"account_name": name,
		"job_id":       job.ID,
		"kind":         job.Kind,
		"folder":       folder,
		"full":         job.Full,
		"reactivated":  reactivated,
	}, nil
}

// ListContactsTool lists an account's contacts
type ListContactsTool struct {
	store  *cache.Store
	logger *logrus.Logger
}

// NewListContactsTool creates a new list contacts tool
func NewListContactsTool(store *cache.Store, logger *logrus.Logger) *ListContactsTool {
	return &ListContactsTool{
		store:  store,
		logger: logger,
	}
}

// Name returns the tool name
func (t *ListContactsTool) Name() string {
	return "list_contacts"
}

// Description returns the tool description
func (t *ListContactsTool) Description() string {
	return "List contacts seen in an account's mail, most frequent first"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListContactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Account name",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Maximum number of contacts (default 100)",
			},
		},
		"required": []string{"account_name"},
	}
}

// Execute executes the tool
func (t *ListContactsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name := stringParam(params, "account_name")
	if name == "" {
		return nil, fmt.Errorf("account_name is required")
	}
	id, err := t.store.GetAccountID(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("account not found: %s", name)
	}
	limit := 0
	if _, ok := params["limit"]; ok {
		n, err := int64Param(params, "limit")
		if err != nil {
			return nil, err
		}
		limit = int(n)
	}
	return t.store.ListContacts(ctx, id, limit)
}
