package tools

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/cache"
	"github.com/brandon/mail-sync/internal/dispatch"
	"github.com/brandon/mail-sync/internal/watcher"
	"github.com/brandon/mail-sync/pkg/types"
)

// Mailbox changes stored messages on the server and then locally
type Mailbox interface {
	SetFlags(ctx context.Context, id int64, names []string, add bool) (*types.Message, error)
	MoveEmail(ctx context.Context, id int64, dest string) (*types.Message, error)
}

// SyncControl reports and clears halted accounts
type SyncControl interface {
	Halted(account string) bool
	Outstanding(account string) int
	Reactivate(ctx context.Context, account string) error
}

// Watchers exposes the running push watchers
type Watchers interface {
	States() map[string]watcher.State
	Refresh()
}

// Deps are the components tools operate on
type Deps struct {
	Store    *cache.Store
	Mailbox  Mailbox
	Jobs     dispatch.Enqueuer
	Control  SyncControl
	Watchers Watchers
}

// Registry manages MCP tools
type Registry struct {
	deps   Deps
	logger *logrus.Logger
	tools  map[string]Tool
}

// Tool represents an MCP tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// NewRegistry creates a new tool registry
func NewRegistry(deps Deps, logger *logrus.Logger) *Registry {
	reg := &Registry{
		deps:   deps,
		logger: logger,
		tools:  make(map[string]Tool),
	}
	reg.registerTools()
	return reg
}

// registerTools registers all available tools
func (r *Registry) registerTools() {
	toolList := []Tool{
		NewListFoldersTool(r.deps.Store, r.logger),
		NewGetEmailTool(r.deps.Store, r.logger),
		NewListContactsTool(r.deps.Store, r.logger),
		NewSyncStatusTool(r.deps.Store, r.deps.Control, r.deps.Watchers, r.logger),
		NewSyncAccountTool(r.deps.Store, r.deps.Jobs, r.deps.Control, r.deps.Watchers, r.logger),
		NewSetFlagsTool(r.deps.Mailbox, r.logger),
		NewMoveEmailTool(r.deps.Mailbox, r.logger),
	}

	for _, tool := range toolList {
		r.tools[tool.Name()] = tool
		r.logger.WithField("tool", tool.Name()).Debug("Registered tool")
	}

	r.logger.WithField("count", len(r.tools)).Info("Registered tools")
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// ListTools returns all registered tools sorted by name
func (r *Registry) ListTools() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// GetToolDefinitions returns tool definitions for MCP
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	tools := r.ListTools()
	definitions := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		definitions = append(definitions, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		})
	}
	return definitions
}
