package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/events"
	"github.com/brandon/mail-sync/internal/tools"
)

const protocolVersion = "2024-11-05"

// Version is reported in serverInfo
var Version = "dev"

// Server represents the MCP server
type Server struct {
	logger *logrus.Logger
	tools  *tools.Registry
	hub    *events.Hub

	mu          sync.Mutex
	encoder     *json.Encoder
	initialized bool
}

// NewServer creates a new MCP server instance. hub may be nil, in which case
// no change notifications are sent.
func NewServer(registry *tools.Registry, hub *events.Hub, logger *logrus.Logger) *Server {
	return &Server{
		logger: logger,
		tools:  registry,
		hub:    hub,
	}
}

// Run starts the MCP server with stdio transport
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server with stdio transport")
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve answers newline delimited JSON-RPC requests read from in until in is
// exhausted or ctx is done
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.mu.Lock()
	s.encoder = json.NewEncoder(out)
	s.mu.Unlock()

	if s.hub != nil {
		sub := s.hub.Subscribe()
		defer sub.Close()
		go s.forward(ctx, sub)
	}

	requests := make(chan map[string]interface{})
	decodeErr := make(chan error, 1)
	go func() {
		decoder := json.NewDecoder(in)
		for {
			var req map[string]interface{}
			if err := decoder.Decode(&req); err != nil {
				decodeErr <- err
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-decodeErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode request: %w", err)
		case req := <-requests:
			resp := s.handleRequest(ctx, req)
			if resp == nil {
				continue
			}
			if err := s.send(resp); err != nil {
				s.logger.WithError(err).Error("Failed to encode response")
			}
		}
	}
}

func (s *Server) send(msg map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoder.Encode(msg)
}

// forward turns store change events into logging notifications once the
// client has initialized
func (s *Server) forward(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			s.mu.Lock()
			ready := s.initialized
			s.mu.Unlock()
			if !ready {
				continue
			}
			level := "info"
			if e.Error != "" {
				level = "error"
			}
			err := s.send(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "notifications/message",
				"params": map[string]interface{}{
					"level":  level,
					"logger": "mail-sync",
					"data":   e,
				},
			})
			if err != nil {
				s.logger.WithError(err).Debug("Failed to send notification")
			}
		}
	}
}

// handleRequest processes an MCP request. Notifications get no response.
func (s *Server) handleRequest(ctx context.Context, req map[string]interface{}) map[string]interface{} {
	method, _ := req["method"].(string)
	id, hasID := req["id"]

	if method == "notifications/initialized" {
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
	}
	if !hasID {
		return nil
	}

	switch method {
	case "initialize":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		return result(id, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools":   map[string]interface{}{},
				"logging": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "mail-sync",
				"version": Version,
			},
		})

	case "ping":
		return result(id, map[string]interface{}{})

	case "tools/list":
		return result(id, map[string]interface{}{
			"tools": s.tools.GetToolDefinitions(),
		})

	case "tools/call":
		params, _ := req["params"].(map[string]interface{})
		toolName, _ := params["name"].(string)
		arguments, _ := params["arguments"].(map[string]interface{})
		if arguments == nil {
			arguments = map[string]interface{}{}
		}

		tool, exists := s.tools.GetTool(toolName)
		if !exists {
			return failure(id, -32601, fmt.Sprintf("Tool not found: %s", toolName))
		}

		out, err := tool.Execute(ctx, arguments)
		if err != nil {
			s.logger.WithError(err).WithField("tool", toolName).Warn("Tool call failed")
			return failure(id, -32603, err.Error())
		}

		// Serialize result to JSON string for text content
		resultJSON, err := json.Marshal(out)
		if err != nil {
			resultJSON = []byte(fmt.Sprintf("%v", out))
		}
		return result(id, map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": string(resultJSON),
				},
			},
		})
	}

	return failure(id, -32601, fmt.Sprintf("Method not found: %s", method))
}

func result(id interface{}, body map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  body,
	}
}

func failure(id interface{}, code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
}
