package main

import (
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/entityflow/pkg/mcp"
)

// notifierSwapper is an mcp.ClientNotifier whose target is set after the
// dispatcher is built. The in-app channel needs a notifier before the MCP
// server exists, and the MCP server needs the dispatcher.
type notifierSwapper struct {
	mu     sync.RWMutex
	target mcp.ClientNotifier
}

func (s *notifierSwapper) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	s.mu.RLock()
	t := s.target
	s.mu.RUnlock()
	if t == nil {
		return server.ErrSessionNotFound
	}
	return t.SendNotificationToSpecificClient(sessionID, method, params)
}

// Swap replaces the underlying notifier atomically.
func (s *notifierSwapper) Swap(t mcp.ClientNotifier) {
	s.mu.Lock()
	s.target = t
	s.mu.Unlock()
}
