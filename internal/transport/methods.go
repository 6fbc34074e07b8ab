// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nova-run/nova/internal/model"
	"github.com/nova-run/nova/internal/plugin"
)

type methodHandler func(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error)

var methodTable = map[string]methodHandler{
	"plugin.list":          handlePluginList,
	"agent.list":           handleAgentList,
	"agent.invoke":         handleAgentInvoke,
	"session.message":      handleSessionMessage,
	"session.stop":         handleSessionStop,
	"session.list":         handleSessionList,
	"session.get":          handleSessionGet,
	"session.subscribe":    handleSessionSubscribe,
	"session.unsubscribe":  handleSessionUnsubscribe,
	"project.list":         handleProjectList,
	"project.sessions":     handleProjectSessions,
	"session.history":      handleSessionHistory,
	"session.delete":       handleSessionDelete,
	"session.deleteBulk":   handleSessionDeleteBulk,
	"system.homeDirectory": handleHomeDirectory,
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing params", errInvalidParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func handlePluginList(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	return map[string]any{"plugins": s.registry.Plugins()}, nil
}

func handleAgentList(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	return map[string]any{"agents": s.registry.Agents()}, nil
}

type invokeParams struct {
	Plugin          string   `json:"plugin"`
	Agent           string   `json:"agent"`
	ProjectPath     string   `json:"projectPath"`
	Prompt          string   `json:"prompt"`
	ResumeSessionID string   `json:"resumeSessionId,omitempty"`
	ForkSession     bool     `json:"forkSession,omitempty"`
	PermissionMode  string   `json:"permissionMode,omitempty"`
	BypassMode      *bool    `json:"bypassMode,omitempty"`
	AllowTools      []string `json:"allowTools,omitempty"`
	DenyTools       []string `json:"denyTools,omitempty"`
	PartialMessages bool     `json:"partialMessages,omitempty"`
}

type invokeResult struct {
	SessionID         string       `json:"session_id"`
	UpstreamSessionID string       `json:"upstream_session_id,omitempty"`
	Status            model.Status `json:"status"`
	AgentID           string       `json:"agent_id"`
	PluginID          string       `json:"plugin_id"`
}

// handleAgentInvoke implements ordering guarantee 4: the response is
// enqueued before the auto-subscribe registration runs, and since
// both happen sequentially on this connection's read-pump goroutine
// against the same FIFO send channel, the response frame always
// reaches the socket first. Subscribe's own replay of buffered events
// (see ptysession.Session.Subscribe) then delivers init onward.
func handleAgentInvoke(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	var p invokeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	pluginName, agentID := p.Plugin, p.Agent
	if pluginName == "" || agentID == "" {
		if defaultPlugin, defaultAgent, ok := s.config.DefaultAgent(); ok {
			if pluginName == "" {
				pluginName = defaultPlugin
			}
			if agentID == "" {
				agentID = defaultAgent
			}
		}
	}
	if pluginName == "" || agentID == "" {
		return nil, fmt.Errorf("%w: plugin and agent are required", errInvalidParams)
	}
	if p.ProjectPath == "" {
		return nil, fmt.Errorf("%w: projectPath is required", errInvalidParams)
	}

	session, err := s.registry.Invoke(ctx, pluginName, agentID, plugin.InvokeOptions{
		ProjectPath:     p.ProjectPath,
		Prompt:          p.Prompt,
		ResumeSessionID: p.ResumeSessionID,
		ForkSession:     p.ForkSession,
		PermissionMode:  p.PermissionMode,
		BypassMode:      p.BypassMode,
		AllowTools:      p.AllowTools,
		DenyTools:       p.DenyTools,
		PartialMessages: p.PartialMessages,
	})
	if err != nil {
		return nil, err
	}

	view := session.Snapshot()
	result := invokeResult{
		SessionID:         view.ID,
		UpstreamSessionID: view.UpstreamSessionID,
		Status:            view.Status,
		AgentID:           view.AgentID,
		PluginID:          view.PluginID,
	}

	// dispatch enqueues this result and only then calls autoSubscribe,
	// so the response frame always precedes any session.event
	// notification for this session on this socket (ordering
	// guarantee 4); see Server.dispatch.
	return result, nil
}

// autoSubscribe registers c's publishEvent callback on sessionID.
func autoSubscribe(s *Server, c *connection, sessionID string) {
	cancel := s.registry.Stream(sessionID, c.publishEvent)
	c.addSubscription(sessionID, cancel)
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type messageParams struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

func handleSessionMessage(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	var p messageParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.registry.Message(ctx, p.SessionID, p.Text), nil
}

func handleSessionStop(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	s.registry.Stop(ctx, p.SessionID)
	return map[string]any{"success": true}, nil
}

func handleSessionList(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	sessions := s.registry.Sessions()
	views := make([]model.View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.Snapshot())
	}
	return map[string]any{"sessions": views}, nil
}

func handleSessionGet(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	session, ok := s.registry.GetSession(p.SessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, p.SessionID)
	}
	return session.Snapshot(), nil
}

func handleSessionSubscribe(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cancel := s.registry.Stream(p.SessionID, c.publishEvent)
	c.addSubscription(p.SessionID, cancel)
	return map[string]any{"subscribed": true, "session_id": p.SessionID}, nil
}

func handleSessionUnsubscribe(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c.removeSubscription(p.SessionID)
	return map[string]any{"unsubscribed": true, "session_id": p.SessionID}, nil
}

func handleProjectList(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	projects, err := s.history.ListProjects()
	if err != nil {
		return nil, err
	}
	return map[string]any{"projects": projects}, nil
}

type projectIDParams struct {
	ProjectID string `json:"projectId"`
}

func handleProjectSessions(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	var p projectIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sessions, err := s.history.ListSessions(p.ProjectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions}, nil
}

type historyParams struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

func handleSessionHistory(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	var p historyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	records, err := s.history.LoadHistory(p.ProjectID, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"records": records}, nil
}

func handleSessionDelete(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	var p historyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.history.Delete(p.ProjectID, p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

type deleteBulkParams struct {
	ProjectID  string   `json:"projectId"`
	SessionIDs []string `json:"sessionIds"`
}

func handleSessionDeleteBulk(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	var p deleteBulkParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.history.DeleteBulk(p.ProjectID, p.SessionIDs), nil
}

func handleHomeDirectory(ctx context.Context, s *Server, c *connection, params json.RawMessage) (any, error) {
	return map[string]any{"home_directory": s.history.HomeDirectory()}, nil
}
