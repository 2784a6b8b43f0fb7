// ABOUTME: Entity tools letting workers read tasks and agents and edit task content
// ABOUTME: update_task only touches descriptive fields; status transitions stay with the supervisor

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/hive/internal/store"
)

type entityTools struct {
	store store.Store
}

func (e *entityTools) tools() []*Tool {
	return []*Tool{
		{
			Name:        "get_task",
			Description: "Fetch a task by id",
			InputSchema: `{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`,
			Handler:     e.GetTask,
		},
		{
			Name:        "update_task",
			Description: "Update a task's title, description, requirements or result",
			InputSchema: `{"type":"object","properties":{"id":{"type":"string"},"title":{"type":"string"},"description":{"type":"string"},"requirements":{},"result":{}},"required":["id"]}`,
			Handler:     e.UpdateTask,
		},
		{
			Name:        "get_agent",
			Description: "Fetch an agent's profile and status by id",
			InputSchema: `{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`,
			Handler:     e.GetAgent,
		},
	}
}

type idInput struct {
	ID string `json:"id"`
}

func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return id, nil
}

func (e *entityTools) GetTask(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in idInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	id, err := requireID(in.ID)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	return json.Marshal(task)
}

type updateTaskInput struct {
	ID           string          `json:"id"`
	Title        *string         `json:"title"`
	Description  *string         `json:"description"`
	Requirements json.RawMessage `json:"requirements"`
	Result       json.RawMessage `json:"result"`
}

func (e *entityTools) UpdateTask(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in updateTaskInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	id, err := requireID(in.ID)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}

	if in.Title != nil {
		task.Title = *in.Title
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if len(in.Requirements) > 0 {
		task.Requirements = in.Requirements
	}
	if len(in.Result) > 0 {
		task.Result = in.Result
	}
	if err := e.store.UpsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("updating task %s: %w", id, err)
	}
	return json.Marshal(task)
}

type agentView struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Role     string            `json:"role,omitempty"`
	Category string            `json:"category,omitempty"`
	Status   store.AgentStatus `json:"status"`
	Load     int               `json:"load"`
	Skills   []string          `json:"skills,omitempty"`
	Stats    store.AgentStats  `json:"stats"`
}

func (e *entityTools) GetAgent(ctx context.Context, agentID string, input json.RawMessage) (json.RawMessage, error) {
	var in idInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	id, err := requireID(in.ID)
	if err != nil {
		return nil, err
	}
	a, err := e.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	return json.Marshal(agentView{
		ID:       a.ID,
		Name:     a.Name,
		Role:     a.Role,
		Category: a.Category,
		Status:   a.Status,
		Load:     a.Load,
		Skills:   a.Skills,
		Stats:    a.Stats,
	})
}
