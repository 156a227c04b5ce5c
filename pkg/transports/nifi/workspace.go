package nifi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

type position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type groupRequest struct {
	Revision  revision       `json:"revision"`
	Component groupComponent `json:"component"`
}

type groupComponent struct {
	Name     string   `json:"name"`
	Position position `json:"position"`
}

// CreateWorkspace creates a process group under the configured sandbox
// parent and returns its id.
func (c *Client) CreateWorkspace(ctx context.Context, name string) (string, error) {
	return c.CreateGroup(ctx, c.cfg.sandboxParent(), name)
}

// CreateGroup creates a process group named name under parent, or under the
// root group when parent is empty, and returns its id.
func (c *Client) CreateGroup(ctx context.Context, parent, name string) (string, error) {
	if parent == "" {
		parent = rootGroup
	}
	req := groupRequest{
		Revision:  c.revision(0),
		Component: groupComponent{Name: name},
	}

	res, err := c.do(ctx, "create process group", http.MethodPost,
		"/process-groups/"+url.PathEscape(parent)+"/process-groups", nil, req)
	if err != nil {
		return "", err
	}

	id := res.Get("component.id").String()
	if id == "" {
		id = res.Get("id").String()
	}
	if id == "" {
		return "", fmt.Errorf("create process group: %w", errNoID)
	}
	c.logger.WithField("parent", parent).Debugf("Created process group %s (%s)", name, id)
	return id, nil
}

// DeleteWorkspace deletes a process group and everything in it. A group that
// is already gone counts as deleted.
func (c *Client) DeleteWorkspace(ctx context.Context, groupID string) error {
	return c.deleteEntity(ctx, "process group", "/process-groups/"+url.PathEscape(groupID))
}
