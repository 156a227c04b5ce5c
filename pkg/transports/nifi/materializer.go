package nifi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/tidwall/gjson"
)

// SandboxNamePrefix marks processors created for validation.
const SandboxNamePrefix = "VALIDATION-"

const columnWidth = 400

type processorRequest struct {
	Revision  revision           `json:"revision"`
	Component processorComponent `json:"component"`
}

type processorComponent struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Name     string          `json:"name,omitempty"`
	Bundle   *Bundle         `json:"bundle,omitempty"`
	Position *position       `json:"position,omitempty"`
	Config   processorConfig `json:"config"`
}

type processorConfig struct {
	Properties                       engine.Properties `json:"properties,omitempty"`
	SchedulingStrategy               string            `json:"schedulingStrategy,omitempty"`
	SchedulingPeriod                 string            `json:"schedulingPeriod,omitempty"`
	ConcurrentlySchedulableTaskCount int               `json:"concurrentlySchedulableTaskCount,omitempty"`
	AutoTerminatedRelationships      []string          `json:"autoTerminatedRelationships,omitempty"`
}

type connectionRequest struct {
	Revision  revision            `json:"revision"`
	Component connectionComponent `json:"component"`
}

type connectionComponent struct {
	Source                connectable `json:"source"`
	Destination           connectable `json:"destination"`
	SelectedRelationships []string    `json:"selectedRelationships"`
}

type connectable struct {
	ID      string `json:"id"`
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

func groupOf(h *engine.SandboxHandle) string {
	if h.GroupID == "" {
		return rootGroup
	}
	return h.GroupID
}

// CreateNode resolves the node type, creates the processor and records it in
// the handle. In sandboxes the processor is checked for validation errors; if
// any remain besides those caused by missing connections, the processor is
// deleted again and a rejection naming the offending property is returned.
func (c *Client) CreateNode(ctx context.Context, node *engine.ProcessorNode, h *engine.SandboxHandle) (string, error) {
	pt, err := c.ResolveType(ctx, node.Type)
	if err != nil {
		return "", withResource(err, node.ID)
	}

	name := node.Name
	if !h.Production {
		name = SandboxNamePrefix + name
	}

	props := node.Properties.Clone()
	for _, ref := range node.ServiceRefs {
		props.Set(ref.Key, ref.Value)
	}

	column := 0
	for _, a := range h.Artifacts() {
		if a.Kind == engine.ArtifactNode {
			column++
		}
	}

	bundle := pt.Bundle
	req := processorRequest{
		Revision: c.revision(0),
		Component: processorComponent{
			Type:     pt.Type,
			Name:     name,
			Bundle:   &bundle,
			Position: &position{X: float64(column * columnWidth)},
			Config: processorConfig{
				Properties:                  props,
				AutoTerminatedRelationships: node.AutoTerminate,
			},
		},
	}
	if s := node.Scheduling; s != nil {
		req.Component.Config.SchedulingStrategy = s.Strategy
		req.Component.Config.SchedulingPeriod = s.Period
		req.Component.Config.ConcurrentlySchedulableTaskCount = s.ConcurrentTasks
	}

	res, err := c.do(ctx, "create processor", http.MethodPost,
		"/process-groups/"+url.PathEscape(groupOf(h))+"/processors", nil, req)
	if err != nil {
		return "", withResource(err, node.ID)
	}

	remoteID := res.Get("component.id").String()
	if remoteID == "" {
		return "", fmt.Errorf("create processor %s: %w", node.ID, errNoID)
	}
	h.Record(engine.Artifact{
		Kind:     engine.ArtifactNode,
		LocalID:  node.ID,
		RemoteID: remoteID,
		Version:  res.Get("revision.version").Int(),
	})

	if h.Production {
		return remoteID, nil
	}

	problems := validationErrors(res)
	problems = append(problems, dynamicPropertyErrors(res, props, problems)...)
	fixes, notes := serviceCorrections(res, node)
	if len(problems) == 0 && len(fixes) == 0 {
		return remoteID, nil
	}
	problems = append(notes, problems...)

	c.discard(ctx, node.ID, remoteID, h)

	rej := engine.NewRejection(extractField(problems[0]), strings.Join(problems, "; ")).
		WithResource(node.ID).
		WithOperation("create processor").
		WithCode(engine.ErrCodeValidation).
		WithDetail(engine.DetailRemoteID, remoteID)
	if len(fixes) > 0 {
		rej.WithDetail(engine.DetailSuggestedChanges, fixes)
	}
	return "", rej
}

// discard deletes a rejected sandbox processor. When the delete fails the
// processor stays in the registry for teardown.
func (c *Client) discard(ctx context.Context, nodeID, remoteID string, h *engine.SandboxHandle) {
	if err := c.deleteEntity(ctx, "processor", "/processors/"+url.PathEscape(remoteID)); err != nil {
		c.logger.WithNodeID(nodeID).WithError(err).Warn("Failed to delete rejected processor, teardown will retry")
		return
	}
	h.Forget(remoteID)
}

// dynamicPropertyErrors reports configured properties the processor type does
// not declare, unless the type accepts dynamic properties. Properties already
// named by a validation error are skipped.
func dynamicPropertyErrors(res gjson.Result, props engine.Properties, reported []string) []string {
	component := res.Get("component")
	descriptors := component.Get("config.descriptors")
	if component.Get("supportsDynamicProperties").Bool() || !descriptors.IsObject() {
		return nil
	}

	seen := make(map[string]bool, len(reported))
	for _, msg := range reported {
		seen[extractField(msg)] = true
	}

	var out []string
	for _, key := range props.Keys() {
		if seen[key] || descriptors.Get(gjson.Escape(key)).Exists() {
			continue
		}
		out = append(out, fmt.Sprintf("'%s' is invalid because the processor does not support dynamic properties and it must be removed", key))
	}
	return out
}

// serviceCorrections finds controller service properties for which NiFi offers
// exactly one service that differs from the configured one. It returns the
// changes that select that service and one message per change.
func serviceCorrections(res gjson.Result, node *engine.ProcessorNode) ([]engine.Change, []string) {
	var changes []engine.Change
	var notes []string
	res.Get("component.config.descriptors").ForEach(func(k, d gjson.Result) bool {
		if d.Get("identifiesControllerService").String() == "" {
			return true
		}
		allowed := d.Get("allowableValues")
		if !allowed.IsArray() || len(allowed.Array()) != 1 {
			return true
		}
		want := allowed.Get("0.allowableValue.value").String()
		if want == "" {
			return true
		}

		key := k.String()
		change := engine.Change{Target: engine.TargetService, Op: engine.OpAdd, Key: key, New: engine.Str(want)}
		cur, ok := node.ServiceRefs.Get(key)
		if !ok {
			if cur, ok = node.Properties.Get(key); ok {
				change.Target = engine.TargetProperty
			}
		}
		if ok {
			if cur == want {
				return true
			}
			change.Op = engine.OpSet
			change.Old = engine.Str(cur)
		}

		changes = append(changes, change)
		notes = append(notes, fmt.Sprintf("'%s' validated against '%s' is invalid because the only available controller service is '%s'", key, cur, want))
		return true
	})
	return changes, notes
}

// CheckRoutes implements engine.RouteChecker. It compares the relationships of
// the processor with the connected and auto-terminated ones; on a gap the
// processor is deleted and a rejection naming the unrouted relationships is
// returned.
func (c *Client) CheckRoutes(ctx context.Context, node *engine.ProcessorNode, remoteID string, connected []string, h *engine.SandboxHandle) error {
	res, err := c.do(ctx, "get processor", http.MethodGet, "/processors/"+url.PathEscape(remoteID), nil, nil)
	if err != nil {
		return withResource(err, node.ID)
	}

	var unrouted []string
	res.Get("component.relationships.#.name").ForEach(func(_, v gjson.Result) bool {
		name := v.String()
		if name != "" && !slices.Contains(connected, name) && !slices.Contains(node.AutoTerminate, name) {
			unrouted = append(unrouted, name)
		}
		return true
	})
	if len(unrouted) == 0 {
		return nil
	}

	c.discard(ctx, node.ID, remoteID, h)
	return engine.NewRejection(engine.FieldRelationships,
		fmt.Sprintf("Relationships [%s] are not auto-terminated or connected", strings.Join(unrouted, ", "))).
		WithResource(node.ID).
		WithOperation("check routes").
		WithCode(engine.ErrCodeValidation).
		WithDetail(engine.DetailRemoteID, remoteID).
		WithDetail("unrouted", unrouted)
}

// validationErrors returns the validation errors of a created processor,
// leaving out those that only exist because connections are not created yet.
func validationErrors(res gjson.Result) []string {
	var out []string
	res.Get("component.validationErrors").ForEach(func(_, v gjson.Result) bool {
		if msg := v.String(); msg != "" && !edgeDependent(msg) {
			out = append(out, msg)
		}
		return true
	})
	return out
}

// CreateEdge creates a connection between two processors recorded in the
// handle.
func (c *Client) CreateEdge(ctx context.Context, edge *engine.ConnectionEdge, h *engine.SandboxHandle) (string, error) {
	src, ok := h.Lookup(engine.ArtifactNode, edge.From)
	if !ok {
		return "", engine.NewRejection("from_id", fmt.Sprintf("processor %q was not materialized", edge.From)).
			WithResource(edge.Key()).Unhealable()
	}
	dst, ok := h.Lookup(engine.ArtifactNode, edge.To)
	if !ok {
		return "", engine.NewRejection("to_id", fmt.Sprintf("processor %q was not materialized", edge.To)).
			WithResource(edge.Key()).Unhealable()
	}

	group := groupOf(h)
	req := connectionRequest{
		Revision: c.revision(0),
		Component: connectionComponent{
			Source:                connectable{ID: src.RemoteID, GroupID: group, Type: "PROCESSOR"},
			Destination:           connectable{ID: dst.RemoteID, GroupID: group, Type: "PROCESSOR"},
			SelectedRelationships: edge.Relationships,
		},
	}

	res, err := c.do(ctx, "create connection", http.MethodPost,
		"/process-groups/"+url.PathEscape(group)+"/connections", nil, req)
	if err != nil {
		return "", withResource(err, edge.Key())
	}

	remoteID := res.Get("component.id").String()
	if remoteID == "" {
		return "", fmt.Errorf("create connection %s: %w", edge.Key(), errNoID)
	}
	h.Record(engine.Artifact{
		Kind:     engine.ArtifactEdge,
		LocalID:  edge.Key(),
		RemoteID: remoteID,
		Version:  res.Get("revision.version").Int(),
	})
	return remoteID, nil
}

// DeleteAll deletes every artifact recorded in the handle, connections first
// and newest first within a kind. Deleted artifacts are removed from the
// registry; the remaining failures are joined.
func (c *Client) DeleteAll(ctx context.Context, h *engine.SandboxHandle) error {
	artifacts := h.Artifacts()
	slices.Reverse(artifacts)
	slices.SortStableFunc(artifacts, func(a, b engine.Artifact) int {
		return kindOrder(a.Kind) - kindOrder(b.Kind)
	})

	var errs []error
	for _, a := range artifacts {
		path := "/processors/" + url.PathEscape(a.RemoteID)
		kind := "processor"
		if a.Kind == engine.ArtifactEdge {
			path = "/connections/" + url.PathEscape(a.RemoteID)
			kind = "connection"
		}
		if err := c.deleteEntity(ctx, kind, path); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", kind, a.LocalID, err))
			continue
		}
		h.Forget(a.RemoteID)
	}
	if len(errs) > 0 {
		c.logger.Warnf("%d of %d artifacts could not be deleted", len(errs), len(artifacts))
	}
	return errors.Join(errs...)
}

func kindOrder(k engine.ArtifactKind) int {
	if k == engine.ArtifactEdge {
		return 0
	}
	return 1
}

// SetAutoTerminateAll auto-terminates every relationship of a processor.
func (c *Client) SetAutoTerminateAll(ctx context.Context, remoteID string, h *engine.SandboxHandle) error {
	path := "/processors/" + url.PathEscape(remoteID)
	res, err := c.do(ctx, "get processor", http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}

	var rels []string
	res.Get("component.relationships.#.name").ForEach(func(_, v gjson.Result) bool {
		rels = append(rels, v.String())
		return true
	})
	if len(rels) == 0 {
		return nil
	}

	req := processorRequest{
		Revision: c.revision(res.Get("revision.version").Int()),
		Component: processorComponent{
			ID:     remoteID,
			Config: processorConfig{AutoTerminatedRelationships: rels},
		},
	}
	out, err := c.do(ctx, "update processor", http.MethodPut, path, nil, req)
	if err != nil {
		return err
	}

	for _, a := range h.Artifacts() {
		if a.RemoteID == remoteID {
			a.Version = out.Get("revision.version").Int()
			h.Record(a)
			break
		}
	}
	return nil
}

func withResource(err error, resource string) error {
	if ee := engine.AsEngineError(err); ee != nil && ee.Resource == "" {
		ee.Resource = resource
	}
	return err
}
