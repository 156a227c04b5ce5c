package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/flowmend/flowmend/pkg/telemetry"
	"github.com/google/uuid"
)

// SandboxHandle identifies a workspace on the remote system and keeps the
// registry of every artifact created under it. The registry is guarded by a
// single mutex so that concurrent workers record artifacts one at a time.
type SandboxHandle struct {
	// ID is the local handle id.
	ID string `json:"id"`

	// GroupID is the remote process group id.
	GroupID string `json:"group_id"`

	// Name is the remote process group name.
	Name string `json:"name"`

	// Production marks a handle on the production canvas rather than a sandbox.
	Production bool `json:"production"`

	mu        sync.Mutex
	artifacts []Artifact
	released  bool
}

// NewSandboxHandle creates a handle for an existing scratch group.
func NewSandboxHandle(groupID, name string) *SandboxHandle {
	return &SandboxHandle{ID: uuid.NewString(), GroupID: groupID, Name: name}
}

// NewProductionHandle creates a handle for replaying onto a production group.
func NewProductionHandle(groupID string) *SandboxHandle {
	return &SandboxHandle{ID: uuid.NewString(), GroupID: groupID, Production: true}
}

// Record adds an artifact to the registry. The registry is keyed by remote
// id: recording a remote id again updates its entry, while a new remote id
// for an existing local id is appended, so every remote artifact stays
// tracked until it is forgotten.
func (h *SandboxHandle) Record(a Artifact) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.artifacts {
		if h.artifacts[i].RemoteID == a.RemoteID {
			h.artifacts[i] = a
			return
		}
	}
	h.artifacts = append(h.artifacts, a)
}

// Forget removes the artifact with the given remote id from the registry.
func (h *SandboxHandle) Forget(remoteID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.artifacts = slices.DeleteFunc(h.artifacts, func(a Artifact) bool {
		return a.RemoteID == remoteID
	})
}

// Lookup returns the newest artifact recorded for a local id.
func (h *SandboxHandle) Lookup(kind ArtifactKind, localID string) (Artifact, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.artifacts) - 1; i >= 0; i-- {
		if a := h.artifacts[i]; a.Kind == kind && a.LocalID == localID {
			return a, true
		}
	}
	return Artifact{}, false
}

// Artifacts returns a snapshot of the registry in creation order.
func (h *SandboxHandle) Artifacts() []Artifact {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.artifacts)
}

// Released reports whether the handle has been released.
func (h *SandboxHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *SandboxHandle) markReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.released = true
	return true
}

// SandboxManager owns the lifecycle of scratch workspaces.
type SandboxManager struct {
	workspaces WorkspaceProvider
	mat        Materializer
	cfg        SessionConfig
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
}

// NewSandboxManager creates a sandbox manager.
func NewSandboxManager(
	workspaces WorkspaceProvider,
	mat Materializer,
	cfg SessionConfig,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
) *SandboxManager {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &SandboxManager{
		workspaces: workspaces,
		mat:        mat,
		cfg:        cfg,
		logger:     logger.NewComponentLogger("sandbox"),
		metrics:    metrics,
	}
}

// Acquire creates a new scratch workspace.
func (m *SandboxManager) Acquire(ctx context.Context) (*SandboxHandle, error) {
	id := uuid.NewString()
	name := fmt.Sprintf("%s-%s", m.cfg.SandboxPrefix, id[:8])

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.RemoteTimeout)
	defer cancel()

	groupID, err := m.workspaces.CreateWorkspace(callCtx, name)
	if err != nil {
		return nil, NewSandboxError("failed to acquire sandbox", err).
			WithOperation("acquire").
			WithResource(name)
	}

	m.logger.WithField("group_id", groupID).Infof("Sandbox %s acquired", name)
	return &SandboxHandle{ID: id, GroupID: groupID, Name: name}, nil
}

// Release deletes every artifact recorded under the handle and then the
// workspace itself. Only the first call does any remote work.
func (m *SandboxManager) Release(ctx context.Context, h *SandboxHandle) error {
	if h == nil || !h.markReleased() {
		return nil
	}

	start := time.Now()
	artifactsErr := retryStep(ctx, m.cfg, m.logger, "delete artifacts", func(ctx context.Context) error {
		return m.mat.DeleteAll(ctx, h)
	})

	var groupErr error
	if !h.Production {
		groupErr = retryStep(ctx, m.cfg, m.logger, "delete workspace", func(ctx context.Context) error {
			return m.workspaces.DeleteWorkspace(ctx, h.GroupID)
		})
	}

	err := errors.Join(artifactsErr, groupErr)
	m.metrics.RecordTeardown(err == nil, time.Since(start))
	if err != nil {
		m.logger.WithError(err).Errorf("Sandbox %s teardown failed", h.Name)
		return NewSandboxError("sandbox teardown failed", err).
			WithOperation("teardown").
			WithResource(h.GroupID)
	}

	m.logger.Infof("Sandbox %s released", h.Name)
	return nil
}
