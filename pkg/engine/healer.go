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
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DetailRemoteID is the error detail key carrying the remote artifact id of a
// rejected object.
const DetailRemoteID = "remote_id"

// DetailSuggestedChanges is the error detail key carrying a []Change the
// remote system itself determined. The healer applies such changes without
// consulting the oracle.
const DetailSuggestedChanges = "suggested_changes"

// FieldRelationships is the rejection field for relationships that are
// neither connected nor auto-terminated.
const FieldRelationships = "relationships"

// Healer runs healing sessions: it materializes a plan graph into a scratch
// sandbox, consults the oracle for every rejected node, and always releases
// the sandbox afterwards.
type Healer struct {
	cfg     SessionConfig
	sandbox *SandboxManager
	mat     Materializer
	oracle  Oracle

	validator PlanValidator

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	sink    ReportSink
}

// HealerOption configures a Healer.
type HealerOption func(*Healer)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) HealerOption {
	return func(h *Healer) { h.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) HealerOption {
	return func(h *Healer) { h.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) HealerOption {
	return func(h *Healer) { h.tracer = t }
}

// WithEvents sets the event publisher that receives state transitions.
func WithEvents(ep *telemetry.EventPublisher) HealerOption {
	return func(h *Healer) { h.events = ep }
}

// WithValidator checks every graph before a sandbox is acquired.
func WithValidator(v PlanValidator) HealerOption {
	return func(h *Healer) { h.validator = v }
}

// WithReportSink persists every report once the session ends.
func WithReportSink(s ReportSink) HealerOption {
	return func(h *Healer) { h.sink = s }
}

// NewHealer creates a healer.
func NewHealer(cfg SessionConfig, sandbox *SandboxManager, mat Materializer, oracle Oracle, opts ...HealerOption) *Healer {
	h := &Healer{
		cfg:     cfg,
		sandbox: sandbox,
		mat:     mat,
		oracle:  oracle,
		logger:  telemetry.NopLogger(),
		tracer:  telemetry.NopTracer(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.NewComponentLogger("healer")
	return h
}

// session is the mutable state of one Run.
type session struct {
	id     string
	handle *SandboxHandle

	// graph holds committed state only; workers replace their own slot.
	graph *PlanGraph

	ready     map[string]chan struct{}
	oracleSem *semaphore.Weighted

	mu          sync.Mutex
	nodes       []NodeResult
	nodeIndex   map[string]int
	edges       []EdgeResult
	attempts    []Attempt
	transient   int
	oracleCalls int
}

func newSession(g *PlanGraph, cfg SessionConfig) *session {
	s := &session{
		id:        uuid.NewString(),
		graph:     g.Clone(),
		ready:     make(map[string]chan struct{}, len(g.Processors)),
		oracleSem: semaphore.NewWeighted(int64(cfg.OracleConcurrency)),
		nodeIndex: make(map[string]int, len(g.Processors)),
	}
	for i, n := range s.graph.Processors {
		s.ready[n.ID] = make(chan struct{})
		s.nodeIndex[n.ID] = i
		s.nodes = append(s.nodes, NodeResult{ID: n.ID, Name: n.Name, Type: n.Type, State: NodePending})
	}
	for _, e := range s.graph.Connections {
		s.edges = append(s.edges, EdgeResult{Key: e.Key(), From: e.From, To: e.To, State: EdgePending})
	}
	return s
}

// Run validates g against the live remote system. An inconsistent graph, a
// validator rejection or an invalid configuration returns a nil report. A
// sandbox that cannot be acquired returns an ABORTED report together with the
// SandboxError. A sandbox that cannot be torn down also ends ABORTED, with
// the node and edge results kept. Every other session returns a report and a
// nil error, whatever the outcome.
func (h *Healer) Run(ctx context.Context, g *PlanGraph) (*Report, error) {
	if g == nil {
		return nil, fmt.Errorf("plan graph is nil")
	}
	if err := h.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if err := g.Check(); err != nil {
		return nil, err
	}
	if h.validator != nil {
		if err := h.validator.Validate(ctx, g); err != nil {
			return nil, err
		}
	}

	s := newSession(g, h.cfg)
	started := time.Now()
	logger := h.logger.WithSessionID(s.id)

	ctx, span := h.tracer.StartSessionSpan(ctx, s.id, g.Name)
	h.metrics.RecordSessionStarted()
	_ = h.events.PublishSession(telemetry.EventTypeSessionStarted, s.id,
		fmt.Sprintf("Validating %q: %d processors, %d connections", g.Name, len(g.Processors), len(g.Connections)), nil)

	handle, err := h.sandbox.Acquire(ctx)
	if err != nil {
		logger.WithError(err).Error("Sandbox acquisition failed, aborting session")
		report := h.finish(ctx, s, started, OutcomeAborted)
		report.Error = err.Error()
		report.Graph = nil
		telemetry.EndSpan(span, err)
		h.save(ctx, report)
		return report, err
	}
	s.handle = handle

	var teardown TeardownResult
	var runErr error
	func() {
		defer func() {
			teardown = h.release(ctx, handle)
		}()

		runCtx, cancel := context.WithTimeout(ctx, h.cfg.SessionTimeout)
		defer cancel()

		h.materialize(runCtx, s)

		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			runErr = fmt.Errorf("session timed out after %s", h.cfg.SessionTimeout)
		} else if ctx.Err() != nil {
			runErr = fmt.Errorf("session cancelled: %w", context.Cause(ctx))
		}
	}()

	outcome := OutcomeAllValid
	switch {
	case !teardown.Succeeded:
		// Leftover sandbox artifacts make the session unusable whatever the
		// node results were; those are kept in the report.
		outcome = OutcomeAborted
	case runErr != nil || !s.allSucceeded():
		outcome = OutcomePartialFailure
	}

	report := h.finish(ctx, s, started, outcome)
	report.Teardown = teardown
	if runErr != nil {
		report.Error = runErr.Error()
	}

	logger.Infof("Session finished: %s", report.Summary())
	if !teardown.Succeeded {
		telemetry.EndSpan(span, errors.New(teardown.Error))
	} else {
		telemetry.EndSpan(span, runErr)
	}
	h.save(ctx, report)
	return report, nil
}

// materialize submits every node, then every edge, to a bounded pool. Node
// tasks are all submitted before the first edge task so that edges waiting on
// their endpoints can never hold every slot.
func (h *Healer) materialize(ctx context.Context, s *session) {
	var g errgroup.Group
	g.SetLimit(h.cfg.Workers)

	for i := range s.graph.Processors {
		g.Go(func() error {
			h.runNode(ctx, s, i)
			return nil
		})
	}
	for i := range s.graph.Connections {
		g.Go(func() error {
			h.runEdge(ctx, s, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Healer) runNode(ctx context.Context, s *session, idx int) {
	orig := s.graph.Processors[idx]
	id := orig.ID
	defer close(s.ready[id])

	logger := h.logger.WithSessionID(s.id).WithNodeID(id)
	ctx, span := h.tracer.StartNodeSpan(ctx, id, orig.Type)
	var failure error
	defer func() { telemetry.EndSpan(span, failure) }()

	working := orig.Clone()
	for {
		s.transition(h, id, NodeAttempting)

		remoteID, err := h.createNode(ctx, s, working)
		if err == nil {
			err = h.checkRoutes(ctx, s, working, remoteID)
		}
		if err == nil {
			s.commit(h, idx, working, remoteID)
			logger.Debugf("Processor accepted as %s", remoteID)
			return
		}
		s.setNodeError(id, err)

		if !IsHealable(err) || ctx.Err() != nil {
			failure = err
			logger.WithError(err).Warn("Processor failed without repair")
			s.transition(h, id, NodeFailed)
			return
		}

		s.transition(h, id, NodeRejected)
		s.transition(h, id, NodeRepairing)

		if s.heals(id) >= h.cfg.MaxHeals {
			failure = err
			h.metrics.RecordHeal("exhausted")
			logger.Warnf("Heal budget of %d exhausted", h.cfg.MaxHeals)
			s.transition(h, id, NodeFailed)
			return
		}

		var oerr error
		patch := h.autoCorrect(s, working, err)
		if patch == nil {
			patch, oerr = h.consult(ctx, s, working, err)
		}
		if oerr != nil {
			if ctx.Err() != nil {
				failure = oerr
				s.transition(h, id, NodeFailed)
				return
			}
			h.metrics.RecordHeal("no_fix")
			logger.WithError(oerr).Warn("Oracle gave no usable patch, retrying unchanged")
			continue
		}

		next, perr := working.ApplyPatch(*patch)
		if perr != nil {
			failure = perr
			h.metrics.RecordHeal("conflict")
			s.setNodeError(id, perr)
			logger.WithError(perr).Error("Oracle patch does not apply")
			s.transition(h, id, NodeFailed)
			return
		}

		h.metrics.RecordHeal("patched")
		_ = h.events.PublishNodePatched(s.id, id, patch.ID, len(patch.Changes))
		working = next
	}
}

// createNode sends one create request, retrying transient failures.
func (h *Healer) createNode(ctx context.Context, s *session, node *ProcessorNode) (string, error) {
	var try, notified int
	var start time.Time

	remoteID, err := retryRemote(ctx, h.cfg,
		func(ctx context.Context) (string, error) {
			try = s.nextTry(node.ID)
			start = time.Now()
			return h.mat.CreateNode(ctx, node, s.handle)
		},
		func(err error, wait time.Duration) {
			notified = try
			s.recordTransient(Attempt{
				Subject: node.ID,
				Try:     try,
				Action:  ActionCreateNode,
				Outcome: OutcomeTransient,
				Error:   err.Error(),
				Detail:  fmt.Sprintf("retrying in %s", wait.Round(time.Millisecond)),
				Elapsed: time.Since(start),
			})
			h.metrics.RecordTransientRetry(ActionCreateNode)
			h.metrics.RecordNodeAttempt(OutcomeTransient)
		},
	)

	if try != notified {
		outcome := attemptOutcome(err)
		a := Attempt{Subject: node.ID, Try: try, Action: ActionCreateNode, Outcome: outcome, Elapsed: time.Since(start)}
		if err != nil {
			a.Error = err.Error()
		} else {
			a.Detail = remoteID
		}
		s.record(a)
		h.metrics.RecordNodeAttempt(outcome)
	}
	return remoteID, err
}

// checkRoutes asks a RouteChecker materializer whether an accepted processor
// routes every relationship. Nodes without outgoing connections are skipped;
// deployment auto-terminates leaves.
func (h *Healer) checkRoutes(ctx context.Context, s *session, node *ProcessorNode, remoteID string) error {
	rc, ok := h.mat.(RouteChecker)
	if !ok {
		return nil
	}
	var connected []string
	for _, e := range s.graph.Outgoing(node.ID) {
		for _, rel := range e.Relationships {
			if !slices.Contains(connected, rel) {
				connected = append(connected, rel)
			}
		}
	}
	if len(connected) == 0 {
		return nil
	}

	try := s.tries(node.ID)
	start := time.Now()
	_, err := retryRemote(ctx, h.cfg,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, rc.CheckRoutes(ctx, node, remoteID, connected, s.handle)
		},
		func(err error, wait time.Duration) {
			s.recordTransient(Attempt{
				Subject: node.ID,
				Try:     try,
				Action:  ActionCheckRoutes,
				Outcome: OutcomeTransient,
				Error:   err.Error(),
				Detail:  fmt.Sprintf("retrying in %s", wait.Round(time.Millisecond)),
				Elapsed: time.Since(start),
			})
			h.metrics.RecordTransientRetry(ActionCheckRoutes)
		},
	)

	a := Attempt{Subject: node.ID, Try: try, Action: ActionCheckRoutes, Outcome: attemptOutcome(err), Elapsed: time.Since(start)}
	if err != nil {
		a.Error = err.Error()
	}
	s.record(a)
	return err
}

// autoCorrect turns changes the remote system suggested with a rejection into
// a patch. It consumes one heal, like an oracle consultation, and returns nil
// when the rejection carries no suggestion.
func (h *Healer) autoCorrect(s *session, node *ProcessorNode, rejection error) *RepairPatch {
	rej := AsEngineError(rejection)
	if rej == nil {
		return nil
	}
	changes, ok := rej.Details[DetailSuggestedChanges].([]Change)
	if !ok || len(changes) == 0 {
		return nil
	}

	attempt := s.useHeal(node.ID)
	p := RepairPatch{
		NodeID:  node.ID,
		Changes: slices.Clone(changes),
		Provenance: Provenance{
			Field:   rej.Field,
			Message: rej.Message,
			Attempt: attempt,
			Source:  "remote",
		},
	}.Normalize()

	s.record(Attempt{Subject: node.ID, Try: attempt, Action: ActionAutoCorrect, Outcome: OutcomePatched, Detail: p.ID})
	h.metrics.RecordHeal("auto_corrected")
	h.logger.WithSessionID(s.id).WithNodeID(node.ID).Infof("Applying %d suggested change(s) from NiFi", len(changes))
	return &p
}

// consult asks the oracle for a patch. It consumes one heal whatever the result.
func (h *Healer) consult(ctx context.Context, s *session, node *ProcessorNode, rejection error) (*RepairPatch, error) {
	attempt := s.useHeal(node.ID)

	if err := s.oracleSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.oracleSem.Release(1)
	s.countOracleCall()

	req := RepairRequest{
		SessionID: s.id,
		Node:      node.Clone(),
		History:   slices.Clone(node.History),
		Attempt:   attempt,
	}
	if rej := AsEngineError(rejection); rej != nil {
		req.Rejection = RejectionDetail{Field: rej.Field, Message: rej.Message}
		if rid, ok := rej.Details[DetailRemoteID].(string); ok {
			req.Rejection.RemoteID = rid
		}
	} else {
		req.Rejection = RejectionDetail{Message: rejection.Error()}
	}

	octx, cancel := context.WithTimeout(ctx, h.cfg.OracleTimeout)
	defer cancel()
	octx, span := h.tracer.StartOracleSpan(octx, node.ID, attempt)

	start := time.Now()
	patch, err := h.oracle.ProposeFix(octx, req)
	switch {
	case err != nil && !IsKind(err, KindOracle):
		err = NewOracleError("oracle consultation failed", err).WithResource(node.ID)
	case err == nil && (patch == nil || len(patch.Changes) == 0):
		err = NewOracleError("oracle proposed no changes", nil).WithCode(ErrCodeNoFix).WithResource(node.ID)
	}
	elapsed := time.Since(start)
	telemetry.EndSpan(span, err)

	a := Attempt{Subject: node.ID, Try: attempt, Action: ActionOracle, Elapsed: elapsed}
	if err != nil {
		a.Outcome = OutcomeFailed
		a.Error = err.Error()
		s.record(a)
		h.metrics.RecordOracleCall("error", elapsed)
		return nil, err
	}

	p := *patch
	p.Changes = slices.Clone(patch.Changes)
	if p.NodeID == "" {
		p.NodeID = node.ID
	}
	p.Provenance.Field = req.Rejection.Field
	p.Provenance.Message = req.Rejection.Message
	p.Provenance.Attempt = attempt
	p = p.Normalize()

	a.Outcome = OutcomePatched
	a.Detail = p.ID
	s.record(a)
	h.metrics.RecordOracleCall("patched", elapsed)
	return &p, nil
}

func (h *Healer) runEdge(ctx context.Context, s *session, idx int) {
	edge := s.graph.Connections[idx]
	<-s.ready[edge.From]
	<-s.ready[edge.To]

	if !s.nodeSucceeded(edge.From) || !s.nodeSucceeded(edge.To) {
		s.setEdge(h, idx, EdgeBlocked, "", fmt.Errorf("endpoint %s or %s did not validate", edge.From, edge.To))
		return
	}
	if ctx.Err() != nil {
		s.setEdge(h, idx, EdgeFailed, "", context.Cause(ctx))
		return
	}

	s.setEdge(h, idx, EdgeAttempting, "", nil)

	key := edge.Key()
	var try, notified int
	var start time.Time
	remoteID, err := retryRemote(ctx, h.cfg,
		func(ctx context.Context) (string, error) {
			try++
			start = time.Now()
			return h.mat.CreateEdge(ctx, edge, s.handle)
		},
		func(err error, wait time.Duration) {
			notified = try
			s.recordTransient(Attempt{
				Subject: key,
				Try:     try,
				Action:  ActionCreateEdge,
				Outcome: OutcomeTransient,
				Error:   err.Error(),
				Detail:  fmt.Sprintf("retrying in %s", wait.Round(time.Millisecond)),
				Elapsed: time.Since(start),
			})
			h.metrics.RecordTransientRetry(ActionCreateEdge)
		},
	)
	if try != notified {
		a := Attempt{Subject: key, Try: try, Action: ActionCreateEdge, Outcome: attemptOutcome(err), Elapsed: time.Since(start)}
		if err != nil {
			a.Error = err.Error()
		} else {
			a.Detail = remoteID
		}
		s.record(a)
	}

	if err != nil {
		h.logger.WithSessionID(s.id).WithEdge(key).WithError(err).Warn("Connection failed")
		s.setEdge(h, idx, EdgeFailed, "", err)
		return
	}
	s.setEdge(h, idx, EdgeSuccess, remoteID, nil)
}

func (h *Healer) release(ctx context.Context, handle *SandboxHandle) TeardownResult {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.TeardownTimeout)
	defer cancel()

	res := TeardownResult{Attempted: true, Succeeded: true}
	if err := h.sandbox.Release(tctx, handle); err != nil {
		res.Succeeded = false
		res.Error = err.Error()
	}
	_ = h.events.PublishSession(telemetry.EventTypeTeardown, "", "Sandbox "+handle.Name+" released",
		map[string]interface{}{"succeeded": res.Succeeded})
	return res
}

func (h *Healer) finish(ctx context.Context, s *session, started time.Time, outcome Outcome) *Report {
	completed := time.Now()

	s.mu.Lock()
	report := &Report{
		SessionID:        s.id,
		Flow:             s.graph.Name,
		Outcome:          outcome,
		StartedAt:        started,
		CompletedAt:      completed,
		Duration:         completed.Sub(started),
		Nodes:            slices.Clone(s.nodes),
		Edges:            slices.Clone(s.edges),
		Attempts:         slices.Clone(s.attempts),
		TransientRetries: s.transient,
		OracleCalls:      s.oracleCalls,
		Graph:            s.graph,
	}
	s.mu.Unlock()

	h.metrics.RecordSessionCompleted(string(outcome), report.Duration)
	_ = h.events.PublishSession(telemetry.EventTypeSessionCompleted, s.id, report.Summary(),
		map[string]interface{}{"outcome": string(outcome)})
	return report
}

func (h *Healer) save(ctx context.Context, report *Report) {
	if h.sink == nil {
		return
	}
	if err := h.sink.SaveReport(context.WithoutCancel(ctx), report); err != nil {
		h.logger.WithSessionID(report.SessionID).WithError(err).Warn("Failed to persist session report")
	}
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsRejection(err):
		return OutcomeRejected
	case IsTransient(err):
		return OutcomeTransient
	default:
		return OutcomeFailed
	}
}

// session state helpers; every one takes s.mu.

func (s *session) transition(h *Healer, id string, next NodeState) {
	s.mu.Lock()
	r := &s.nodes[s.nodeIndex[id]]
	prev := r.State
	if !prev.CanTransition(next) {
		s.mu.Unlock()
		panic(fmt.Sprintf("illegal node transition %s -> %s for %s", prev, next, id))
	}
	r.State = next
	s.mu.Unlock()

	_ = h.events.PublishNodeState(s.id, id, string(prev), string(next))
}

func (s *session) commit(h *Healer, idx int, node *ProcessorNode, remoteID string) {
	s.mu.Lock()
	s.graph.Processors[idx] = node
	r := &s.nodes[idx]
	r.RemoteID = remoteID
	r.LastError = nil
	r.Patches = slices.Clone(node.History)
	r.Type = node.Type
	s.mu.Unlock()

	s.transition(h, node.ID, NodeSuccess)
}

func (s *session) setNodeError(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[s.nodeIndex[id]].LastError = NewErrorInfo(err)
}

func (s *session) nextTry(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.nodes[s.nodeIndex[id]]
	r.Tries++
	return r.Tries
}

func (s *session) tries(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[s.nodeIndex[id]].Tries
}

func (s *session) heals(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[s.nodeIndex[id]].Heals
}

func (s *session) useHeal(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.nodes[s.nodeIndex[id]]
	r.Heals++
	return r.Heals
}

func (s *session) countOracleCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oracleCalls++
}

func (s *session) nodeSucceeded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[s.nodeIndex[id]].State == NodeSuccess
}

func (s *session) allSucceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.State != NodeSuccess {
			return false
		}
	}
	for _, e := range s.edges {
		if e.State != EdgeSuccess {
			return false
		}
	}
	return true
}

func (s *session) setEdge(h *Healer, idx int, state EdgeState, remoteID string, err error) {
	s.mu.Lock()
	r := &s.edges[idx]
	r.State = state
	if remoteID != "" {
		r.RemoteID = remoteID
	}
	if err != nil {
		r.LastError = NewErrorInfo(err)
	}
	key := r.Key
	s.mu.Unlock()

	_ = h.events.PublishEdgeState(s.id, key, string(state))
}

func (s *session) record(a Attempt) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
}

func (s *session) recordTransient(a Attempt) {
	s.record(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transient++
}
