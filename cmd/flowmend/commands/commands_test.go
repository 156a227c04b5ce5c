package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowmend/flowmend/pkg/config"
	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/flowmend/flowmend/pkg/policy"
	"github.com/flowmend/flowmend/pkg/stores"
	"github.com/flowmend/flowmend/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const planJSON = `{
  "plan_summary": "Generate, tag and log flowfiles",
  "plan_details": {
    "flow_name": "tagging-demo",
    "processors": [
      {"id": "gen", "name": "Generate", "type": "GenerateFlowFile",
       "properties": {"File Size": "1 KB"},
       "scheduling": {"strategy": "TIMER_DRIVEN", "period": "10 sec", "concurrent_tasks": 1}},
      {"id": "tag", "name": "Tag", "type": "UpdateAttribute", "properties": {"env": "dev"}},
      {"id": "log", "name": "Log", "type": "LogAttribute", "auto_terminated_relationships": ["success"]}
    ],
    "connections": [
      {"from_id": "gen", "to_id": "tag", "relationships": ["success"]},
      {"id": "c2", "from_id": "tag", "to_id": "log", "relationships": ["success"]}
    ]
  }
}`

// setupEnv isolates the settings from the developer's environment and
// returns a scratch directory holding the session database.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FLOWMEND_DB_PATH", filepath.Join(dir, "flowmend.db"))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("NIFI_BASE_URL", "")
	t.Setenv("NIFI_AUTH", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("FLOWMEND_METRICS_ADDR", "")
	t.Setenv("FLOWMEND_TRACE_EXPORTER", "none")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writePlan(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func loadPlan(t *testing.T, content string) *engine.PlanGraph {
	t.Helper()
	g, err := config.Load([]byte(content), config.FormatJSON)
	require.NoError(t, err)
	return g
}

func openStore(t *testing.T, dir string) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), filepath.Join(dir, "flowmend.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func validReport(t *testing.T, id string, started time.Time) *engine.Report {
	t.Helper()
	g := loadPlan(t, planJSON)
	rep := &engine.Report{
		SessionID:   id,
		Flow:        g.Name,
		Outcome:     engine.OutcomeAllValid,
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Second),
		Duration:    2 * time.Second,
		Teardown:    engine.TeardownResult{Attempted: true, Succeeded: true},
		Graph:       g,
	}
	for _, n := range g.Processors {
		rep.Nodes = append(rep.Nodes, engine.NodeResult{
			ID: n.ID, Name: n.Name, Type: n.Type, State: engine.NodeSuccess, Tries: 1, RemoteID: "r-" + n.ID,
		})
	}
	rep.Attempts = []engine.Attempt{
		{Subject: "gen", Try: 1, Action: engine.ActionCreateNode, Outcome: engine.OutcomeSuccess, Elapsed: 40 * time.Millisecond, At: started},
	}
	return rep
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 2, ExitCode(&ExitError{Code: 2, Err: errInvalidPlan}))
	assert.Equal(t, 3, ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: 3, Err: errors.New("teardown")})))
}

func TestValidate_ValidPlan(t *testing.T) {
	dir := setupEnv(t)
	path := writePlan(t, dir, planJSON)

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, `Plan "tagging-demo" is valid: 3 processors, 2 connections`)
}

func TestValidate_InvalidPlan(t *testing.T) {
	dir := setupEnv(t)
	path := writePlan(t, dir, strings.Replace(planJSON, `"to_id": "log"`, `"to_id": "ghost"`, 1))

	out, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
	assert.Contains(t, out, "violations:")
	assert.Contains(t, out, "ghost")
}

func TestValidate_PolicyDeniedJSON(t *testing.T) {
	dir := setupEnv(t)
	path := writePlan(t, dir, strings.Replace(planJSON, `"name": "Tag"`, `"name": "VALIDATION-tag"`, 1))

	out, err := execute(t, "--json", "validate", path)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))

	var res validationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Valid)
	assert.Equal(t, engine.ErrCodePolicy, res.Code)
	require.NotEmpty(t, res.Violations)
	assert.Contains(t, strings.Join(res.Violations, "\n"), "reserved sandbox prefix")
}

func TestValidate_CustomPolicy(t *testing.T) {
	dir := setupEnv(t)
	path := writePlan(t, dir, planJSON)
	policyPath := filepath.Join(dir, "no-update.rego")
	require.NoError(t, os.WriteFile(policyPath, []byte(`# UpdateAttribute is not allowed.
package custom.noupdate

import rego.v1

deny contains msg if {
	some p in input.plan.processors
	endswith(p.type, "UpdateAttribute")
	msg := sprintf("%s uses UpdateAttribute", [p.id])
}
`), 0o600))

	out, err := execute(t, "validate", path, "--policy", policyPath)
	require.Error(t, err)
	assert.Contains(t, out, "tag uses UpdateAttribute")
}

func TestValidate_RemoteNeedsNiFi(t *testing.T) {
	dir := setupEnv(t)
	path := writePlan(t, dir, planJSON)

	_, err := execute(t, "validate", path, "--remote")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NIFI_BASE_URL")
}

func TestGraph_Levels(t *testing.T) {
	dir := setupEnv(t)
	path := writePlan(t, dir, planJSON)
	dot := filepath.Join(dir, "plan.dot")

	out, err := execute(t, "graph", path, "--dot", dot)
	require.NoError(t, err)
	assert.Equal(t, "0: gen\n1: tag\n2: log\n", out)

	data, err := os.ReadFile(dot)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "digraph Flow {"))
	assert.Contains(t, string(data), `"tag" -> "log"`)
}

func TestGraph_StoredSession(t *testing.T) {
	dir := setupEnv(t)
	store := openStore(t, dir)
	require.NoError(t, store.SaveReport(context.Background(), validReport(t, "s-graph", time.Now())))

	out, err := execute(t, "--json", "graph", "--session", "s-graph")
	require.NoError(t, err)

	var res struct {
		Flow   string     `json:"flow"`
		Levels [][]string `json:"levels"`
		Leaves []string   `json:"leaves"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "tagging-demo", res.Flow)
	assert.Equal(t, [][]string{{"gen"}, {"tag"}, {"log"}}, res.Levels)
	assert.Equal(t, []string{"log"}, res.Leaves)
}

func TestGraph_NeedsExactlyOneSource(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "graph")
	assert.Error(t, err)
}

func TestHeal_NeedsNiFi(t *testing.T) {
	dir := setupEnv(t)
	path := writePlan(t, dir, planJSON)

	_, err := execute(t, "heal", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NIFI_BASE_URL is not set")
}

func TestHeal_RejectsUnknownFormat(t *testing.T) {
	dir := setupEnv(t)
	path := writePlan(t, dir, planJSON)
	t.Setenv("NIFI_BASE_URL", "http://nifi.invalid:8080")

	_, err := execute(t, "heal", path, "--format", "toml")
	assert.Error(t, err)
}

func TestReport_ListAndShow(t *testing.T) {
	dir := setupEnv(t)
	store := openStore(t, dir)
	ctx := context.Background()
	require.NoError(t, store.SaveReport(ctx, validReport(t, "s-old", time.Now().Add(-time.Hour))))
	require.NoError(t, store.SaveReport(ctx, validReport(t, "s-new", time.Now())))

	out, err := execute(t, "report")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "SESSION"))
	assert.True(t, strings.HasPrefix(lines[1], "s-new"))
	assert.Contains(t, lines[1], "0/3")

	out, err = execute(t, "report", "--since", "30m")
	require.NoError(t, err)
	assert.NotContains(t, out, "s-old")

	out, err = execute(t, "report", "s-new", "--attempts")
	require.NoError(t, err)
	assert.Contains(t, out, "Session s-new:")
	assert.Contains(t, out, "GenerateFlowFile")
	assert.Contains(t, out, engine.ActionCreateNode)

	out, err = execute(t, "--json", "report", "s-new")
	require.NoError(t, err)
	var rep engine.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, engine.OutcomeAllValid, rep.Outcome)
	assert.Len(t, rep.Nodes, 3)

	out, err = execute(t, "report", "s-new", "--node", "gen")
	require.NoError(t, err)
	assert.Contains(t, out, engine.OutcomeSuccess)

	_, err = execute(t, "report", "missing")
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestReport_PruneAndDelete(t *testing.T) {
	dir := setupEnv(t)
	store := openStore(t, dir)
	ctx := context.Background()
	require.NoError(t, store.SaveReport(ctx, validReport(t, "s-old", time.Now().Add(-48*time.Hour))))
	require.NoError(t, store.SaveReport(ctx, validReport(t, "s-new", time.Now())))

	out, err := execute(t, "report", "prune", "--older-than", "24h")
	require.NoError(t, err)
	assert.Equal(t, "Pruned 1 sessions\n", out)

	out, err = execute(t, "report", "delete", "s-new")
	require.NoError(t, err)
	assert.Equal(t, "Deleted session s-new\n", out)

	sessions, err := store.ListSessions(ctx, stores.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = execute(t, "report", "prune", "--older-than", "0s")
	assert.Error(t, err)
}

// fakeCanvas is an in-memory production group.
type fakeCanvas struct {
	mu        sync.Mutex
	created   []string
	failEdges bool
	deleted   bool
}

func (f *fakeCanvas) CreateNode(_ context.Context, n *engine.ProcessorNode, h *engine.SandboxHandle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "r-" + n.ID
	f.created = append(f.created, id)
	h.Record(engine.Artifact{Kind: engine.ArtifactNode, LocalID: n.ID, RemoteID: id})
	return id, nil
}

func (f *fakeCanvas) CreateEdge(_ context.Context, e *engine.ConnectionEdge, h *engine.SandboxHandle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEdges {
		return "", engine.NewRejection("", "connection refused by canvas")
	}
	id := "r-" + e.Key()
	f.created = append(f.created, id)
	h.Record(engine.Artifact{Kind: engine.ArtifactEdge, LocalID: e.Key(), RemoteID: id})
	return id, nil
}

func (f *fakeCanvas) DeleteAll(context.Context, *engine.SandboxHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return nil
}

func (f *fakeCanvas) RootGroupID(context.Context) (string, error) { return "root-1", nil }

func newTestApp(t *testing.T, out io.Writer) *app {
	t.Helper()
	settings, err := config.ParseSettings(map[string]string{"NIFI_BASE_URL": "http://nifi.invalid"})
	require.NoError(t, err)
	// Reset the global flag; earlier commands may have set it.
	jsonOutput = false
	return &app{version: "test", settings: settings, tel: telemetry.Nop(), logger: telemetry.NopLogger(), out: out}
}

func newTestPolicies(t *testing.T) *policy.Engine {
	t.Helper()
	eng, err := policy.NewEngine(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestDeploy_RecordsDeployment(t *testing.T) {
	store := openStore(t, t.TempDir())
	ctx := context.Background()
	rep := validReport(t, "s-deploy", time.Now())
	require.NoError(t, store.SaveReport(ctx, rep))

	var out bytes.Buffer
	canvas := &fakeCanvas{}
	err := newTestApp(t, &out).deploy(ctx, canvas, store, newTestPolicies(t), rep, "")
	require.NoError(t, err)
	assert.Len(t, canvas.created, 5)
	assert.Contains(t, out.String(), "succeeded, 5 artifacts in group root-1")

	deployments, err := store.ListDeployments(ctx, "tagging-demo", 0)
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	d := deployments[0]
	assert.Equal(t, stores.DeploymentSucceeded, d.Status)
	assert.Equal(t, "root-1", d.GroupID)
	require.NotNil(t, d.SessionID)
	assert.Equal(t, "s-deploy", *d.SessionID)
	assert.Equal(t, 5, d.CreatedCount)
	assert.NotNil(t, d.Result)
}

func TestDeploy_RollbackIsRecorded(t *testing.T) {
	store := openStore(t, t.TempDir())
	ctx := context.Background()
	rep := validReport(t, "s-rollback", time.Now())
	require.NoError(t, store.SaveReport(ctx, rep))

	var out bytes.Buffer
	canvas := &fakeCanvas{failEdges: true}
	err := newTestApp(t, &out).deploy(ctx, canvas, store, newTestPolicies(t), rep, "prod-group")
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindDeployment))
	assert.True(t, canvas.deleted)

	deployments, err := store.ListDeployments(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.Equal(t, stores.DeploymentRolledBack, deployments[0].Status)
	assert.Equal(t, "prod-group", deployments[0].GroupID)
	assert.True(t, deployments[0].RolledBack)
	require.NotNil(t, deployments[0].Error)
}

func TestDeploy_PolicyGate(t *testing.T) {
	store := openStore(t, t.TempDir())
	ctx := context.Background()
	rep := validReport(t, "s-busy", time.Now())
	rep.Graph.Processors[0].Scheduling.Period = "0 sec"

	var out bytes.Buffer
	canvas := &fakeCanvas{}
	err := newTestApp(t, &out).deploy(ctx, canvas, store, newTestPolicies(t), rep, "")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
	assert.Empty(t, canvas.created)
	assert.Contains(t, out.String(), "non-zero run schedule")
}

func TestDeploy_RequiresAllValid(t *testing.T) {
	store := openStore(t, t.TempDir())
	ctx := context.Background()
	rep := validReport(t, "s-partial", time.Now())
	rep.Outcome = engine.OutcomePartialFailure

	canvas := &fakeCanvas{}
	err := newTestApp(t, io.Discard).deploy(ctx, canvas, store, newTestPolicies(t), rep, "")
	require.Error(t, err)
	assert.Empty(t, canvas.created)

	deployments, err := store.ListDeployments(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

// newFakeNiFi serves the read-only endpoints the inventory commands use.
func newFakeNiFi(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/nifi-api/flow/about", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"about": {"version": "2.0.0"}}`)
	})
	mux.HandleFunc("/nifi-api/flow/process-groups/root", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"processGroupFlow": {"id": "root-id"}}`)
	})
	mux.HandleFunc("/nifi-api/flow/process-groups/root-id/controller-services", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"controllerServices": [
			{"component": {"id": "cs-1", "name": "Pool", "type": "org.apache.nifi.dbcp.DBCPConnectionPool", "state": "ENABLED"}}
		]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPing(t *testing.T) {
	setupEnv(t)
	srv := newFakeNiFi(t)
	t.Setenv("NIFI_BASE_URL", srv.URL)

	out, err := execute(t, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "database: ")
	assert.Contains(t, out, "version 2.0.0, root group root-id")
}

func TestServices(t *testing.T) {
	setupEnv(t)
	srv := newFakeNiFi(t)
	t.Setenv("NIFI_BASE_URL", srv.URL)

	out, err := execute(t, "services")
	require.NoError(t, err)
	assert.Contains(t, out, "cs-1")
	assert.Contains(t, out, "DBCPConnectionPool")
	assert.Contains(t, out, "ENABLED")
}

func TestVersion(t *testing.T) {
	setupEnv(t)
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "test (commit: abc123, built: 2026-01-01)\n", out)
}

func TestTable_RendersRows(t *testing.T) {
	var buf bytes.Buffer
	table := newTable(&buf, "NODE", "STATE", "TRIES")
	row(table, "gen", engine.NodeSuccess, 2)
	row(table, "log", engine.NodeFailed, 4)
	require.NoError(t, table.Render())

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Greater(t, len(lines), 3, "header and rows are on their own lines")
	assert.Contains(t, out, "NODE")
	assert.Contains(t, out, "TRIES")
	assert.Contains(t, out, "gen")
	assert.Contains(t, out, string(engine.NodeFailed))
	assert.Contains(t, out, "4")
}
