package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeployer(remote Materializer) *Deployer {
	return NewDeployer(testConfig(), remote, "root", nil, nil, nil)
}

func TestDeployer_Deploy_RefusesUnvalidatedReports(t *testing.T) {
	remote := newFakeRemote()
	d := newTestDeployer(remote)

	tests := []struct {
		name   string
		report *Report
	}{
		{"nil report", nil},
		{"partial failure", &Report{SessionID: "s1", Outcome: OutcomePartialFailure, Graph: linearGraph()}},
		{"aborted", &Report{SessionID: "s2", Outcome: OutcomeAborted}},
		{"no graph", &Report{SessionID: "s3", Outcome: OutcomeAllValid}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Deploy(context.Background(), tt.report)
			require.Error(t, err)
			ee := AsEngineError(err)
			require.NotNil(t, ee)
			assert.Equal(t, KindDeployment, ee.Kind)
			assert.Equal(t, ErrCodeValidation, ee.Code)
		})
	}
	assert.Empty(t, remote.log)
}

func TestDeployer_Replay_Order(t *testing.T) {
	remote := newFakeRemote()
	d := newTestDeployer(terminatingRemote{remote})

	res, err := d.Replay(context.Background(), linearGraph())
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"gen"}, {"upd"}, {"log"}}, res.Order)
	assert.Equal(t, []string{
		"node:gen", "node:upd", "node:log",
		"edge:" + edge("gen", "upd").Key(),
		"edge:" + edge("upd", "log").Key(),
	}, remote.log)
	assert.False(t, res.RolledBack)
	assert.Len(t, res.Created, 5)
	assert.Equal(t, "root", res.GroupID)

	var leafID string
	for _, a := range res.Created {
		if a.Kind == ArtifactNode && a.LocalID == "log" {
			leafID = a.RemoteID
		}
	}
	assert.Equal(t, []string{leafID}, remote.terminated)
	assert.Empty(t, remote.deletedGroups)
}

func TestDeployer_Replay_WithoutTerminator(t *testing.T) {
	remote := newFakeRemote()
	d := newTestDeployer(remote)

	_, err := d.Replay(context.Background(), linearGraph())
	require.NoError(t, err)
	assert.Empty(t, remote.terminated)
}

func TestDeployer_Replay_RollsBackOnFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.edgeFn = func(e *ConnectionEdge, call int) error {
		if e.From == "upd" {
			return NewRejection("destination", "destination is not running")
		}
		return nil
	}
	d := newTestDeployer(remote)

	res, err := d.Replay(context.Background(), linearGraph())
	require.Error(t, err)

	ee := AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, KindDeployment, ee.Kind)
	assert.Empty(t, ee.Code)
	assert.True(t, IsRejection(ee.Unwrap()))

	require.NotNil(t, res)
	assert.True(t, res.RolledBack)
	assert.Len(t, res.Created, 4)
	assert.Equal(t, 1, remote.deleteAllCalls)
	assert.Equal(t, 1, remote.edgeCalls[edge("upd", "log").Key()])
}

func TestDeployer_Replay_RollbackFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.nodeFn = func(n *ProcessorNode, call int) error {
		if n.ID == "log" {
			return NewRejection("Log Level", "'Log Level' is invalid")
		}
		return nil
	}
	remote.deleteAllErr = NewTransientError("gateway timeout", nil)
	remote.deleteAllErrs = -1
	d := newTestDeployer(remote)

	res, err := d.Replay(context.Background(), linearGraph())
	require.Error(t, err)

	ee := AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, ErrCodeRollback, ee.Code)
	assert.Contains(t, ee.Details, "rollback_error")
	assert.False(t, res.RolledBack)
	assert.Len(t, res.Created, 2)
}

func TestDeployer_Deploy_HealedReport(t *testing.T) {
	sandboxRemote := newFakeRemote()
	sandboxRemote.nodeFn = func(n *ProcessorNode, call int) error {
		if _, ok := n.Properties.Get("Batch"); ok {
			return NewRejection("Batch", "'Batch' is invalid")
		}
		return nil
	}
	oracle := &countingOracle{fn: func(req RepairRequest) (*RepairPatch, error) {
		return &RepairPatch{Changes: []Change{{Op: OpRename, Key: "Batch", NewKey: "Batch Size"}}}, nil
	}}
	g := &PlanGraph{
		Name: "healed",
		Processors: []*ProcessorNode{
			node("gen", "GenerateFlowFile", "Batch", "10"),
			node("log", "LogAttribute"),
		},
		Connections: []*ConnectionEdge{edge("gen", "log")},
	}

	report, err := newTestHealer(testConfig(), sandboxRemote, oracle).Run(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, OutcomeAllValid, report.Outcome)

	prod := newFakeRemote()
	res, err := newTestDeployer(prod).Deploy(context.Background(), report)
	require.NoError(t, err)
	assert.Len(t, res.Created, 3)

	require.Len(t, prod.seenNodes, 2)
	deployed := prod.seenNodes[0]
	assert.Equal(t, "gen", deployed.ID)
	_, ok := deployed.Properties.Get("Batch Size")
	assert.True(t, ok)
	assert.Len(t, deployed.History, 1)
}

func TestDeployer_Replay_FlowGroup(t *testing.T) {
	remote := &groupingRemote{fakeRemote: newFakeRemote()}
	d := newTestDeployer(remote)

	res, err := d.Replay(context.Background(), linearGraph())
	require.NoError(t, err)

	assert.Equal(t, []string{"root"}, remote.parents)
	assert.Equal(t, []string{"ingest"}, remote.workspaces)
	assert.Equal(t, "pg-ingest", res.GroupID)
	assert.Equal(t, "root", res.ParentGroupID)
	assert.Empty(t, remote.deletedGroups)
}

func TestDeployer_Replay_FlowGroupRolledBack(t *testing.T) {
	remote := &groupingRemote{fakeRemote: newFakeRemote()}
	remote.nodeFn = func(n *ProcessorNode, call int) error {
		if n.ID == "log" {
			return NewRejection("Log Level", "'Log Level' is invalid")
		}
		return nil
	}
	d := newTestDeployer(remote)

	res, err := d.Replay(context.Background(), linearGraph())
	require.Error(t, err)
	assert.True(t, res.RolledBack)
	assert.Equal(t, 1, remote.deleteAllCalls)
	assert.Equal(t, []string{"pg-ingest"}, remote.deletedGroups)
}
