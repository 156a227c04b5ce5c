package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestProcessorNode_ApplyPatch_PropertyOps(t *testing.T) {
	tests := []struct {
		name    string
		change  Change
		want    map[string]string
		wantErr bool
	}{
		{
			name:   "set existing",
			change: Change{Op: OpSet, Key: "Batch Size", New: Str("5")},
			want:   map[string]string{"Batch Size": "5", "File Size": "0B"},
		},
		{
			name:    "set missing",
			change:  Change{Op: OpSet, Key: "Nope", New: Str("5")},
			wantErr: true,
		},
		{
			name:   "add new",
			change: Change{Op: OpAdd, Key: "Data Format", New: Str("Text")},
			want:   map[string]string{"Batch Size": "1", "File Size": "0B", "Data Format": "Text"},
		},
		{
			name:    "add over different value",
			change:  Change{Op: OpAdd, Key: "Batch Size", New: Str("2")},
			wantErr: true,
		},
		{
			name:   "rename keeps value",
			change: Change{Op: OpRename, Key: "File Size", NewKey: "Size"},
			want:   map[string]string{"Batch Size": "1", "Size": "0B"},
		},
		{
			name:   "rename with new value",
			change: Change{Op: OpRename, Key: "File Size", NewKey: "Size", New: Str("1KB")},
			want:   map[string]string{"Batch Size": "1", "Size": "1KB"},
		},
		{
			name:    "rename onto existing",
			change:  Change{Op: OpRename, Key: "File Size", NewKey: "Batch Size"},
			wantErr: true,
		},
		{
			name:   "remove",
			change: Change{Op: OpRemove, Key: "File Size"},
			want:   map[string]string{"Batch Size": "1"},
		},
		{
			name:    "stale old value",
			change:  Change{Op: OpSet, Key: "Batch Size", Old: Str("9"), New: Str("5")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := node("gen", "GenerateFlowFile", "Batch Size", "1", "File Size", "0B")

			out, err := n.ApplyPatch(RepairPatch{Changes: []Change{tt.change}})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsKind(err, KindPatchConflict))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Properties.Map())
			assert.Len(t, out.History, 1)

			// the receiver is never modified
			assert.Equal(t, map[string]string{"Batch Size": "1", "File Size": "0B"}, n.Properties.Map())
			assert.Empty(t, n.History)
		})
	}
}

func TestProcessorNode_ApplyPatch_RenamePreservesPosition(t *testing.T) {
	n := node("gen", "GenerateFlowFile", "A", "1", "Batch", "2", "C", "3")

	out, err := n.ApplyPatch(RepairPatch{Changes: []Change{{Op: OpRename, Key: "Batch", NewKey: "Batch Size"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "Batch Size", "C"}, out.Properties.Keys())
}

func TestProcessorNode_ApplyPatch_Idempotent(t *testing.T) {
	n := node("gen", "GenerateFlowFile", "Batch", "10")
	patch := RepairPatch{Changes: []Change{{Op: OpRename, Key: "Batch", NewKey: "Batch Size"}}}

	once, err := n.ApplyPatch(patch)
	require.NoError(t, err)
	twice, err := once.ApplyPatch(patch)
	require.NoError(t, err)

	assert.Equal(t, once.Properties.Map(), twice.Properties.Map())
	assert.Len(t, twice.History, 1)

	// The id is fingerprinted after the node id is filled in.
	stored := once.History[0]
	assert.Equal(t, "gen", stored.NodeID)
	assert.Equal(t, RepairPatch{NodeID: "gen", Changes: patch.Changes}.Fingerprint(), stored.ID)
	assert.True(t, twice.HasPatch(stored.ID))
}

func TestProcessorNode_ApplyPatch_WrongNode(t *testing.T) {
	n := node("gen", "GenerateFlowFile")
	_, err := n.ApplyPatch(RepairPatch{NodeID: "other", Changes: []Change{{Op: OpAdd, Key: "k", New: Str("v")}}})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindPatchConflict))
}

func TestProcessorNode_ApplyPatch_OtherTargets(t *testing.T) {
	n := node("gen", "org.apache.nifi.processors.standard.GenerateFlowFile")
	n.AutoTerminate = []string{"failure"}

	out, err := n.ApplyPatch(RepairPatch{Changes: []Change{
		{Target: TargetScheduling, Op: OpSet, Key: "period", New: Str("1 min")},
		{Target: TargetScheduling, Op: OpSet, Key: "concurrent_tasks", New: Str("2")},
		{Target: TargetRelationship, Op: OpAdd, Key: "success"},
		{Target: TargetRelationship, Op: OpRemove, Key: "failure"},
		{Target: TargetType, Op: OpSet, New: Str("org.apache.nifi.processors.standard.GenerateRecord")},
	}})
	require.NoError(t, err)

	require.NotNil(t, out.Scheduling)
	assert.Equal(t, "1 min", out.Scheduling.Period)
	assert.Equal(t, 2, out.Scheduling.ConcurrentTasks)
	assert.Equal(t, []string{"success"}, out.AutoTerminate)
	assert.Equal(t, "org.apache.nifi.processors.standard.GenerateRecord", out.Type)
	assert.Nil(t, n.Scheduling)
	assert.Equal(t, []string{"failure"}, n.AutoTerminate)
}

func TestProcessorNode_ApplyPatch_InvalidScheduling(t *testing.T) {
	n := node("gen", "GenerateFlowFile")
	for _, c := range []Change{
		{Target: TargetScheduling, Op: OpSet, Key: "concurrent_tasks", New: Str("zero")},
		{Target: TargetScheduling, Op: OpSet, Key: "priority", New: Str("1")},
		{Target: TargetScheduling, Op: OpRemove, Key: "period"},
	} {
		_, err := n.ApplyPatch(RepairPatch{Changes: []Change{c}})
		assert.Error(t, err, c.Key)
	}
}

func TestPlanGraph_ApplyPatch(t *testing.T) {
	g := linearGraph()

	out, err := g.ApplyPatch(RepairPatch{NodeID: "upd", Changes: []Change{{Op: OpSet, Key: "filename", New: Str("out.txt")}}})
	require.NoError(t, err)

	patched, idx := out.Node("upd")
	require.Equal(t, 1, idx)
	v, _ := patched.Properties.Get("filename")
	assert.Equal(t, "out.txt", v)

	orig, _ := g.Node("upd")
	v, _ = orig.Properties.Get("filename")
	assert.Equal(t, "${uuid}", v)

	_, err = g.ApplyPatch(RepairPatch{NodeID: "ghost"})
	assert.True(t, IsKind(err, KindPatchConflict))
}

func TestPlanGraph_Check(t *testing.T) {
	require.NoError(t, linearGraph().Check())

	g := linearGraph()
	g.Processors = append(g.Processors, node("gen", "GenerateFlowFile"), nil)
	g.Connections = append(g.Connections, edge("upd", "nowhere"))

	err := g.Check()
	require.Error(t, err)
	ee := AsEngineError(err)
	require.NotNil(t, ee)
	assert.Equal(t, KindStructural, ee.Kind)
	assert.Equal(t, []string{
		`processors[3].id: duplicate id "gen"`,
		"processors[4]: null processor",
		`connections[2].to_id: unknown processor "nowhere"`,
	}, ee.Violations)
}

func TestPlanGraph_CloneIsDeep(t *testing.T) {
	g := linearGraph()
	c := g.Clone()

	c.Processors[0].Properties.Set("Batch Size", "99")
	c.Connections[0].Relationships[0] = "failure"

	v, _ := g.Processors[0].Properties.Get("Batch Size")
	assert.Equal(t, "1", v)
	assert.Equal(t, "success", g.Connections[0].Relationships[0])
}

func TestConnectionEdge_Key(t *testing.T) {
	assert.Equal(t, "a->b[failure,success]", edge("a", "b", "failure", "success").Key())
	assert.Equal(t, "c1", (&ConnectionEdge{ID: "c1", From: "a", To: "b"}).Key())
}

func TestRepairPatch_Fingerprint(t *testing.T) {
	a := RepairPatch{NodeID: "n", Changes: []Change{{Op: OpSet, Key: "k", New: Str("v")}}}
	b := RepairPatch{NodeID: "n", Changes: []Change{{Op: OpSet, Key: "k", New: Str("v")}}, Provenance: Provenance{Attempt: 2}}
	c := RepairPatch{NodeID: "n", Changes: []Change{{Op: OpSet, Key: "k", New: Str("w")}}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Equal(t, "given", RepairPatch{ID: "given"}.Normalize().ID)
}

func TestProperties_PreserveOrder(t *testing.T) {
	var p Properties
	require.NoError(t, json.Unmarshal([]byte(`{"z":"1","a":"2","m":"3"}`), &p))
	assert.Equal(t, []string{"z", "a", "m"}, p.Keys())

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"z":"1","a":"2","m":"3"}`, string(data))
	assert.Equal(t, `{"z":"1","a":"2","m":"3"}`, string(data))

	var y Properties
	require.NoError(t, yaml.Unmarshal([]byte("z: 1\na: two\nm: \"3\"\n"), &y))
	assert.Equal(t, []string{"z", "a", "m"}, y.Keys())
	v, _ := y.Get("a")
	assert.Equal(t, "two", v)

	p.Delete("a")
	assert.Equal(t, []string{"z", "m"}, p.Keys())
}
