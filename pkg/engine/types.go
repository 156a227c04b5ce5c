package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// PlanGraph is the candidate configuration graph under validation.
// Node ids are unique and every edge references existing nodes; cycles are allowed.
type PlanGraph struct {
	// Name is the flow name.
	Name string `json:"flow_name" yaml:"flow_name" validate:"required"`

	// Summary is the free-form plan summary produced by the planner.
	Summary string `json:"plan_summary,omitempty" yaml:"plan_summary,omitempty"`

	// Processors are the nodes of the graph in plan order.
	Processors []*ProcessorNode `json:"processors" yaml:"processors" validate:"dive"`

	// Connections are the edges of the graph in plan order.
	Connections []*ConnectionEdge `json:"connections" yaml:"connections" validate:"dive"`

	// Services are the pre-existing controller services the graph references.
	Services []ControllerServiceRef `json:"controller_services,omitempty" yaml:"controller_services,omitempty" validate:"dive"`
}

// ProcessorNode is a single processor of the flow.
type ProcessorNode struct {
	// ID is the plan-local identifier of the node.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is the display name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Type is the logical processor type (short name or fully qualified).
	Type string `json:"type" yaml:"type" validate:"required"`

	// Properties holds the processor configuration in declaration order.
	Properties Properties `json:"properties" yaml:"properties" validate:"dive"`

	// ServiceRefs maps property names to controller service reference ids.
	ServiceRefs Properties `json:"service_refs,omitempty" yaml:"service_refs,omitempty" validate:"dive"`

	// Scheduling is optional scheduling metadata.
	Scheduling *Scheduling `json:"scheduling,omitempty" yaml:"scheduling,omitempty"`

	// AutoTerminate lists relationships terminated at this node.
	AutoTerminate []string `json:"auto_terminated_relationships,omitempty" yaml:"auto_terminated_relationships,omitempty"`

	// History is the append-only list of patches applied to this node.
	History []RepairPatch `json:"patch_history,omitempty" yaml:"patch_history,omitempty"`
}

// Scheduling is the scheduling metadata of a processor.
type Scheduling struct {
	Strategy        string `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Period          string `json:"period,omitempty" yaml:"period,omitempty"`
	ConcurrentTasks int    `json:"concurrent_tasks,omitempty" yaml:"concurrent_tasks,omitempty"`
}

// ConnectionEdge links the relationships of one processor to another.
type ConnectionEdge struct {
	ID            string   `json:"id,omitempty" yaml:"id,omitempty"`
	From          string   `json:"from_id" yaml:"from_id" validate:"required"`
	To            string   `json:"to_id" yaml:"to_id" validate:"required"`
	Relationships []string `json:"relationships" yaml:"relationships" validate:"min=1,dive,required"`
}

// Key returns a stable identifier for the edge.
func (e *ConnectionEdge) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s->%s[%s]", e.From, e.To, strings.Join(e.Relationships, ","))
}

// ControllerServiceRef references a controller service that already exists remotely.
type ControllerServiceRef struct {
	ID   string `json:"id" yaml:"id" validate:"required"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Property is one entry of an ordered property map.
type Property struct {
	Key   string `validate:"required"`
	Value string
}

// Properties is an ordered property map. It encodes as a JSON or YAML object
// whose key order is preserved across round trips.
type Properties []Property

// Get returns the value for key.
func (p Properties) Get(key string) (string, bool) {
	if i := p.Index(key); i >= 0 {
		return p[i].Value, true
	}
	return "", false
}

// Index returns the position of key, or -1.
func (p Properties) Index(key string) int {
	for i := range p {
		if p[i].Key == key {
			return i
		}
	}
	return -1
}

// Set replaces the value of key in place, or appends it.
func (p *Properties) Set(key, value string) {
	if i := p.Index(key); i >= 0 {
		(*p)[i].Value = value
		return
	}
	*p = append(*p, Property{Key: key, Value: value})
}

// Delete removes key, keeping the order of the remaining entries.
func (p *Properties) Delete(key string) {
	if i := p.Index(key); i >= 0 {
		*p = append((*p)[:i], (*p)[i+1:]...)
	}
}

// Keys returns the keys in order.
func (p Properties) Keys() []string {
	keys := make([]string, len(p))
	for i := range p {
		keys[i] = p[i].Key
	}
	return keys
}

// Map returns an unordered copy.
func (p Properties) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value
	}
	return m
}

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	copy(out, p)
	return out
}

// MarshalJSON encodes the map as an object in declaration order.
func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object keeping its key order.
func (p *Properties) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	if res.Type == gjson.Null {
		*p = nil
		return nil
	}
	if !res.IsObject() {
		return fmt.Errorf("properties must be an object")
	}
	var out Properties
	var bad string
	res.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			bad = key.String()
			return false
		}
		out = append(out, Property{Key: key.String(), Value: value.String()})
		return true
	})
	if bad != "" {
		return fmt.Errorf("property %q must be a string", bad)
	}
	*p = out
	return nil
}

// MarshalYAML encodes the map as a mapping node in declaration order.
func (p Properties) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, kv := range p {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: kv.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: kv.Value},
		)
	}
	return node, nil
}

// UnmarshalYAML decodes a mapping node keeping its key order.
func (p *Properties) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("properties must be a mapping")
	}
	out := make(Properties, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		out = append(out, Property{Key: node.Content[i].Value, Value: node.Content[i+1].Value})
	}
	*p = out
	return nil
}

// ChangeTarget selects which part of a node a change addresses.
type ChangeTarget string

const (
	TargetProperty     ChangeTarget = "property"
	TargetScheduling   ChangeTarget = "scheduling"
	TargetRelationship ChangeTarget = "relationship"
	TargetType         ChangeTarget = "type"

	// TargetService addresses a controller service reference property.
	TargetService ChangeTarget = "service"
)

// ChangeOp is the mutation a change performs.
type ChangeOp string

const (
	OpSet    ChangeOp = "set"
	OpAdd    ChangeOp = "add"
	OpRename ChangeOp = "rename"
	OpRemove ChangeOp = "remove"
)

// Change is one addressed mutation inside a patch.
type Change struct {
	// Target defaults to TargetProperty when empty.
	Target ChangeTarget `json:"target,omitempty" yaml:"target,omitempty"`
	Op     ChangeOp     `json:"op" yaml:"op"`

	// Key is the property name, scheduling field or relationship name.
	Key string `json:"key,omitempty" yaml:"key,omitempty"`

	// NewKey is the new property name for renames.
	NewKey string `json:"new_key,omitempty" yaml:"new_key,omitempty"`

	// Old is the value the patch expects to find; nil skips the check.
	Old *string `json:"old,omitempty" yaml:"old,omitempty"`

	// New is the value to write.
	New *string `json:"new,omitempty" yaml:"new,omitempty"`
}

func (c Change) target() ChangeTarget {
	if c.Target == "" {
		return TargetProperty
	}
	return c.Target
}

// Provenance records which rejection produced a patch.
type Provenance struct {
	Field   string `json:"field,omitempty" yaml:"field,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Attempt int    `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	Source  string `json:"source,omitempty" yaml:"source,omitempty"`
}

// RepairPatch is a minimal set of addressed mutations for one node.
type RepairPatch struct {
	ID         string     `json:"id" yaml:"id"`
	NodeID     string     `json:"node_id" yaml:"node_id"`
	Changes    []Change   `json:"changes" yaml:"changes"`
	Provenance Provenance `json:"provenance" yaml:"provenance"`
}

// Fingerprint returns a content hash of the patch target and changes.
func (p RepairPatch) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(p.NodeID))
	h.Write([]byte{0})
	changes, _ := json.Marshal(p.Changes)
	h.Write(changes)
	return "p-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Normalize fills in the patch id from its content when absent.
func (p RepairPatch) Normalize() RepairPatch {
	if p.ID == "" {
		p.ID = p.Fingerprint()
	}
	return p
}

// Str is a convenience for building changes.
func Str(s string) *string {
	return &s
}

// RejectionDetail is the part of a remote rejection handed to the oracle.
type RejectionDetail struct {
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	RemoteID string `json:"remote_id,omitempty"`
}

// RepairRequest is everything the oracle receives for one heal attempt.
type RepairRequest struct {
	SessionID string          `json:"session_id"`
	Node      *ProcessorNode  `json:"node"`
	History   []RepairPatch   `json:"history"`
	Rejection RejectionDetail `json:"rejection"`
	Attempt   int             `json:"attempt"`
}

// ArtifactKind distinguishes remote artifacts recorded under a handle.
type ArtifactKind string

const (
	ArtifactNode ArtifactKind = "node"
	ArtifactEdge ArtifactKind = "edge"
)

// Artifact is a remote object created during a session.
type Artifact struct {
	Kind     ArtifactKind `json:"kind"`
	LocalID  string       `json:"local_id"`
	RemoteID string       `json:"remote_id"`
	Version  int64        `json:"version"`
}

// Attempt is one recorded action for a node or edge.
type Attempt struct {
	Subject string        `json:"subject"`
	Try     int           `json:"try"`
	Action  string        `json:"action"`
	Outcome string        `json:"outcome"`
	Error   string        `json:"error,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	At      time.Time     `json:"at"`
}

// Attempt actions.
const (
	ActionCreateNode  = "create_node"
	ActionCreateEdge  = "create_edge"
	ActionOracle      = "oracle"
	ActionCheckRoutes = "check_routes"
	ActionAutoCorrect = "auto_correct"
)

// Attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomePatched   = "patched"
)
