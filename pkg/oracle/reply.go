package oracle

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/tidwall/gjson"
)

var schedulingKeys = []string{"strategy", "period", "concurrent_tasks"}

// stripFence removes a markdown code fence around a reply.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.ContainsAny(text[:nl], "{[") {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// parseReply turns a model or script reply into a patch for node.
func parseReply(node *engine.ProcessorNode, text, source string) (*engine.RepairPatch, error) {
	text = stripFence(text)
	if text == "" {
		return nil, noFix(source + " returned an empty reply")
	}
	if !gjson.Valid(text) {
		return nil, engine.NewOracleError(source+" reply is not valid JSON", nil).
			WithResource(node.ID).WithDetail("reply", truncate(text, 200))
	}

	reply := gjson.Parse(text)
	if !reply.IsObject() {
		return nil, engine.NewOracleError(source+" reply is not a JSON object", nil).WithResource(node.ID)
	}

	var changes []engine.Change
	if raw := reply.Get("changes"); raw.Exists() {
		if err := json.Unmarshal([]byte(raw.Raw), &changes); err != nil {
			return nil, engine.NewOracleError(source+" reply has malformed changes", err).WithResource(node.ID)
		}
	} else {
		changes = diffConfig(node, reply)
	}

	if err := checkChanges(changes); err != nil {
		return nil, engine.NewOracleError(source+" reply is unusable", err).WithResource(node.ID)
	}
	if len(changes) == 0 {
		return nil, noFix(source + " proposed no changes").WithResource(node.ID)
	}

	return &engine.RepairPatch{
		NodeID:     node.ID,
		Changes:    changes,
		Provenance: engine.Provenance{Source: source},
	}, nil
}

// diffConfig compares a complete configuration reply with the node. A
// properties object replaces the node properties, an auto-terminated list
// replaces its relationships and scheduling fields are set individually.
func diffConfig(node *engine.ProcessorNode, reply gjson.Result) []engine.Change {
	var changes []engine.Change

	if props := reply.Get("properties"); props.IsObject() {
		seen := map[string]bool{}
		props.ForEach(func(k, v gjson.Result) bool {
			key, val := k.String(), scalar(v)
			seen[key] = true
			cur, ok := node.Properties.Get(key)
			switch {
			case !ok:
				changes = append(changes, engine.Change{Op: engine.OpAdd, Key: key, New: engine.Str(val)})
			case cur != val:
				changes = append(changes, engine.Change{Op: engine.OpSet, Key: key, Old: engine.Str(cur), New: engine.Str(val)})
			}
			return true
		})
		for _, key := range node.Properties.Keys() {
			if !seen[key] {
				changes = append(changes, engine.Change{Op: engine.OpRemove, Key: key})
			}
		}
	}

	if rels := reply.Get("auto_terminated_relationships"); rels.IsArray() {
		var want []string
		rels.ForEach(func(_, v gjson.Result) bool {
			if name := v.String(); name != "" && !slices.Contains(want, name) {
				want = append(want, name)
			}
			return true
		})
		for _, name := range want {
			if !slices.Contains(node.AutoTerminate, name) {
				changes = append(changes, engine.Change{Target: engine.TargetRelationship, Op: engine.OpAdd, Key: name})
			}
		}
		for _, name := range node.AutoTerminate {
			if !slices.Contains(want, name) {
				changes = append(changes, engine.Change{Target: engine.TargetRelationship, Op: engine.OpRemove, Key: name})
			}
		}
	}

	if sched := reply.Get("scheduling"); sched.IsObject() {
		var cur engine.Scheduling
		if node.Scheduling != nil {
			cur = *node.Scheduling
		}
		current := map[string]string{"strategy": cur.Strategy, "period": cur.Period}
		if cur.ConcurrentTasks != 0 {
			current["concurrent_tasks"] = strconv.Itoa(cur.ConcurrentTasks)
		}
		for _, key := range schedulingKeys {
			v := sched.Get(key)
			if !v.Exists() {
				continue
			}
			if val := scalar(v); val != current[key] {
				changes = append(changes, engine.Change{Target: engine.TargetScheduling, Op: engine.OpSet, Key: key, New: engine.Str(val)})
			}
		}
	}

	return changes
}

// checkChanges rejects changes the engine could never apply.
func checkChanges(changes []engine.Change) error {
	for i, c := range changes {
		if c.Key == "" {
			return fmt.Errorf("change %d has no key", i)
		}
		switch c.Target {
		case "", engine.TargetProperty, engine.TargetService:
			switch c.Op {
			case engine.OpSet, engine.OpAdd:
				if c.New == nil {
					return fmt.Errorf("change %d: %s of %q has no value", i, c.Op, c.Key)
				}
			case engine.OpRename:
				if c.NewKey == "" {
					return fmt.Errorf("change %d: rename of %q has no new name", i, c.Key)
				}
			case engine.OpRemove:
			default:
				return fmt.Errorf("change %d: unknown operation %q", i, c.Op)
			}
		case engine.TargetScheduling:
			if c.Op != engine.OpSet || c.New == nil {
				return fmt.Errorf("change %d: scheduling changes must set a value", i)
			}
			if !slices.Contains(schedulingKeys, c.Key) {
				return fmt.Errorf("change %d: unknown scheduling field %q", i, c.Key)
			}
		case engine.TargetRelationship:
			if c.Op != engine.OpAdd && c.Op != engine.OpSet && c.Op != engine.OpRemove {
				return fmt.Errorf("change %d: unknown relationship operation %q", i, c.Op)
			}
		case engine.TargetType:
			if c.Op != engine.OpSet || c.New == nil {
				return fmt.Errorf("change %d: type changes must set a value", i)
			}
		default:
			return fmt.Errorf("change %d: unknown target %q", i, c.Target)
		}
	}
	return nil
}

// scalar renders a JSON value as a NiFi property string.
func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Null:
		return ""
	default:
		return v.Raw
	}
}

func noFix(msg string) *engine.EngineError {
	return engine.NewOracleError(msg, nil).WithCode(engine.ErrCodeNoFix)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
