package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a plan document, picking the format from the extension.
func LoadFile(path string) (*engine.PlanGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	return Load(data, FormatFromPath(path))
}

// Load parses a plan document. The flow may be wrapped in the planner's
// plan_details envelope or given bare. Every shape problem is reported in one
// SchemaError whose violations are prefixed with their document path.
func Load(data []byte, format Format) (*engine.PlanGraph, error) {
	if format == FormatYAML {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, engine.NewSchemaError([]string{fmt.Sprintf("invalid YAML: %v", err)})
		}
		data = converted
	}

	if !gjson.ValidBytes(data) {
		return nil, engine.NewSchemaError([]string{"invalid JSON document"})
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, engine.NewSchemaError([]string{"plan document must be an object"})
	}

	var v violations
	details := root
	enveloped := false
	if d := root.Get("plan_details"); d.Exists() {
		enveloped = true
		if !d.IsObject() {
			v.add("plan_details", "must be an object")
			return nil, engine.NewSchemaError(v)
		}
		details = d
		checkString(&v, root, "plan_summary", false)
	}

	checkDetails(&v, details)
	if len(v) > 0 {
		return nil, engine.NewSchemaError(v)
	}

	var doc planDocument
	if enveloped {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, engine.NewSchemaError([]string{err.Error()})
		}
	} else {
		if err := json.Unmarshal(data, &doc.Details); err != nil {
			return nil, engine.NewSchemaError([]string{err.Error()})
		}
		doc.Summary = root.Get("plan_summary").String()
	}
	return doc.graph(), nil
}

// Serialize encodes a graph in the enveloped document format. Loading the
// output yields an identical graph, property order and patch history included.
func Serialize(g *engine.PlanGraph, format Format) ([]byte, error) {
	doc := documentFromGraph(g)
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatJSON, "":
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		return append(out, '\n'), nil
	default:
		return nil, fmt.Errorf("unsupported plan format %q", format)
	}
}

func checkDetails(v *violations, d gjson.Result) {
	checkString(v, d, "flow_name", true)

	procs := d.Get("processors")
	switch {
	case !procs.Exists():
		v.add("processors", "missing required field")
	case !procs.IsArray():
		v.add("processors", "must be an array")
	default:
		procs.ForEach(func(i, p gjson.Result) bool {
			checkProcessor(v, fmt.Sprintf("processors[%d]", i.Int()), p)
			return true
		})
	}

	if conns := d.Get("connections"); conns.Exists() && conns.Type != gjson.Null {
		if !conns.IsArray() {
			v.add("connections", "must be an array")
		} else {
			conns.ForEach(func(i, c gjson.Result) bool {
				checkConnection(v, fmt.Sprintf("connections[%d]", i.Int()), c)
				return true
			})
		}
	}

	if svcs := d.Get("controller_services"); svcs.Exists() && svcs.Type != gjson.Null {
		if !svcs.IsArray() {
			v.add("controller_services", "must be an array")
		} else {
			svcs.ForEach(func(i, s gjson.Result) bool {
				path := fmt.Sprintf("controller_services[%d]", i.Int())
				if !s.IsObject() {
					v.add(path, "must be an object")
					return true
				}
				checkStringAt(v, path, s, "id", true)
				checkStringAt(v, path, s, "name", false)
				checkStringAt(v, path, s, "type", false)
				return true
			})
		}
	}
}

func checkProcessor(v *violations, path string, p gjson.Result) {
	if !p.IsObject() {
		v.add(path, "must be an object")
		return
	}
	checkStringAt(v, path, p, "id", true)
	checkStringAt(v, path, p, "name", true)
	checkStringAt(v, path, p, "type", true)
	checkStringMap(v, path+".properties", p.Get("properties"))
	checkStringMap(v, path+".service_refs", p.Get("service_refs"))
	checkStringList(v, path+".auto_terminated_relationships", p.Get("auto_terminated_relationships"), false)

	if s := p.Get("scheduling"); s.Exists() && s.Type != gjson.Null {
		sp := path + ".scheduling"
		if !s.IsObject() {
			v.add(sp, "must be an object")
		} else {
			checkStringAt(v, sp, s, "strategy", false)
			checkStringAt(v, sp, s, "period", false)
			if ct := s.Get("concurrent_tasks"); ct.Exists() {
				if ct.Type != gjson.Number || ct.Float() != math.Trunc(ct.Float()) {
					v.add(sp+".concurrent_tasks", "must be an integer")
				}
			}
		}
	}

	if h := p.Get("patch_history"); h.Exists() && h.Type != gjson.Null {
		if !h.IsArray() {
			v.add(path+".patch_history", "must be an array")
			return
		}
		h.ForEach(func(i, patch gjson.Result) bool {
			pp := fmt.Sprintf("%s.patch_history[%d]", path, i.Int())
			if !patch.IsObject() {
				v.add(pp, "must be an object")
				return true
			}
			if c := patch.Get("changes"); !c.IsArray() {
				v.add(pp+".changes", "must be an array")
			}
			return true
		})
	}
}

func checkConnection(v *violations, path string, c gjson.Result) {
	if !c.IsObject() {
		v.add(path, "must be an object")
		return
	}
	checkStringAt(v, path, c, "id", false)
	checkStringAt(v, path, c, "from_id", true)
	checkStringAt(v, path, c, "to_id", true)
	checkStringList(v, path+".relationships", c.Get("relationships"), true)
}

func checkString(v *violations, obj gjson.Result, key string, required bool) {
	checkStringAt(v, "", obj, key, required)
}

func checkStringAt(v *violations, prefix string, obj gjson.Result, key string, required bool) {
	path := key
	if prefix != "" {
		path = prefix + "." + key
	}
	val := obj.Get(gjson.Escape(key))
	switch {
	case !val.Exists() || val.Type == gjson.Null:
		if required {
			v.add(path, "missing required field")
		}
	case val.Type != gjson.String:
		v.add(path, "must be a string")
	case required && val.Str == "":
		v.add(path, "must not be empty")
	}
}

func checkStringMap(v *violations, path string, m gjson.Result) {
	if !m.Exists() || m.Type == gjson.Null {
		return
	}
	if !m.IsObject() {
		v.add(path, "must be an object")
		return
	}
	m.ForEach(func(k, val gjson.Result) bool {
		if val.Type != gjson.String {
			v.add(path+"."+k.String(), "must be a string")
		}
		return true
	})
}

func checkStringList(v *violations, path string, l gjson.Result, required bool) {
	if !l.Exists() || l.Type == gjson.Null {
		if required {
			v.add(path, "missing required field")
		}
		return
	}
	if !l.IsArray() {
		v.add(path, "must be an array")
		return
	}
	l.ForEach(func(i, item gjson.Result) bool {
		if item.Type != gjson.String {
			v.add(fmt.Sprintf("%s[%d]", path, i.Int()), "must be a string")
		}
		return true
	})
}

// yamlToJSON converts a YAML document to JSON, keeping mapping order.
func yamlToJSON(data []byte) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 {
		return nil, fmt.Errorf("empty document")
	}
	var buf bytes.Buffer
	if err := writeYAMLNode(&buf, &root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeYAMLNode(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeYAMLNode(buf, n.Content[0])

	case yaml.AliasNode:
		return writeYAMLNode(buf, n.Alias)

	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(n.Content[i].Value)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := writeYAMLNode(buf, n.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, item := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeYAMLNode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case yaml.ScalarNode:
		return writeYAMLScalar(buf, n)

	default:
		return fmt.Errorf("line %d: unsupported YAML node", n.Line)
	}
}

func writeYAMLScalar(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.ShortTag() {
	case "!!null":
		buf.WriteString("null")
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return err
		}
		buf.WriteString(strconv.FormatBool(b))
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			return err
		}
		buf.WriteString(strconv.FormatInt(i, 10))
	case "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return err
		}
		out, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(out)
	default:
		out, err := json.Marshal(n.Value)
		if err != nil {
			return err
		}
		buf.Write(out)
	}
	return nil
}
