package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/flowmend/flowmend/pkg/engine"
)

// SchemaRegistry manages the CUE schemas plans are checked against. The CUE
// context is not safe for concurrent use, so evaluation holds the write lock.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	types   cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in plan schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("plan", builtinPlanSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LoadTypeSchemas compiles a CUE file defining #Types, a map from processor
// type to the shape its properties must have.
func (sr *SchemaRegistry) LoadTypeSchemas(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read type schemas: %w", err)
	}
	return sr.SetTypeSchemas(string(src), path)
}

// SetTypeSchemas compiles inline type schemas. filename is used in errors.
func (sr *SchemaRegistry) SetTypeSchemas(src, filename string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile type schemas %s: %w", filename, err)
	}
	types := val.LookupPath(cue.ParsePath("#Types"))
	if !types.Exists() {
		return fmt.Errorf("type schemas %s do not define #Types", filename)
	}
	sr.types = types
	return nil
}

// ValidatePlan checks the graph against the built-in #Plan schema and
// returns one violation per CUE error.
func (sr *SchemaRegistry) ValidatePlan(g *engine.PlanGraph) ([]string, error) {
	schema, _ := sr.GetSchema("plan")
	plan := schema.LookupPath(cue.ParsePath("#Plan"))

	data, err := Serialize(g, FormatJSON)
	if err != nil {
		return nil, err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	doc := sr.ctx.CompileBytes(data, cue.Filename("plan.json"))
	if err := doc.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}

	unified := plan.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors("", err), nil
	}
	return nil, nil
}

// ValidateTypes unifies the properties of every node with the #Types entry
// for its type. Types without an entry are not checked. The lookup tries the
// type as written, then its short name.
func (sr *SchemaRegistry) ValidateTypes(g *engine.PlanGraph) []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if !sr.types.Exists() {
		return nil
	}

	var out []string
	for i, n := range g.Processors {
		if n == nil {
			continue
		}
		def := sr.lookupType(n.Type)
		if !def.Exists() {
			continue
		}
		props := sr.ctx.Encode(n.Properties.Map())
		if err := def.Unify(props).Validate(cue.Concrete(true)); err != nil {
			out = append(out, convertCUEErrors(fmt.Sprintf("processors[%d].properties", i), err)...)
		}
	}
	return out
}

// HasTypeSchemas reports whether type schemas are loaded.
func (sr *SchemaRegistry) HasTypeSchemas() bool {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.types.Exists()
}

func (sr *SchemaRegistry) lookupType(typ string) cue.Value {
	def := sr.types.LookupPath(cue.MakePath(cue.Str(typ)))
	if def.Exists() {
		return def
	}
	if i := strings.LastIndex(typ, "."); i >= 0 {
		return sr.types.LookupPath(cue.MakePath(cue.Str(typ[i+1:])))
	}
	return def
}

// convertCUEErrors converts CUE errors to path-prefixed violations. Paths
// inside the plan envelope are rendered the way the loader renders them.
func convertCUEErrors(prefix string, err error) []string {
	var out []string
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)

		path := renderPath(e.Path())
		switch {
		case prefix != "" && path != "":
			path = prefix + "." + path
		case prefix != "":
			path = prefix
		}
		if path == "" {
			out = append(out, msg)
		} else {
			out = append(out, path+": "+msg)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// renderPath drops the schema definitions a CUE error path starts with:
// #Plan, or #Types followed by the processor type. What remains is the path
// inside the document.
func renderPath(parts []string) string {
	if len(parts) > 0 {
		switch parts[0] {
		case "#Plan":
			parts = parts[1:]
		case "#Types":
			parts = parts[min(2, len(parts)):]
		}
	}
	if len(parts) > 0 && parts[0] == "plan_details" {
		parts = parts[1:]
	}
	var b strings.Builder
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err == nil {
			b.WriteString("[" + p + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strings.Trim(p, `"`))
	}
	return b.String()
}

// Built-in schema definitions

const builtinPlanSchema = `
#Plan: {
	plan_summary?: string
	plan_details: {
		flow_name: string & !=""
		processors: [...#Processor]
		connections?: [...#Connection]
		controller_services?: [...#Service]
		...
	}
	...
}

#Processor: {
	id:   string & !=""
	name: string & !=""
	type: string & =~"^[A-Za-z_][A-Za-z0-9_.$]*$"
	properties?: {[string]: string}
	service_refs?: {[string]: string & !=""}
	scheduling?: {
		strategy?:         "TIMER_DRIVEN" | "CRON_DRIVEN" | "EVENT_DRIVEN" | "PRIMARY_NODE_ONLY"
		period?:           string & !=""
		concurrent_tasks?: int & >=1
	}
	auto_terminated_relationships?: [...string & !=""]
	patch_history?: [...{...}]
}

#Connection: {
	id?:     string
	from_id: string & !=""
	to_id:   string & !=""
	relationships: [string & !="", ...string & !=""]
}

#Service: {
	id:    string & !=""
	name?: string
	type?: string
}
`
