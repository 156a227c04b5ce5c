// Package config loads, checks and serializes flowmend plan documents and
// reads session settings from the environment.
//
// # Overview
//
// Everything in this package runs locally, before a sandbox is acquired. A
// plan that fails here never reaches the remote system.
//
// # Components
//
// Load / Serialize: Plan document codec. Documents are JSON or YAML, either
// wrapped in the planner's plan_details envelope or bare. YAML is converted to
// JSON in document order so property order survives a round trip. Shape
// problems are collected into one SchemaError whose violations carry a path
// prefix such as processors[2].type.
//
// SchemaRegistry: CUE schemas. The built-in #Plan schema constrains scheduling
// strategies, concurrent task counts and type names. An optional type schema
// file defines #Types, a map from processor type to the closed shape of its
// properties.
//
// Validator: Runs the structural checks (duplicate ids, dangling edges, empty
// relationship lists, undeclared or duplicate controller services, the
// CREATE_NEW_CS placeholder), the go-playground/validator struct tags, both
// CUE schemas, an optional remote service lookup and an optional policy gate.
// Every violation is reported in a single StructuralError.
//
// Settings: Session settings parsed from environment variables after an
// optional .env file.
//
// # Usage Example
//
//	settings, err := config.LoadSettings(".env")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	g, err := config.LoadFile("plan.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	v := config.NewValidator()
//	if err := v.Validate(ctx, g); err != nil {
//	    log.Fatal(err)
//	}
//
//	cfg := settings.Session()
//
// # Type Schemas
//
//	#Types: {
//	    "GenerateFlowFile": close({
//	        "File Size"?:  =~"^[0-9]+ ?[KMG]?B$"
//	        "Batch Size"?: =~"^[0-9]+$"
//	    })
//	}
//
// Lookups try the processor type as written, then its short name.
//
// # Thread Safety
//
// SchemaRegistry and Validator are safe for concurrent use.
package config
