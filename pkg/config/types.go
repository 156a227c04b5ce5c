package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/flowmend/flowmend/pkg/engine"
)

// Format is the encoding of a plan document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported plan format %q (must be json or yaml)", s)
	}
}

// FormatFromPath picks the format from a file extension. Anything that is
// not .yaml or .yml is read as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// planDocument is the envelope produced by the flow planner.
type planDocument struct {
	// Summary is the free-form description of the plan.
	Summary string `json:"plan_summary,omitempty" yaml:"plan_summary,omitempty"`

	// Details carries the flow itself.
	Details planDetails `json:"plan_details" yaml:"plan_details"`
}

// planDetails is the flow part of a plan document.
type planDetails struct {
	Name        string                        `json:"flow_name" yaml:"flow_name"`
	Processors  []*engine.ProcessorNode       `json:"processors" yaml:"processors"`
	Connections []*engine.ConnectionEdge      `json:"connections" yaml:"connections"`
	Services    []engine.ControllerServiceRef `json:"controller_services,omitempty" yaml:"controller_services,omitempty"`
}

func documentFromGraph(g *engine.PlanGraph) planDocument {
	doc := planDocument{
		Summary: g.Summary,
		Details: planDetails{
			Name:        g.Name,
			Processors:  g.Processors,
			Connections: g.Connections,
			Services:    g.Services,
		},
	}
	if doc.Details.Processors == nil {
		doc.Details.Processors = []*engine.ProcessorNode{}
	}
	if doc.Details.Connections == nil {
		doc.Details.Connections = []*engine.ConnectionEdge{}
	}
	return doc
}

func (d planDocument) graph() *engine.PlanGraph {
	return &engine.PlanGraph{
		Name:        d.Details.Name,
		Summary:     d.Summary,
		Processors:  d.Details.Processors,
		Connections: d.Details.Connections,
		Services:    d.Details.Services,
	}
}

// violations accumulates path-prefixed problems found in a document.
type violations []string

func (v *violations) add(path, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if path == "" {
		*v = append(*v, msg)
		return
	}
	*v = append(*v, path+": "+msg)
}
