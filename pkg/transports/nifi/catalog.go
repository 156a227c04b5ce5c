package nifi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/tidwall/gjson"
)

// Bundle identifies the NAR a processor type ships in.
type Bundle struct {
	Group    string `json:"group"`
	Artifact string `json:"artifact"`
	Version  string `json:"version"`
}

// ProcessorType is one entry of the NiFi processor catalog.
type ProcessorType struct {
	Type        string `json:"type"`
	Bundle      Bundle `json:"bundle"`
	Description string `json:"description,omitempty"`
}

// ShortName returns the unqualified class name.
func (p ProcessorType) ShortName() string {
	if i := strings.LastIndex(p.Type, "."); i >= 0 {
		return p.Type[i+1:]
	}
	return p.Type
}

// ListProcessorTypes returns the processor catalog, sorted by type. The
// catalog is fetched once per client.
func (c *Client) ListProcessorTypes(ctx context.Context) ([]ProcessorType, error) {
	c.catalogMu.Lock()
	defer c.catalogMu.Unlock()

	if c.catalog != nil {
		return c.catalog, nil
	}

	res, err := c.do(ctx, "list processor types", http.MethodGet, "/flow/processor-types", nil, nil)
	if err != nil {
		return nil, err
	}
	items := res.Get("processorTypes")
	if !items.IsArray() {
		return nil, engine.NewTransientError("unexpected response format from processor-types endpoint", nil)
	}

	types := make([]ProcessorType, 0, len(items.Array()))
	items.ForEach(func(_, item gjson.Result) bool {
		fqcn := item.Get("type").String()
		if fqcn == "" {
			return true
		}
		types = append(types, ProcessorType{
			Type: fqcn,
			Bundle: Bundle{
				Group:    item.Get("bundle.group").String(),
				Artifact: item.Get("bundle.artifact").String(),
				Version:  item.Get("bundle.version").String(),
			},
			Description: item.Get("description").String(),
		})
		return true
	})
	sort.Slice(types, func(i, j int) bool { return types[i].Type < types[j].Type })

	c.catalog = types
	c.logger.Debugf("Loaded %d processor types", len(types))
	return types, nil
}

// ResolveType matches a logical type against the catalog: an exact match
// wins, otherwise the unique type whose class name equals it. Unknown and
// ambiguous types are rejections on the type field.
func (c *Client) ResolveType(ctx context.Context, typ string) (ProcessorType, error) {
	types, err := c.ListProcessorTypes(ctx)
	if err != nil {
		return ProcessorType{}, err
	}
	return resolveType(types, typ)
}

func resolveType(types []ProcessorType, typ string) (ProcessorType, error) {
	var matches []ProcessorType
	for _, t := range types {
		if t.Type == typ {
			return t, nil
		}
		if strings.HasSuffix(t.Type, "."+typ) {
			matches = append(matches, t)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return ProcessorType{}, engine.NewRejection("type",
			fmt.Sprintf("processor type %q does not exist in this NiFi instance", typ)).
			WithCode(engine.ErrCodeNotFound)
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Type
		}
		return ProcessorType{}, engine.NewRejection("type",
			fmt.Sprintf("processor type %q is ambiguous, matches: %s", typ, strings.Join(names, ", "))).
			WithCode(engine.ErrCodeAmbiguous)
	}
}
