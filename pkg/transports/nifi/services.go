package nifi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/tidwall/gjson"
)

// ControllerService is a controller service instance on the NiFi canvas.
type ControllerService struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	State string `json:"state"`
}

// ControllerServices lists the controller service instances visible from
// the root process group.
func (c *Client) ControllerServices(ctx context.Context) ([]ControllerService, error) {
	root, err := c.RootGroupID(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.do(ctx, "list controller services", http.MethodGet,
		"/flow/process-groups/"+url.PathEscape(root)+"/controller-services", nil, nil)
	if err != nil {
		return nil, err
	}

	var out []ControllerService
	res.Get("controllerServices").ForEach(func(_, ent gjson.Result) bool {
		comp := ent.Get("component")
		id, typ := comp.Get("id").String(), comp.Get("type").String()
		if id == "" || typ == "" {
			return true
		}
		state := comp.Get("state").String()
		if state == "" {
			state = "UNKNOWN"
		}
		out = append(out, ControllerService{ID: id, Name: comp.Get("name").String(), Type: typ, State: state})
		return true
	})
	return out, nil
}

// ListControllerServices implements engine.ServiceLister.
func (c *Client) ListControllerServices(ctx context.Context) ([]engine.ControllerServiceRef, error) {
	services, err := c.ControllerServices(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]engine.ControllerServiceRef, len(services))
	for i, s := range services {
		refs[i] = engine.ControllerServiceRef{ID: s.ID, Name: s.Name, Type: s.Type}
	}
	return refs, nil
}
