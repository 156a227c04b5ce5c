package nifi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeNiFi is an in-memory stand-in for the parts of the NiFi REST API the
// client uses.
type fakeNiFi struct {
	t *testing.T

	mu          sync.Mutex
	nextID      int
	processors  map[string]gjson.Result
	connections map[string]gjson.Result
	groups      map[string]string
	versions    map[string]int64
	requests    []string
	auth        []string

	types []string

	// validate returns validation errors for a created processor.
	validate func(component gjson.Result) []string

	// describe returns extra component fields for a created processor, such
	// as config.descriptors and supportsDynamicProperties.
	describe func(component gjson.Result) map[string]interface{}

	// fail maps "METHOD path-pattern" to a status returned instead of handling
	// the request; the count is decremented on each hit.
	fail map[string][]int
}

func newFakeNiFi(t *testing.T) (*fakeNiFi, *httptest.Server) {
	f := &fakeNiFi{
		t:           t,
		processors:  map[string]gjson.Result{},
		connections: map[string]gjson.Result{},
		groups:      map[string]string{},
		versions:    map[string]int64{},
		fail:        map[string][]int{},
		types: []string{
			"org.apache.nifi.processors.standard.GenerateFlowFile",
			"org.apache.nifi.processors.standard.LogAttribute",
			"org.apache.nifi.processors.attributes.UpdateAttribute",
			"org.apache.nifi.processors.standard.PutFile",
			"org.example.custom.PutFile",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /nifi-api/flow/about", f.wrap("about", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"about": map[string]string{"version": "2.7.2"}})
	}))
	mux.HandleFunc("GET /nifi-api/flow/processor-types", f.wrap("types", func(w http.ResponseWriter, r *http.Request) {
		var items []map[string]interface{}
		for _, typ := range f.types {
			items = append(items, map[string]interface{}{
				"type":   typ,
				"bundle": map[string]string{"group": "org.apache.nifi", "artifact": "nifi-standard-nar", "version": "2.7.2"},
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"processorTypes": items})
	}))
	mux.HandleFunc("GET /nifi-api/flow/process-groups/root", f.wrap("root", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"processGroupFlow": map[string]string{"id": "root-id"}})
	}))
	mux.HandleFunc("GET /nifi-api/flow/process-groups/{id}/controller-services", f.wrap("services", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, "root-id", r.PathValue("id"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"controllerServices": []interface{}{
			map[string]interface{}{"component": map[string]string{"id": "cs-1", "name": "reader", "type": "org.apache.nifi.json.JsonTreeReader", "state": "ENABLED"}},
			map[string]interface{}{"component": map[string]string{"id": "cs-2", "type": "org.apache.nifi.dbcp.DBCPConnectionPool"}},
			map[string]interface{}{"component": map[string]string{"name": "broken"}},
		}})
	}))
	mux.HandleFunc("POST /nifi-api/process-groups/{parent}/process-groups", f.wrap("create group", func(w http.ResponseWriter, r *http.Request) {
		body := readBody(f.t, r)
		id := f.newID("pg")
		f.groups[id] = r.PathValue("parent")
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"revision":  map[string]int64{"version": 1},
			"component": map[string]string{"id": id, "name": body.Get("component.name").String()},
		})
	}))
	mux.HandleFunc("POST /nifi-api/process-groups/{group}/processors", f.wrap("create processor", func(w http.ResponseWriter, r *http.Request) {
		body := readBody(f.t, r)
		id := f.newID("proc")
		f.processors[id] = body
		var problems []string
		if f.validate != nil {
			problems = f.validate(body.Get("component"))
		}
		component := map[string]interface{}{
			"id":               id,
			"parentGroupId":    r.PathValue("group"),
			"validationErrors": problems,
		}
		if f.describe != nil {
			for k, v := range f.describe(body.Get("component")) {
				component[k] = v
			}
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"revision":  map[string]int64{"version": 1},
			"component": component,
		})
	}))
	mux.HandleFunc("POST /nifi-api/process-groups/{group}/connections", f.wrap("create connection", func(w http.ResponseWriter, r *http.Request) {
		body := readBody(f.t, r)
		id := f.newID("conn")
		f.connections[id] = body
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"revision":  map[string]int64{"version": 1},
			"component": map[string]string{"id": id},
		})
	}))

	for _, kind := range []string{"processors", "connections", "process-groups"} {
		mux.HandleFunc("GET /nifi-api/"+kind+"/{id}", f.wrap("get "+kind, func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			if !f.exists(kind, id) {
				http.Error(w, "Unable to find "+id, http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"revision": map[string]int64{"version": f.versions[id]},
				"component": map[string]interface{}{
					"id": id,
					"relationships": []map[string]string{
						{"name": "success"}, {"name": "failure"},
					},
				},
			})
		}))
		mux.HandleFunc("DELETE /nifi-api/"+kind+"/{id}", f.wrap("delete "+kind, func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			if !f.exists(kind, id) {
				http.Error(w, "Unable to find "+id, http.StatusNotFound)
				return
			}
			if got := r.URL.Query().Get("version"); got != strconv.FormatInt(f.versions[id], 10) {
				http.Error(w, "stale revision", http.StatusConflict)
				return
			}
			require.NotEmpty(f.t, r.URL.Query().Get("clientId"))
			delete(f.processors, id)
			delete(f.connections, id)
			delete(f.groups, id)
			writeJSON(w, http.StatusOK, map[string]interface{}{"component": map[string]string{"id": id}})
		}))
	}
	mux.HandleFunc("PUT /nifi-api/processors/{id}", f.wrap("update processor", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		body := readBody(f.t, r)
		if body.Get("revision.version").Int() != f.versions[id] {
			http.Error(w, "stale revision", http.StatusConflict)
			return
		}
		f.versions[id]++
		f.processors[id] = body
		writeJSON(w, http.StatusOK, map[string]interface{}{"revision": map[string]int64{"version": f.versions[id]}})
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeNiFi) wrap(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		if codes := f.fail[name]; len(codes) > 0 {
			f.fail[name] = codes[1:]
			http.Error(w, fmt.Sprintf("%s failed", name), codes[0])
			return
		}
		h(w, r)
	}
}

func (f *fakeNiFi) newID(prefix string) string {
	f.nextID++
	id := fmt.Sprintf("%s-%d", prefix, f.nextID)
	f.versions[id] = 1
	return id
}

func (f *fakeNiFi) exists(kind, id string) bool {
	switch kind {
	case "processors":
		_, ok := f.processors[id]
		return ok
	case "connections":
		_, ok := f.connections[id]
		return ok
	default:
		_, ok := f.groups[id]
		return ok
	}
}

func (f *fakeNiFi) snapshot() (procs, conns, groups int, requests []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processors), len(f.connections), len(f.groups), append([]string(nil), f.requests...)
}

func (f *fakeNiFi) parentOf(groupID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[groupID]
}

func (f *fakeNiFi) processor(id string) gjson.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processors[id]
}

func (f *fakeNiFi) connection(id string) gjson.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connections[id]
}

func (f *fakeNiFi) authHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auth...)
}

func (f *fakeNiFi) failNext(name string, codes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = append(f.fail[name], codes...)
}

func readBody(t *testing.T, r *http.Request) gjson.Result {
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	require.True(t, gjson.ValidBytes(data), string(data))
	return gjson.ParseBytes(data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
