package yarn_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

type fakeApp struct {
	name        string
	state       string
	finalStatus string
	diagnostics string
}

// fakeResourceManager serves the subset of the ResourceManager REST API used by the client.
type fakeResourceManager struct {
	*httptest.Server

	mu          sync.Mutex
	nextId      int
	apps        map[string]*fakeApp
	submissions []map[string]any
	kills       []string
	users       []string
}

func newFakeResourceManager() *fakeResourceManager {
	rm := &fakeResourceManager{apps: make(map[string]*fakeApp)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/v1/cluster/info", func(w http.ResponseWriter, r *http.Request) {
		rm.record(r)
		writeJSON(w, http.StatusOK, map[string]any{"clusterInfo": map[string]any{"state": "STARTED", "haState": "ACTIVE"}})
	})
	mux.HandleFunc("POST /ws/v1/cluster/apps/new-application", func(w http.ResponseWriter, r *http.Request) {
		rm.record(r)
		rm.mu.Lock()
		rm.nextId++
		id := fmt.Sprintf("application_1700000000000_%04d", rm.nextId)
		rm.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{
			"application-id":              id,
			"maximum-resource-capability": map[string]any{"memory": 8192, "vCores": 4},
		})
	})
	mux.HandleFunc("POST /ws/v1/cluster/apps", func(w http.ResponseWriter, r *http.Request) {
		rm.record(r)
		var submission map[string]any
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		rm.mu.Lock()
		rm.submissions = append(rm.submissions, submission)
		id := submission["application-id"].(string)
		rm.apps[id] = &fakeApp{name: submission["application-name"].(string), state: "ACCEPTED", finalStatus: "UNDEFINED"}
		rm.mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /ws/v1/cluster/apps/{id}", func(w http.ResponseWriter, r *http.Request) {
		rm.record(r)
		rm.mu.Lock()
		defer rm.mu.Unlock()

		app, ok := rm.apps[r.PathValue("id")]
		if !ok {
			notFound(w, r.PathValue("id"))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"app": map[string]any{
			"id":           r.PathValue("id"),
			"name":         app.name,
			"state":        app.state,
			"finalStatus":  app.finalStatus,
			"diagnostics":  app.diagnostics,
			"startedTime":  1700000000000,
			"finishedTime": 0,
		}})
	})
	mux.HandleFunc("PUT /ws/v1/cluster/apps/{id}/state", func(w http.ResponseWriter, r *http.Request) {
		rm.record(r)
		rm.mu.Lock()
		defer rm.mu.Unlock()

		app, ok := rm.apps[r.PathValue("id")]
		if !ok {
			notFound(w, r.PathValue("id"))
			return
		}

		app.state = "KILLED"
		app.finalStatus = "KILLED"
		rm.kills = append(rm.kills, r.PathValue("id"))
		writeJSON(w, http.StatusAccepted, map[string]any{"state": "KILLED"})
	})

	rm.Server = httptest.NewServer(mux)
	return rm
}

func (rm *fakeResourceManager) record(r *http.Request) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.users = append(rm.users, r.URL.Query().Get("user.name"))
}

func (rm *fakeResourceManager) setState(id string, state string, diagnostics string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.apps[id].state = state
	rm.apps[id].diagnostics = diagnostics
}

func (rm *fakeResourceManager) lastSubmission() map[string]any {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.submissions[len(rm.submissions)-1]
}

func (rm *fakeResourceManager) killCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.kills)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, id string) {
	writeJSON(w, http.StatusNotFound, map[string]any{"RemoteException": map[string]any{
		"exception":     "NotFoundException",
		"message":       fmt.Sprintf("app with id: %s not found", id),
		"javaClassName": "org.apache.hadoop.yarn.webapp.NotFoundException",
	}})
}
