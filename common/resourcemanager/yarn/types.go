package yarn

import (
	"time"

	"github.com/huage1994/skein-provisioner/common/resourcemanager"
)

// Wire types of the ResourceManager REST API (/ws/v1/cluster).

type clusterInfoResponse struct {
	ClusterInfo struct {
		ID                     int64  `json:"id"`
		State                  string `json:"state"`
		HAState                string `json:"haState"`
		ResourceManagerVersion string `json:"resourceManagerVersion"`
	} `json:"clusterInfo"`
}

type newApplicationResponse struct {
	ApplicationID string   `json:"application-id"`
	MaxResource   resource `json:"maximum-resource-capability"`
}

type resource struct {
	Memory int `json:"memory"`
	VCores int `json:"vCores"`
}

type localResourceValue struct {
	Resource   string `json:"resource"`
	Type       string `json:"type"`
	Visibility string `json:"visibility"`
	Size       int64  `json:"size"`
	Timestamp  int64  `json:"timestamp"`
}

type localResourceEntry struct {
	Key   string             `json:"key"`
	Value localResourceValue `json:"value"`
}

type environmentEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type containerSpec struct {
	LocalResources struct {
		Entry []localResourceEntry `json:"entry"`
	} `json:"local-resources"`
	Commands struct {
		Command string `json:"command"`
	} `json:"commands"`
	Environment struct {
		Entry []environmentEntry `json:"entry"`
	} `json:"environment"`
}

type submissionContext struct {
	ApplicationID   string        `json:"application-id"`
	ApplicationName string        `json:"application-name"`
	ApplicationType string        `json:"application-type"`
	Queue           string        `json:"queue,omitempty"`
	AMContainerSpec containerSpec `json:"am-container-spec"`
	UnmanagedAM     bool          `json:"unmanaged-AM"`
	MaxAppAttempts  int           `json:"max-app-attempts"`
	Resource        resource      `json:"resource"`
	Tags            *struct {
		Tag []string `json:"tag"`
	} `json:"application-tags,omitempty"`
}

type appResponse struct {
	App app `json:"app"`
}

type app struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	State             string `json:"state"`
	FinalStatus       string `json:"finalStatus"`
	Diagnostics       string `json:"diagnostics"`
	AMHostHttpAddress string `json:"amHostHttpAddress"`
	StartedTime       int64  `json:"startedTime"`
	FinishedTime      int64  `json:"finishedTime"`
}

type appState struct {
	State string `json:"state"`
}

type remoteExceptionResponse struct {
	RemoteException struct {
		Exception     string `json:"exception"`
		Message       string `json:"message"`
		JavaClassName string `json:"javaClassName"`
	} `json:"RemoteException"`
}

// yarnStates maps the eight YARN application states onto ApplicationState.
var yarnStates = map[string]resourcemanager.ApplicationState{
	"NEW":        resourcemanager.StateNew,
	"NEW_SAVING": resourcemanager.StateNew,
	"SUBMITTED":  resourcemanager.StateSubmitted,
	"ACCEPTED":   resourcemanager.StateAccepted,
	"RUNNING":    resourcemanager.StateRunning,
	"FINISHED":   resourcemanager.StateFinished,
	"FAILED":     resourcemanager.StateFailed,
	"KILLED":     resourcemanager.StateKilled,
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}

func (a *app) report() *resourcemanager.ApplicationReport {
	state, ok := yarnStates[a.State]
	if !ok {
		state = resourcemanager.ApplicationState(a.State)
	}

	finalStatus := resourcemanager.FinalStatus(a.FinalStatus)
	if finalStatus == "" {
		finalStatus = resourcemanager.FinalStatusUndefined
	}

	return &resourcemanager.ApplicationReport{
		ID:          a.ID,
		Name:        a.Name,
		State:       state,
		FinalStatus: finalStatus,
		Diagnostics: a.Diagnostics,
		Host:        a.AMHostHttpAddress,
		StartTime:   millis(a.StartedTime),
		FinishTime:  millis(a.FinishedTime),
	}
}
