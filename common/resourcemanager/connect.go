package resourcemanager

import "fmt"

// ConnectStatus classifies the outcome of a single non-blocking connection attempt.
type ConnectStatus int

const (
	// ConnectPending means the application is not reachable yet and the attempt may be retried.
	ConnectPending ConnectStatus = iota
	// ConnectReady means the application accepted the connection.
	ConnectReady
	// ConnectFailed means the attempt failed in a way that retrying cannot fix.
	ConnectFailed
)

func (s ConnectStatus) String() string {
	switch s {
	case ConnectPending:
		return "pending"
	case ConnectReady:
		return "connected"
	case ConnectFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectStatus(%d)", int(s))
	}
}

// ConnectResult is the tagged result of Client.Connect.
//
// Application is set only when Status is ConnectReady; Err is set otherwise.
type ConnectResult struct {
	Status      ConnectStatus
	Application Application
	Err         error
}

func Connected(app Application) ConnectResult {
	return ConnectResult{Status: ConnectReady, Application: app}
}

func Pending(err error) ConnectResult {
	return ConnectResult{Status: ConnectPending, Err: err}
}

func Failed(err error) ConnectResult {
	return ConnectResult{Status: ConnectFailed, Err: err}
}

// NotRunningResult classifies an application that is not in the RUNNING state: pending states
// may be retried, terminal states may not.
func NotRunningResult(applicationId string, report *ApplicationReport) ConnectResult {
	if report.State.IsPending() {
		return Pending(fmt.Errorf("%w: application %s is in state %s", ErrApplicationNotRunning, applicationId, report.State))
	}

	msg := fmt.Sprintf("application %s is in terminal state %s", applicationId, report.State)
	if report.Diagnostics != "" {
		msg += ": " + report.Diagnostics
	}

	return Failed(fmt.Errorf("%w: %s", ErrApplicationTerminated, msg))
}
