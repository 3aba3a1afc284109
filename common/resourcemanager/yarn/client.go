// Package yarn implements resourcemanager.Client against the Hadoop YARN ResourceManager REST API.
//
// Each kernel runs as a YARN application whose application master is the kernel itself. Files that
// ship with the kernel are staged through a staging.Provider and localized by YARN.
package yarn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/huage1994/skein-provisioner/common/kvstore"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/staging"
	"github.com/huage1994/skein-provisioner/common/utils"
	"github.com/pkg/errors"
)

const (
	ApplicationType = "SKEIN-KERNEL"

	apiPrefix = "ws/v1/cluster"
)

// Options configures a Client.
type Options struct {
	// Address is the base URL of the ResourceManager's web service, e.g. http://rm:8088.
	Address string

	// User is passed as user.name on every request (pseudo authentication). Optional.
	User string

	Namespace *kvstore.Namespace

	Staging staging.Provider

	// HTTPClient overrides the pooled client created by default.
	HTTPClient *http.Client
}

// Client is a resourcemanager.Client for YARN.
type Client struct {
	log logger.Logger

	baseURL    *url.URL
	user       string
	httpClient *http.Client
	namespace  *kvstore.Namespace
	staging    staging.Provider

	closed atomic.Bool
}

// NewClient creates a Client and verifies that the ResourceManager is reachable.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Namespace == nil || opts.Staging == nil {
		return nil, fmt.Errorf("yarn client requires a key-value namespace and a staging provider")
	}

	address := strings.TrimSuffix(opts.Address, "/")
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}

	baseURL, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid ResourceManager address \"%s\"", opts.Address)
	}

	client := &Client{
		baseURL:    baseURL,
		user:       opts.User,
		httpClient: opts.HTTPClient,
		namespace:  opts.Namespace,
		staging:    opts.Staging,
	}
	config.InitLogger(&client.log, client)

	if client.httpClient == nil {
		client.httpClient = cleanhttp.DefaultPooledClient()
	}

	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	client.log.Debug("Connected to YARN ResourceManager at %s.", baseURL.String())

	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	var info clusterInfoResponse
	if err := c.do(ctx, http.MethodGet, "info", nil, &info); err != nil {
		return err
	}

	if info.ClusterInfo.State != "" && info.ClusterInfo.State != "STARTED" {
		return fmt.Errorf("ResourceManager is in state %s", info.ClusterInfo.State)
	}

	return nil
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) Submit(ctx context.Context, spec *resourcemanager.ApplicationSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	var newApp newApplicationResponse
	if err := c.do(ctx, http.MethodPost, "apps/new-application", nil, &newApp); err != nil {
		return "", errors.Wrap(err, "failed to obtain a new application id")
	}

	applicationId := newApp.ApplicationID
	if maxResource := newApp.MaxResource; maxResource.Memory > 0 && spec.Master.Resources.MemoryMB > maxResource.Memory {
		return "", fmt.Errorf("%w: requested %d MB of memory, but the cluster maximum is %d MB",
			resourcemanager.ErrInvalidApplicationSpec, spec.Master.Resources.MemoryMB, maxResource.Memory)
	}

	submission, err := c.submissionContext(ctx, applicationId, spec)
	if err != nil {
		return "", err
	}

	if err := c.do(ctx, http.MethodPost, "apps", submission, nil); err != nil {
		return "", errors.Wrapf(err, "failed to submit application %s", applicationId)
	}

	c.log.Info(utils.LightBlueStyle.Render("Submitted YARN application %s (\"%s\")."), applicationId, spec.Name)

	return applicationId, nil
}

func (c *Client) submissionContext(ctx context.Context, applicationId string, spec *resourcemanager.ApplicationSpec) (*submissionContext, error) {
	submission := &submissionContext{
		ApplicationID:   applicationId,
		ApplicationName: spec.Name,
		ApplicationType: ApplicationType,
		Queue:           spec.Queue,
		MaxAppAttempts:  spec.MaxAttempts,
		Resource: resource{
			Memory: spec.Master.Resources.MemoryMB,
			VCores: spec.Master.Resources.VCores,
		},
	}

	if len(spec.Tags) > 0 {
		submission.Tags = &struct {
			Tag []string `json:"tag"`
		}{Tag: spec.Tags}
	}

	names := make([]string, 0, len(spec.Master.Files))
	for name := range spec.Master.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		file := spec.Master.Files[name]

		staged, err := c.staging.Stage(ctx, file.Source, applicationId+"/"+baseName(file.Source))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stage file \"%s\" (%s)", name, file.Source)
		}

		resourceType := file.Type
		if resourceType == "" {
			resourceType = resourcemanager.ResourceFile
		}

		submission.AMContainerSpec.LocalResources.Entry = append(submission.AMContainerSpec.LocalResources.Entry, localResourceEntry{
			Key: name,
			Value: localResourceValue{
				Resource:   staged.URL,
				Type:       string(resourceType),
				Visibility: "APPLICATION",
				Size:       staged.Size,
				Timestamp:  staged.Timestamp.UnixMilli(),
			},
		})
	}

	env := make(map[string]string, len(spec.Master.Env)+4)
	for key, value := range spec.Master.Env {
		env[key] = value
	}
	for key, value := range c.namespace.Environment(applicationId) {
		env[key] = value
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		submission.AMContainerSpec.Environment.Entry = append(submission.AMContainerSpec.Environment.Entry,
			environmentEntry{Key: key, Value: env[key]})
	}

	submission.AMContainerSpec.Commands.Command = Command(spec.Master.Script)

	return submission, nil
}

// Command wraps a script so that it runs under bash with its output captured in the container's log directory.
func Command(script string) string {
	return fmt.Sprintf("/bin/bash -c %s 1><LOG_DIR>/kernel.stdout 2><LOG_DIR>/kernel.stderr", shellQuote(script))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func baseName(source string) string {
	if i := strings.LastIndexAny(source, `/\`); i >= 0 {
		return source[i+1:]
	}

	return source
}

func (c *Client) Connect(ctx context.Context, applicationId string) resourcemanager.ConnectResult {
	report, err := c.ApplicationReport(ctx, applicationId)
	if err != nil {
		return resourcemanager.Failed(err)
	}

	if report.State != resourcemanager.StateRunning {
		return resourcemanager.NotRunningResult(applicationId, report)
	}

	return resourcemanager.Connected(resourcemanager.NewApplication(applicationId, c.namespace.For(applicationId)))
}

func (c *Client) Kill(ctx context.Context, applicationId string) error {
	report, err := c.ApplicationReport(ctx, applicationId)
	if errors.Is(err, resourcemanager.ErrApplicationNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	if !report.State.IsActive() {
		c.log.Debug("Application %s is already in terminal state %s; nothing to kill.", applicationId, report.State)
		return nil
	}

	err = c.do(ctx, http.MethodPut, "apps/"+url.PathEscape(applicationId)+"/state", &appState{State: "KILLED"}, nil)
	if errors.Is(err, resourcemanager.ErrApplicationNotFound) {
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "failed to kill application %s", applicationId)
	}

	c.log.Info(utils.OrangeStyle.Render("Requested that YARN kill application %s."), applicationId)
	return nil
}

func (c *Client) ApplicationReport(ctx context.Context, applicationId string) (*resourcemanager.ApplicationReport, error) {
	var resp appResponse
	if err := c.do(ctx, http.MethodGet, "apps/"+url.PathEscape(applicationId), nil, &resp); err != nil {
		return nil, err
	}

	return resp.App.report(), nil
}

// do sends a request to the cluster API and decodes the JSON response into out, if out is non-nil.
func (c *Client) do(ctx context.Context, method string, path string, in any, out any) error {
	if c.closed.Load() {
		return resourcemanager.ErrClientClosed
	}

	target := c.baseURL.JoinPath(apiPrefix, path)
	if c.user != "" {
		query := target.Query()
		query.Set("user.name", c.user)
		target.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response to %s %s", method, path)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s: %s", resourcemanager.ErrApplicationNotFound, method, path, remoteMessage(respBody))
	} else if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, remoteMessage(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrapf(err, "failed to decode response to %s %s", method, path)
	}

	return nil
}

func remoteMessage(body []byte) string {
	var remote remoteExceptionResponse
	if err := json.Unmarshal(body, &remote); err == nil && remote.RemoteException.Message != "" {
		return fmt.Sprintf("%s: %s", remote.RemoteException.Exception, remote.RemoteException.Message)
	}

	return strings.TrimSpace(string(body))
}
