package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("cluster resource not found")

// FetchError reports a non-2xx answer from the cluster API server.
type FetchError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client is a typed HTTP client for the workflow cluster's API server.
// It speaks only to the handful of resources the engine manages.
type Client struct {
	base      *url.URL
	token     string
	namespace string
	client    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithNamespace overrides the namespace used for namespaced resources.
func WithNamespace(ns string) ClientOption {
	return func(c *Client) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient creates a client from parsed kubeconfig credentials.
func NewClient(creds Credentials, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(creds.Server, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	tlsCfg, err := creds.tlsConfig()
	if err != nil {
		return nil, err
	}

	c := &Client{
		base:      base,
		token:     creds.Token,
		namespace: DefaultNamespace,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Namespace returns the namespace this client operates in.
func (c *Client) Namespace() string { return c.namespace }

// GetWorkflow fetches the named workflow, including live status.
func (c *Client) GetWorkflow(ctx context.Context, name string) (Workflow, error) {
	var wf Workflow
	err := c.do(ctx, http.MethodGet, c.workflowPath(name), nil, &wf)
	return wf, err
}

// CreateWorkflow submits a new workflow resource.
func (c *Client) CreateWorkflow(ctx context.Context, wf Workflow) error {
	if wf.Metadata.Namespace == "" {
		wf.Metadata.Namespace = c.namespace
	}
	return c.do(ctx, http.MethodPost, c.workflowPath(""), wf, nil)
}

// DeleteWorkflow removes the named workflow. Absent resources are fine.
func (c *Client) DeleteWorkflow(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, c.workflowPath(name), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// EnsureHardware creates the hardware resource or replaces it in place,
// preserving the server-side resource version on update.
func (c *Client) EnsureHardware(ctx context.Context, hw Hardware) error {
	if hw.Metadata.Namespace == "" {
		hw.Metadata.Namespace = c.namespace
	}

	var existing Hardware
	err := c.do(ctx, http.MethodGet, c.hardwarePath(hw.Metadata.Name), nil, &existing)
	switch {
	case errors.Is(err, ErrNotFound):
		return c.do(ctx, http.MethodPost, c.hardwarePath(""), hw, nil)
	case err != nil:
		return err
	}

	hw.Metadata.ResourceVersion = existing.Metadata.ResourceVersion
	return c.do(ctx, http.MethodPut, c.hardwarePath(hw.Metadata.Name), hw, nil)
}

// DeleteHardware removes the hardware resource. Absent resources are fine.
func (c *Client) DeleteHardware(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, c.hardwarePath(name), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// EnsureTemplate creates or replaces the named template resource.
func (c *Client) EnsureTemplate(ctx context.Context, tpl Template) error {
	if tpl.Metadata.Namespace == "" {
		tpl.Metadata.Namespace = c.namespace
	}

	var existing Template
	err := c.do(ctx, http.MethodGet, c.templatePath(tpl.Metadata.Name), nil, &existing)
	switch {
	case errors.Is(err, ErrNotFound):
		return c.do(ctx, http.MethodPost, c.templatePath(""), tpl, nil)
	case err != nil:
		return err
	}

	tpl.Metadata.ResourceVersion = existing.Metadata.ResourceVersion
	return c.do(ctx, http.MethodPut, c.templatePath(tpl.Metadata.Name), tpl, nil)
}

// NodesReady counts cluster nodes and how many report the Ready condition.
func (c *Client) NodesReady(ctx context.Context) (ready, total int, err error) {
	var list struct {
		Items []struct {
			Status struct {
				Conditions []struct {
					Type   string `json:"type"`
					Status string `json:"status"`
				} `json:"conditions"`
			} `json:"status"`
		} `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes", nil, &list); err != nil {
		return 0, 0, err
	}

	for _, node := range list.Items {
		total++
		for _, cond := range node.Status.Conditions {
			if cond.Type == "Ready" && cond.Status == "True" {
				ready++
				break
			}
		}
	}
	return ready, total, nil
}

// StatefulSetsReady counts stateful sets in the namespace and how many
// have all replicas ready.
func (c *Client) StatefulSetsReady(ctx context.Context, namespace string) (ready, total int, err error) {
	if namespace == "" {
		namespace = c.namespace
	}

	var list struct {
		Items []struct {
			Spec struct {
				Replicas *int `json:"replicas"`
			} `json:"spec"`
			Status struct {
				ReadyReplicas int `json:"readyReplicas"`
			} `json:"status"`
		} `json:"items"`
	}
	path := fmt.Sprintf("/apis/apps/v1/namespaces/%s/statefulsets", namespace)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return 0, 0, err
	}

	for _, set := range list.Items {
		total++
		want := 1
		if set.Spec.Replicas != nil {
			want = *set.Spec.Replicas
		}
		if set.Status.ReadyReplicas >= want {
			ready++
		}
	}
	return ready, total, nil
}

// ServiceIngressIP returns the load balancer address assigned to a service,
// or empty when none has been allocated yet.
func (c *Client) ServiceIngressIP(ctx context.Context, namespace, name string) (string, error) {
	if namespace == "" {
		namespace = c.namespace
	}

	var svc struct {
		Status struct {
			LoadBalancer struct {
				Ingress []struct {
					IP string `json:"ip"`
				} `json:"ingress"`
			} `json:"loadBalancer"`
		} `json:"status"`
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/services/%s", namespace, name)
	if err := c.do(ctx, http.MethodGet, path, nil, &svc); err != nil {
		return "", err
	}

	if len(svc.Status.LoadBalancer.Ingress) == 0 {
		return "", nil
	}
	return svc.Status.LoadBalancer.Ingress[0].IP, nil
}

func (c *Client) workflowPath(name string) string {
	return c.resourcePath("workflows", name)
}

func (c *Client) hardwarePath(name string) string {
	return c.resourcePath("hardware", name)
}

func (c *Client) templatePath(name string) string {
	return c.resourcePath("templates", name)
}

func (c *Client) resourcePath(plural, name string) string {
	path := fmt.Sprintf("/apis/%s/namespaces/%s/%s", apiVersion, c.namespace, plural)
	if name != "" {
		path += "/" + name
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &FetchError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
