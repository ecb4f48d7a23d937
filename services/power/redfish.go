package power

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Redfish drives power through a BMC's Redfish API. BMCs almost always
// present self-signed certificates, so verification is skipped.
type Redfish struct {
	base     string
	username string
	password string
	client   *http.Client
}

// NewRedfish creates a driver for the given BMC endpoint. The address may
// omit the scheme; https is assumed.
func NewRedfish(address, username, password string) *Redfish {
	base := address
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}

	return &Redfish{
		base:     strings.TrimRight(base, "/"),
		username: username,
		password: password,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (d *Redfish) PowerOn(ctx context.Context) error {
	return d.reset(ctx, "On")
}

func (d *Redfish) PowerOff(ctx context.Context) error {
	return d.reset(ctx, "ForceOff")
}

func (d *Redfish) PowerCycle(ctx context.Context) error {
	return d.reset(ctx, "ForceRestart")
}

func (d *Redfish) Status(ctx context.Context) (State, error) {
	systemPath, err := d.firstSystem(ctx)
	if err != nil {
		return StateUnknown, err
	}

	var system struct {
		PowerState string `json:"PowerState"`
	}
	if err := d.do(ctx, http.MethodGet, systemPath, nil, &system); err != nil {
		return StateUnknown, err
	}

	switch strings.ToLower(system.PowerState) {
	case "on":
		return StateOn, nil
	case "off":
		return StateOff, nil
	default:
		return StateUnknown, nil
	}
}

func (d *Redfish) reset(ctx context.Context, resetType string) error {
	systemPath, err := d.firstSystem(ctx)
	if err != nil {
		return err
	}

	body := map[string]string{"ResetType": resetType}
	return d.do(ctx, http.MethodPost, systemPath+"/Actions/ComputerSystem.Reset", body, nil)
}

// firstSystem resolves the sole managed system's resource path.
func (d *Redfish) firstSystem(ctx context.Context) (string, error) {
	var collection struct {
		Members []struct {
			ID string `json:"@odata.id"`
		} `json:"Members"`
	}
	if err := d.do(ctx, http.MethodGet, "/redfish/v1/Systems", nil, &collection); err != nil {
		return "", err
	}
	if len(collection.Members) == 0 {
		return "", fmt.Errorf("bmc reports no systems")
	}
	return collection.Members[0].ID, nil
}

func (d *Redfish) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(d.username, d.password)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
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
