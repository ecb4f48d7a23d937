package power

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// IPMITool shells out to ipmitool for BMCs that only speak IPMI.
type IPMITool struct {
	address  string
	username string
	password string
	run      commandRunner
}

// NewIPMITool creates a driver for the given BMC endpoint.
func NewIPMITool(address, username, password string) *IPMITool {
	return &IPMITool{
		address:  address,
		username: username,
		password: password,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func (d *IPMITool) PowerOn(ctx context.Context) error {
	_, err := d.chassis(ctx, "on")
	return err
}

func (d *IPMITool) PowerOff(ctx context.Context) error {
	_, err := d.chassis(ctx, "off")
	return err
}

func (d *IPMITool) PowerCycle(ctx context.Context) error {
	_, err := d.chassis(ctx, "cycle")
	return err
}

func (d *IPMITool) Status(ctx context.Context) (State, error) {
	output, err := d.chassis(ctx, "status")
	if err != nil {
		return StateUnknown, err
	}
	return parseChassisStatus(output), nil
}

func (d *IPMITool) chassis(ctx context.Context, verb string) (string, error) {
	args := []string{"-I", "lanplus", "-H", d.address, "-U", d.username, "-P", d.password, "chassis", "power", verb}
	output, err := d.run(ctx, "ipmitool", args...)
	if err != nil {
		return "", fmt.Errorf("ipmitool power %s: %w, output: %s", verb, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func parseChassisStatus(output string) State {
	line := strings.ToLower(strings.TrimSpace(output))
	switch {
	case strings.Contains(line, "is on"):
		return StateOn
	case strings.Contains(line, "is off"):
		return StateOff
	default:
		return StateUnknown
	}
}
