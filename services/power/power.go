// Package power drives machine power through baseboard management
// controllers. Two transports are supported: ipmitool over lanplus and
// the Redfish HTTP API.
package power

import (
	"context"
	"errors"

	"wyvernd/services/registry"
)

// State is the reported chassis power state.
type State string

const (
	StateOn      State = "on"
	StateOff     State = "off"
	StateUnknown State = "unknown"
)

// ErrNoBMC is returned for machines registered without BMC details.
var ErrNoBMC = errors.New("machine has no bmc configured")

// Driver controls one machine's power.
type Driver interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	PowerCycle(ctx context.Context) error
	Status(ctx context.Context) (State, error)
}

// ForMachine selects a driver from the machine's BMC configuration.
func ForMachine(bmc *registry.BMCConfig) (Driver, error) {
	if bmc == nil || bmc.Address == "" {
		return nil, ErrNoBMC
	}

	switch bmc.Kind {
	case registry.BMCKindIPMI:
		return NewIPMITool(bmc.Address, bmc.Username, bmc.Password), nil
	case registry.BMCKindRedfish:
		return NewRedfish(bmc.Address, bmc.Username, bmc.Password), nil
	default:
		return nil, errors.New("unsupported bmc kind: " + bmc.Kind)
	}
}
