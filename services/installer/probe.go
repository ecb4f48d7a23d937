package installer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
)

// maxAddressOffset bounds how far from the host address the floating IP
// search walks.
const maxAddressOffset = 20

// Prober checks whether an address already answers on the local segment.
type Prober interface {
	InUse(ctx context.Context, ip string) (bool, error)
}

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// PingProber probes candidates with a single ICMP echo.
type PingProber struct {
	run commandRunner
}

// NewPingProber creates the default prober.
func NewPingProber() *PingProber {
	return &PingProber{
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func (p *PingProber) InUse(ctx context.Context, ip string) (bool, error) {
	_, err := p.run(ctx, "ping", "-c", "1", "-W", "1", ip)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// No echo reply.
		return false, nil
	}
	return false, err
}

// candidateIPs walks offsets from the host's last octet, staying inside
// 1..254 and never yielding the host address itself.
func candidateIPs(hostIP string, maxOffset int) ([]string, error) {
	parsed := net.ParseIP(hostIP)
	if parsed == nil || parsed.To4() == nil {
		return nil, fmt.Errorf("host ip %q is not a valid IPv4 address", hostIP)
	}
	ip4 := parsed.To4()
	base := int(ip4[3])

	var out []string
	for off := 1; off <= maxOffset; off++ {
		last := (base + off) % 254
		if last == 0 {
			last = 254
		}
		if last == base {
			continue
		}
		out = append(out, fmt.Sprintf("%d.%d.%d.%d", ip4[0], ip4[1], ip4[2], last))
	}
	return out, nil
}

// pickFloatingIP claims the first probe-free candidate near the host
// address. Addresses in skip (the host's own) are never considered; a
// candidate whose probe errors is passed over rather than trusted.
func pickFloatingIP(ctx context.Context, prober Prober, hostIP string, skip map[string]bool, maxOffset int) (string, error) {
	candidates, err := candidateIPs(hostIP, maxOffset)
	if err != nil {
		return "", err
	}

	for _, candidate := range candidates {
		if skip[candidate] {
			continue
		}
		inUse, err := prober.InUse(ctx, candidate)
		if err != nil || inUse {
			continue
		}
		return candidate, nil
	}

	return "", &AddressConflictError{
		Reason: fmt.Sprintf("no free address within %d offsets of %s", maxOffset, hostIP),
	}
}

// localAddrs lists the host's own IPv4 addresses so the floating IP
// search never lands on one.
func localAddrs() map[string]bool {
	out := map[string]bool{}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			out[ip4.String()] = true
		}
	}
	return out
}
