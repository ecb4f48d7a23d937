// Package agent implements the on-machine reporter that registers the
// host with the wyvernd API and keeps its facts fresh. Machines running
// an agent are by definition running an operating system already, so the
// report carries the OS name and the registry files first-time hosts
// accordingly.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	// ConfigPath is where the agent expects to find its JSON configuration file.
	ConfigPath = "/etc/wyvernd/agent.conf"

	defaultInterval = 30 * time.Second
)

// Config represents the agent configuration stored on disk.
type Config struct {
	API       string `json:"api"`
	Token     string `json:"token"`
	Interface string `json:"interface,omitempty"`
}

// identity is what the agent reports about the host's network presence.
type identity struct {
	mac      string
	ip       string
	hostname string
}

// disk is one reported entry of the host's disk inventory.
type disk struct {
	Device    string `json:"device"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Service is the long-running background process that registers this
// machine with the wyvernd API and re-reports its facts on an interval.
type Service struct {
	client   *http.Client
	config   Config
	logger   *log.Logger
	interval time.Duration

	identify    func(preferred string) (identity, error)
	facts       func() map[string]any
	disks       func() []disk
	nameservers func() []string
}

// NewService loads configuration from the provided path and returns an
// initialized Service instance.
func NewService(configPath string) (*Service, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.API) == "" {
		return nil, fmt.Errorf("config missing api field")
	}

	if err := ensureHTTPS(cfg.API, allowInsecureHTTP()); err != nil {
		return nil, err
	}

	logger := log.New(os.Stdout, "wyvern-agent: ", log.LstdFlags)

	svc := &Service{
		client:      &http.Client{Timeout: 15 * time.Second},
		config:      cfg,
		logger:      logger,
		interval:    defaultInterval,
		identify:    hostIdentity,
		facts:       gatherFacts,
		disks:       readDisks,
		nameservers: readNameservers,
	}

	return svc, nil
}

// Run executes the agent loop until the provided context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.reportOnce(ctx); err != nil {
		s.logger.Printf("initial report failed: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.reportOnce(ctx); err != nil {
				s.logger.Printf("report failed: %v", err)
			}
		}
	}
}

func (s *Service) reportOnce(ctx context.Context) error {
	id, err := s.identify(s.config.Interface)
	if err != nil {
		return fmt.Errorf("identify host: %w", err)
	}

	facts := s.facts()

	payload := map[string]any{
		"mac":   id.mac,
		"facts": facts,
	}
	if id.ip != "" {
		payload["ip"] = id.ip
	}
	if id.hostname != "" {
		payload["hostname"] = id.hostname
	}
	if disks := s.disks(); len(disks) > 0 {
		payload["disks"] = disks
	}
	if nameservers := s.nameservers(); len(nameservers) > 0 {
		payload["nameservers"] = nameservers
	}
	if osName, ok := facts["os"].(string); ok && osName != "" {
		payload["existing_os"] = osName
	}

	return s.sendRegistration(ctx, payload)
}

func (s *Service) sendRegistration(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := strings.TrimRight(s.config.API, "/") + "/v1/machines"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(s.config.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("post registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("post registration unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain response body: %w", err)
	}
	return nil
}

// hostIdentity picks the interface the machine is reachable on. When
// preferred names an interface it must exist; otherwise the first up,
// non-loopback interface with a hardware address and an IPv4 wins.
func hostIdentity(preferred string) (identity, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return identity{}, fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if preferred != "" {
			if iface.Name != preferred {
				continue
			}
		} else {
			if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
				continue
			}
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}

		id := identity{mac: iface.HardwareAddr.String(), hostname: hostname}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				ipNet, ok := addr.(*net.IPNet)
				if !ok {
					continue
				}
				if v4 := ipNet.IP.To4(); v4 != nil && v4.IsGlobalUnicast() {
					id.ip = v4.String()
					break
				}
			}
		}
		return id, nil
	}

	if preferred != "" {
		return identity{}, fmt.Errorf("interface %q not found or has no hardware address", preferred)
	}
	return identity{}, fmt.Errorf("no usable network interface")
}

func gatherFacts() map[string]any {
	facts := map[string]any{
		"cpus": runtime.NumCPU(),
		"arch": runtime.GOARCH,
	}

	if kernel := readKernelRelease(); kernel != "" {
		facts["kernel"] = kernel
	}
	if osName := readOSName(); osName != "" {
		facts["os"] = osName
	}
	if mem := readMemTotalMB(); mem > 0 {
		facts["memory_mb"] = mem
	}

	return facts
}

func readKernelRelease() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readOSName() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	return parsePrettyName(data)
}

func parsePrettyName(data []byte) string {
	for _, line := range strings.Split(string(data), "\n") {
		value, ok := strings.CutPrefix(strings.TrimSpace(line), "PRETTY_NAME=")
		if !ok {
			continue
		}
		return strings.Trim(value, `"`)
	}
	return ""
}

func readMemTotalMB() int {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	return parseMemTotalMB(data)
}

func readDisks() []disk {
	data, err := os.ReadFile("/proc/partitions")
	if err != nil {
		return nil
	}
	return parsePartitions(data)
}

// parsePartitions extracts whole disks from /proc/partitions as /dev
// paths. A name prefixed by an already-seen disk is a partition of it;
// ram, loop, and device-mapper entries are not inventory.
func parsePartitions(data []byte) []disk {
	var disks []disk
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 4 || fields[0] == "major" {
			continue
		}
		name := fields[3]
		if strings.HasPrefix(name, "ram") || strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "dm-") {
			continue
		}
		device := "/dev/" + name
		partition := false
		for _, d := range disks {
			if strings.HasPrefix(device, d.Device) {
				partition = true
				break
			}
		}
		if partition {
			continue
		}
		blocks, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		disks = append(disks, disk{Device: device, SizeBytes: blocks * 1024})
	}
	return disks
}

func readNameservers() []string {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return nil
	}
	return parseResolvConf(data)
}

func parseResolvConf(data []byte) []string {
	var servers []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		if net.ParseIP(fields[1]) != nil {
			servers = append(servers, fields[1])
		}
	}
	return servers
}

func parseMemTotalMB(data []byte) int {
	for _, line := range strings.Split(string(data), "\n") {
		value, ok := strings.CutPrefix(line, "MemTotal:")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return 0
		}
		kb, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}

func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

func allowInsecureHTTP() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("WYVERN_ALLOW_INSECURE_HTTP")))
	switch value {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func ensureHTTPS(raw string, allowInsecure bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse api url: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http", "":
		if allowInsecure {
			return nil
		}
		if parsed.Scheme == "" {
			return fmt.Errorf("api url must include https scheme")
		}
		return fmt.Errorf("api url must use https: %s", raw)
	default:
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("api url must use https: %s", raw)
	}
}
