package conntrack

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/domain"
)

// Remote hosts that are never worth tracing
var (
	ignoreHosts    = map[string]struct{}{"127.0.0.1": {}, "::1": {}}
	ignorePrefixes = []string{"fe80:", "::ffff"}
)

// PortsByHost maps a remote address to the remote ports it has
// established connections on, sorted and deduplicated.
type PortsByHost map[string][]string

// Hosts returns the addresses, sorted
func (p PortsByHost) Hosts() []string {
	hosts := make([]string, 0, len(p))
	for h := range p {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Source enumerates the remote hosts this machine currently talks to
type Source interface {
	Connections(ctx context.Context) (PortsByHost, error)
}

// System reads the kernel connection table, preferring gopsutil and
// falling back to parsing netstat output when that is denied (gopsutil
// needs elevated rights on some platforms).
type System struct {
	ipv4Only bool
	log      *zap.Logger
}

// NewSystem creates a connection source for this machine
func NewSystem(ipv4Only bool, log *zap.Logger) *System {
	if log == nil {
		log = zap.NewNop()
	}
	return &System{ipv4Only: ipv4Only, log: log}
}

// Connections returns the established remote hosts with their ports
func (s *System) Connections(ctx context.Context) (PortsByHost, error) {
	hosts, err := s.fromTable(ctx)
	if err != nil {
		s.log.Warn("connection table unavailable, falling back to netstat", zap.Error(err))
		hosts, err = s.fromNetstat(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list connections: %w", err)
		}
	}
	return filterHosts(hosts, s.ipv4Only), nil
}

func (s *System) fromTable(ctx context.Context) (PortsByHost, error) {
	kind := "inet"
	if s.ipv4Only {
		kind = "inet4"
	}
	conns, err := gnet.ConnectionsWithContext(ctx, kind)
	if err != nil {
		return nil, err
	}

	set := make(map[string]map[string]struct{})
	for _, c := range conns {
		if c.Status != "ESTABLISHED" || c.Raddr.IP == "" {
			continue
		}
		addPort(set, c.Raddr.IP, strconv.Itoa(int(c.Raddr.Port)))
	}
	return collapse(set), nil
}

func (s *System) fromNetstat(ctx context.Context) (PortsByHost, error) {
	out, err := exec.CommandContext(ctx, "netstat", "-nalW").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run netstat: %w", err)
	}
	return parseNetstat(out, portDelim()), nil
}

// portDelim is the separator between address and port in netstat's
// foreign address column. BSD netstat uses a dot.
func portDelim() string {
	if runtime.GOOS == "darwin" {
		return "."
	}
	return ":"
}

// parseNetstat extracts the foreign addresses of established
// connections from netstat output
func parseNetstat(out []byte, delim string) PortsByHost {
	set := make(map[string]map[string]struct{})
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || fields[5] != "ESTABLISHED" {
			continue
		}
		remote := fields[4]
		i := strings.LastIndex(remote, delim)
		if i <= 0 {
			continue
		}
		host, port := remote[:i], remote[i+1:]
		// Drop the interface zone of link-local addresses
		if j := strings.Index(host, "%"); j >= 0 {
			host = host[:j]
		}
		addPort(set, host, port)
	}
	return collapse(set)
}

// filterHosts drops loopback, link-local and mapped addresses, plus
// anything that does not parse as an address of the wanted family
func filterHosts(hosts PortsByHost, ipv4Only bool) PortsByHost {
	out := make(PortsByHost, len(hosts))
	for host, ports := range hosts {
		if _, skip := ignoreHosts[host]; skip {
			continue
		}
		if hasIgnoredPrefix(host) {
			continue
		}
		if !domain.IsValidIP(host) {
			continue
		}
		if ipv4Only && strings.Contains(host, ":") {
			continue
		}
		out[host] = ports
	}
	return out
}

func hasIgnoredPrefix(host string) bool {
	for _, p := range ignorePrefixes {
		if strings.HasPrefix(host, p) {
			return true
		}
	}
	return false
}

func addPort(set map[string]map[string]struct{}, host, port string) {
	ports, ok := set[host]
	if !ok {
		ports = make(map[string]struct{})
		set[host] = ports
	}
	ports[port] = struct{}{}
}

func collapse(set map[string]map[string]struct{}) PortsByHost {
	out := make(PortsByHost, len(set))
	for host, ports := range set {
		list := make([]string, 0, len(ports))
		for p := range ports {
			list = append(list, p)
		}
		sort.Strings(list)
		out[host] = list
	}
	return out
}
