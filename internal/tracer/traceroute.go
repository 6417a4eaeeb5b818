package tracer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/domain"
)

const (
	defaultMaxHops      = 64
	defaultProbeTimeout = 3
)

// protoPreference orders probe protocols by how often routers answer
// them. The cycle starts here and falls back through the rest.
var protoPreference = []string{"icmp", "udp", "tcp"}

// Runner performs one traceroute measurement. Implementations exist
// for the local system binary, an SSH vantage point and test fakes.
type Runner interface {
	// Trace measures the path to dest using the given protocol.
	// Unanswered hops come back unresolved; a giveup run of stars
	// truncates the trace early.
	Trace(ctx context.Context, dest, proto string) (domain.Trace, error)

	// Capabilities lists the protocols worth trying for dest, most
	// preferred first.
	Capabilities(dest string) []string
}

// SystemRunner runs the platform traceroute binary
type SystemRunner struct {
	goos         string
	privileged   bool
	giveUp       int
	maxHops      int
	probeTimeout int
	log          *zap.Logger
}

// NewSystemRunner locates the platform traceroute binary and probes
// raw-socket privileges once.
func NewSystemRunner(giveUp int, log *zap.Logger) (*SystemRunner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bin := "traceroute"
	if runtime.GOOS == "windows" {
		bin = "tracert"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("failed to locate %s: %w", bin, err)
	}
	return &SystemRunner{
		goos:         runtime.GOOS,
		privileged:   Privileged(log),
		giveUp:       giveUp,
		maxHops:      defaultMaxHops,
		probeTimeout: defaultProbeTimeout,
		log:          log,
	}, nil
}

// Capabilities returns the protocols this platform supports for dest
func (r *SystemRunner) Capabilities(dest string) []string {
	return protocolsFor(r.goos, r.privileged, isIPv6(dest))
}

// Trace runs one traceroute and parses the output into a trace
func (r *SystemRunner) Trace(ctx context.Context, dest, proto string) (domain.Trace, error) {
	bin, args := commandArgs(r.goos, dest, proto, r.probeTimeout, r.maxHops)
	cmd := exec.CommandContext(ctx, bin, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe traceroute output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}
	r.log.Debug("running traceroute",
		zap.String("destination", dest),
		zap.String("cmd", bin+" "+strings.Join(args, " ")))

	ips, killed := parseHops(bufio.NewScanner(stdout), r.goos, r.giveUp, func() {
		r.log.Warn("non-responding hops in a row, terminating trace",
			zap.String("destination", dest),
			zap.Int("stars", r.giveUp))
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})

	err = cmd.Wait()
	if err != nil && !killed && ctx.Err() == nil {
		return nil, fmt.Errorf("%s exited: %w, stderr: %s",
			bin, err, strings.TrimSpace(stderr.String()))
	}
	return traceFromIPs(ips), nil
}

// parseHops reads traceroute output, one hop per line. After giveUp
// consecutive unanswered hops the trace is cut short: stop is called
// to kill the producing process and reading ends. The trailing stars
// stay in the result.
func parseHops(sc *bufio.Scanner, goos string, giveUp int, stop func()) ([]string, bool) {
	var ips []string
	stars := 0
	// Linux traceroute prints its header on stdout, the BSDs on stderr
	skipHeader := goos == "linux"
	for sc.Scan() {
		if skipHeader {
			skipHeader = false
			continue
		}
		ip, ok := parseLine(goos, sc.Text())
		if !ok {
			continue
		}
		if ip == "" {
			stars++
		} else {
			stars = 0
		}
		ips = append(ips, ip)
		if giveUp > 0 && stars == giveUp {
			if stop != nil {
				stop()
			}
			return ips, true
		}
	}
	return ips, false
}

// parseLine extracts the responding address from one output line.
// Unix traceroute with -q1 prints "N  addr  rtt" or "N  *"; the
// second field is the address or a star. tracert puts the address
// last and surrounds the table with prose lines.
func parseLine(goos, line string) (string, bool) {
	fields := strings.Fields(line)
	if goos == "windows" {
		if len(fields) < 2 {
			return "", false
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			return "", false
		}
		last := fields[len(fields)-1]
		if !domain.IsValidIP(last) {
			return "", true
		}
		return last, true
	}
	if len(fields) < 2 {
		return "", true
	}
	ip := fields[1]
	if ip == "*" {
		return "", true
	}
	return ip, true
}

// commandArgs builds the traceroute invocation for one measurement.
// Linux traceroute selects the protocol with -I/-T flags, the BSD
// variants take -P and use a separate traceroute6 binary. A single
// probe per hop keeps the output at one line per hop.
func commandArgs(goos, dest, proto string, probeTimeout, maxHops int) (string, []string) {
	ipv6 := isIPv6(dest)
	switch goos {
	case "windows":
		args := []string{"-d", "-h", strconv.Itoa(maxHops)}
		if ipv6 {
			args = append(args, "-6")
		} else {
			args = append(args, "-4")
		}
		return "tracert", append(args, dest)
	case "linux":
		args := []string{"-4"}
		if ipv6 {
			args = []string{"-6"}
		}
		switch proto {
		case "icmp":
			args = append(args, "-I")
		case "tcp":
			args = append(args, "-T")
		}
		return "traceroute", append(args, "-n", "-q1", dest)
	default:
		bin := "traceroute"
		args := []string{"-n", "-q1"}
		if ipv6 {
			bin = "traceroute6"
			if proto == "icmp" {
				args = append(args, "-I")
			}
		} else {
			args = append(args, "-P", proto)
		}
		args = append(args, "-w", strconv.Itoa(probeTimeout), "-m", strconv.Itoa(maxHops))
		return bin, append(args, dest)
	}
}

// protocolsFor returns the probe protocols available on a platform,
// preference-ordered. Linux needs raw sockets (root or cap_net_raw)
// for anything but UDP; the BSD traceroutes handle all protocols
// unprivileged; tracert only speaks ICMP. IPv6 narrows every platform
// to ICMP and UDP.
func protocolsFor(goos string, privileged, ipv6 bool) []string {
	var supported []string
	switch goos {
	case "linux":
		supported = []string{"udp"}
		if privileged {
			supported = []string{"icmp", "udp", "tcp"}
		}
	case "windows":
		supported = []string{"icmp"}
	default:
		supported = []string{"icmp", "udp", "tcp", "gre"}
	}
	if ipv6 && goos != "windows" {
		supported = intersect(supported, []string{"icmp", "udp"})
	}
	return orderByPreference(supported)
}

func intersect(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, s := range a {
		for _, t := range b {
			if s == t {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// orderByPreference moves the preferred protocols to the front,
// keeping the rest in their given order.
func orderByPreference(supported []string) []string {
	out := make([]string, 0, len(supported))
	for _, proto := range protoPreference {
		for _, s := range supported {
			if s == proto {
				out = append(out, s)
			}
		}
	}
	for _, s := range supported {
		seen := false
		for _, o := range out {
			if o == s {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, s)
		}
	}
	return out
}

func traceFromIPs(ips []string) domain.Trace {
	tr := make(domain.Trace, len(ips))
	for i, ip := range ips {
		tr[i] = domain.NewHop(i, ip)
	}
	return tr
}

func isIPv6(host string) bool {
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Is6() && !addr.Is4In6()
}
