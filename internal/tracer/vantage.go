package tracer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/SIDN/pathvis/internal/domain"
)

// A fully unanswered remote trace runs minutes before traceroute
// itself gives up.
const vantageCommandTimeout = 2 * time.Minute

// Vantage runs traceroutes on a remote host over SSH, measuring the
// path as seen from there. The remote is assumed to be a Linux box
// whose traceroute can use every protocol; local privilege probing
// does not apply.
type Vantage struct {
	addr         string
	sshConfig    *ssh.ClientConfig
	giveUp       int
	maxHops      int
	probeTimeout int
	timeout      time.Duration
	log          *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewVantage creates a vantage runner with key-based authentication.
// addr without a port defaults to 22.
func NewVantage(addr, user, keyPath string, giveUp int, log *zap.Logger) (*Vantage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	timeout := 10 * time.Second
	return &Vantage{
		addr: addr,
		sshConfig: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		},
		giveUp:       giveUp,
		maxHops:      defaultMaxHops,
		probeTimeout: defaultProbeTimeout,
		timeout:      timeout,
		log:          log,
	}, nil
}

// Capabilities assumes a privileged Linux traceroute on the remote
func (v *Vantage) Capabilities(dest string) []string {
	return protocolsFor("linux", true, isIPv6(dest))
}

// Trace runs the traceroute on the vantage host and parses its output
func (v *Vantage) Trace(ctx context.Context, dest, proto string) (domain.Trace, error) {
	client, err := v.connect(ctx)
	if err != nil {
		return nil, err
	}

	bin, args := commandArgs("linux", dest, proto, v.probeTimeout, v.maxHops)
	out, err := v.runCommand(ctx, client, bin+" "+strings.Join(args, " "))
	if err != nil {
		v.drop(client)
		return nil, err
	}

	// The remote process cannot be killed mid-stream, so the giveup
	// truncation happens on the collected output.
	ips, _ := parseHops(bufio.NewScanner(strings.NewReader(out)), "linux", v.giveUp, nil)
	return traceFromIPs(ips), nil
}

// Close drops the SSH connection
func (v *Vantage) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.client != nil {
		v.client.Close()
		v.client = nil
	}
}

// connect returns the cached SSH client, dialing when there is none
func (v *Vantage) connect(ctx context.Context) (*ssh.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.client != nil {
		return v.client, nil
	}

	dialer := &net.Dialer{Timeout: v.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", v.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial vantage: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, v.addr, v.sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish SSH connection: %w", err)
	}
	v.client = ssh.NewClient(sshConn, chans, reqs)
	v.log.Info("connected to vantage", zap.String("addr", v.addr))
	return v.client, nil
}

// drop discards a client after a failure so the next trace redials
func (v *Vantage) drop(client *ssh.Client) {
	v.mu.Lock()
	if v.client == client {
		v.client = nil
	}
	v.mu.Unlock()
	client.Close()
}

// runCommand executes one command on the vantage and returns stdout
func (v *Vantage) runCommand(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	done := make(chan error, 1)
	var output []byte
	go func() {
		var err error
		output, err = session.Output(cmd)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			// Traceroutes that give up exit non-zero but still
			// printed the hops we need
			if _, ok := err.(*ssh.ExitError); ok {
				return string(output), nil
			}
			return "", fmt.Errorf("command failed: %w", err)
		}
		return string(output), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case <-time.After(vantageCommandTimeout):
		_ = session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("command timeout")
	}
}
