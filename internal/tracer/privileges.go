package tracer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	privOnce sync.Once
	privRaw  bool
)

// Privileged reports whether raw-socket probe protocols are available.
// Root always qualifies; on Linux a traceroute binary blessed with
// cap_net_raw also does. Privileges cannot change while we run, so
// the probe happens once.
func Privileged(log *zap.Logger) bool {
	privOnce.Do(func() {
		if log == nil {
			log = zap.NewNop()
		}
		privRaw = probePrivileges(log)
	})
	return privRaw
}

func probePrivileges(log *zap.Logger) bool {
	if runtime.GOOS == "windows" {
		return false
	}
	if os.Geteuid() == 0 {
		log.Debug("running as root, raw sockets available")
		return true
	}
	if runtime.GOOS != "linux" {
		return false
	}
	return tracerouteHasRawCap(log)
}

// tracerouteHasRawCap asks getcap whether the traceroute binary
// carries cap_net_raw. The binary path is resolved through symlinks
// because capabilities attach to the real file.
func tracerouteHasRawCap(log *zap.Logger) bool {
	path, err := exec.LookPath("traceroute")
	if err != nil {
		log.Debug("traceroute binary not found", zap.Error(err))
		return false
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, getcapPath(), "-r", path).Output()
	if err != nil {
		log.Debug("getcap probe failed", zap.String("path", path), zap.Error(err))
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "cap_net_raw=ep") || strings.Contains(line, "cap_net_raw+ep") {
			log.Debug("traceroute has cap_net_raw", zap.String("caps", strings.TrimSpace(line)))
			return true
		}
	}
	return false
}

func getcapPath() string {
	if path, err := exec.LookPath("getcap"); err == nil {
		return path
	}
	return "/sbin/getcap"
}
