// Package capture spawns ffmpeg against the loopback RTSP proxy and
// enforces the snapshot's timeout and exit-status contract. Argument
// vector construction follows the fixed-argv, never-a-shell style the
// reference cctv capture service uses for its own ffmpeg invocation;
// the watchdog timeout and signal escalation follow the teacher's
// health prober's dial-timeout discipline.
package capture

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/similie/hyphen-rtsp-tunnel/internal/platform/paths"
	"github.com/similie/hyphen-rtsp-tunnel/internal/sanitize"
)

// Profile is the resolved, ephemeral camera profile for one capture.
type Profile struct {
	CamUser  string
	CamPass  string
	RTSPPath string
}

// SensorOverride is the subset of a device's sensor metadata that can
// override process-wide camera defaults.
type SensorOverride struct {
	CamUser  string
	CamPass  string
	RTSPPath string
}

// ResolveProfile applies per-device sensor metadata over the
// process-wide defaults, per §4.6's resolution order.
func ResolveProfile(defaults Profile, override SensorOverride) Profile {
	p := defaults
	if override.CamUser != "" {
		p.CamUser = override.CamUser
	}
	if override.CamPass != "" {
		p.CamPass = override.CamPass
	}
	if override.RTSPPath != "" {
		p.RTSPPath = override.RTSPPath
	}
	return p
}

// Result is the outcome of one capture attempt.
type Result struct {
	OutFile    string
	CapturedAt time.Time
}

// Runner constructs RTSP URLs against a fixed loopback proxy port and
// spawns ffmpeg to extract one still frame.
type Runner struct {
	proxyPort int
	outDir    string
	timeout   time.Duration
}

func NewRunner(proxyPort int, outDir string, timeout time.Duration) *Runner {
	return &Runner{proxyPort: proxyPort, outDir: outDir, timeout: timeout}
}

// Run spawns ffmpeg for deviceID using profile, enforcing the watchdog
// timeout. Canceling ctx aborts the capture early; the gateway creates
// ctx with context.WithCancel and hands the cancel to the owning session
// via Session.SetCaptureCancel. Run itself blocks until ffmpeg exits,
// times out, or ctx is canceled.
func (r *Runner) Run(ctx context.Context, deviceID string, profile Profile) (Result, error) {
	if profile.CamPass == "" {
		return Result{}, fmt.Errorf("CAM_PASS required")
	}

	safeID := sanitize.SafeDeviceID(deviceID)
	if safeID == "" {
		safeID = "unknown"
	}

	capturedAt := time.Now().UTC()
	outFile, err := r.outFilePath(safeID, capturedAt)
	if err != nil {
		return Result{}, err
	}

	rtspURL := r.buildRTSPURL(profile)

	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-an", "-frames:v", "1", "-q:v", "3", "-update", "1",
		outFile,
	)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("ffmpeg failed to start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	var runErr error
	select {
	case runErr = <-done:
	case <-timer.C:
		// Watchdog expiry: strongest available signal, no grace period.
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
		return Result{}, fmt.Errorf("ffmpeg failed (exit -1)")
	case <-ctx.Done():
		// Caller-initiated cancellation: escalate term then kill.
		runErr = escalateAndWait(cmd, done)
	}

	if runErr != nil {
		return Result{}, fmt.Errorf("ffmpeg failed (exit %d)", exitCode(runErr))
	}

	info, statErr := os.Stat(outFile)
	if statErr != nil || info.Size() == 0 {
		return Result{}, fmt.Errorf("ffmpeg failed (exit 0): output missing or empty")
	}

	return Result{OutFile: outFile, CapturedAt: capturedAt}, nil
}

// escalateAndWait sends SIGTERM and gives ffmpeg a short grace period
// to exit before escalating to SIGKILL.
func escalateAndWait(cmd *exec.Cmd, done chan error) error {
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return <-done
	}
}

func (r *Runner) buildRTSPURL(profile Profile) string {
	return fmt.Sprintf("rtsp://%s:%s@127.0.0.1:%d%s",
		url.QueryEscape(profile.CamUser),
		url.QueryEscape(profile.CamPass),
		r.proxyPort,
		profile.RTSPPath,
	)
}

func (r *Runner) outFilePath(safeDeviceID string, at time.Time) (string, error) {
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(at.Format("2006-01-02T15:04:05.000Z"))
	name := fmt.Sprintf("snap-%s.jpg", stamp)
	dir, err := paths.SafeJoin(r.outDir, safeDeviceID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// exitCode extracts the child's exit status, defaulting to -1 when it
// cannot be determined (signal kill, context cancellation).
func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
