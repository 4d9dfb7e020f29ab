// Package systemcheck verifies that the host can run workflows: the external tools are
// present and executable, the working directories exist and the daemon has the
// privileges disk operations need.
package systemcheck

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"bootmaker/internal/config"
	"bootmaker/internal/planner"
)

// Status represents the health status of a system check.
type Status string

const (
	// StatusOK indicates the check passed successfully.
	StatusOK Status = "ok"
	// StatusError indicates the check failed.
	StatusError Status = "error"
)

// CheckResult represents the result of a single system check.
type CheckResult struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      Status   `json:"status"`
	Message     string   `json:"message"`
	Version     string   `json:"version,omitempty"`
	Details     string   `json:"details,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}

// OK reports whether the check passed.
func (c CheckResult) OK() bool {
	return c.Status == StatusOK
}

// Runner executes system health checks.
type Runner struct {
	cfg     *config.Config
	tools   planner.Tools
	geteuid func() int
	goos    string
}

// NewRunner creates a new system check runner with the provided configuration.
func NewRunner(cfg *config.Config, tools planner.Tools) *Runner {
	return &Runner{
		cfg:     cfg,
		tools:   tools,
		geteuid: os.Geteuid,
		goos:    runtime.GOOS,
	}
}

// Run executes all system checks and returns the results.
func (r *Runner) Run(ctx context.Context) []CheckResult {
	return []CheckResult{
		r.checkPlatform(ctx),
		r.checkPrivileges(),
		r.checkDirectories(),
		r.checkTools(),
	}
}

// Passed reports whether every result is ok.
func Passed(results []CheckResult) bool {
	for _, result := range results {
		if !result.OK() {
			return false
		}
	}
	return true
}

func (r *Runner) checkPlatform(ctx context.Context) CheckResult {
	if r.goos != "darwin" {
		return CheckResult{
			ID:      "platform",
			Name:    "macOS host",
			Status:  StatusError,
			Message: fmt.Sprintf("Unsupported platform %s", r.goos),
			Details: "diskutil, asr and hdiutil only exist on macOS",
		}
	}

	version, err := commandOutput(ctx, "/usr/bin/sw_vers", "-productVersion")
	if err != nil {
		return CheckResult{
			ID:      "platform",
			Name:    "macOS host",
			Status:  StatusOK,
			Message: "macOS detected",
			Details: err.Error(),
		}
	}
	return CheckResult{
		ID:      "platform",
		Name:    "macOS host",
		Status:  StatusOK,
		Message: "macOS detected",
		Version: version,
	}
}

func (r *Runner) checkPrivileges() CheckResult {
	if uid := r.geteuid(); uid != 0 {
		return CheckResult{
			ID:      "privileges",
			Name:    "Root privileges",
			Status:  StatusError,
			Message: "Daemon is not running as root",
			Details: fmt.Sprintf("effective uid %d", uid),
			Remediation: []string{
				"Install the daemon as a LaunchDaemon so launchd starts it as root",
				"For a manual run: sudo bootmakerd",
			},
		}
	}
	return CheckResult{
		ID:      "privileges",
		Name:    "Root privileges",
		Status:  StatusOK,
		Message: "Running as root",
	}
}

func (r *Runner) checkDirectories() CheckResult {
	paths := []string{r.cfg.MountRoot, r.cfg.LogDir}

	seen := make(map[string]struct{})
	created := make([]string, 0, len(paths))

	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, exists := seen[p]; exists {
			continue
		}

		if err := os.MkdirAll(p, 0o755); err != nil { //nolint:gosec // Directory permissions appropriate
			return CheckResult{
				ID:          "directories",
				Name:        "Prepare working directories",
				Status:      StatusError,
				Message:     fmt.Sprintf("Failed to prepare %s", p),
				Details:     err.Error(),
				Remediation: directoryRemediation(p),
			}
		}
		seen[p] = struct{}{}
		created = append(created, p)
	}

	return CheckResult{
		ID:      "directories",
		Name:    "Prepare working directories",
		Status:  StatusOK,
		Message: "Working directories are ready",
		Details: strings.Join(created, "\n"),
	}
}

func (r *Runner) checkTools() CheckResult {
	tools := map[string]string{
		"diskutil": r.tools.Diskutil,
		"asr":      r.tools.ASR,
		"hdiutil":  r.tools.Hdiutil,
		"rm":       r.tools.Rm,
		"cp":       r.tools.Cp,
		"xattr":    r.tools.Xattr,
		"mkdir":    r.tools.Mkdir,
	}
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	var remediation []string
	for _, name := range names {
		if err := executable(tools[name]); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			remediation = append(remediation, fmt.Sprintf("Set [tools] %s in the daemon config to the tool's path", name))
		}
	}

	if len(problems) > 0 {
		return CheckResult{
			ID:          "tools",
			Name:        "Disk tools",
			Status:      StatusError,
			Message:     fmt.Sprintf("%d of %d tools unavailable", len(problems), len(names)),
			Details:     strings.Join(problems, "\n"),
			Remediation: remediation,
		}
	}
	return CheckResult{
		ID:      "tools",
		Name:    "Disk tools",
		Status:  StatusOK,
		Message: "All disk tools found",
	}
}

func executable(path string) error {
	if path == "" {
		return fmt.Errorf("no path configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func commandOutput(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(output)), nil
}

func directoryRemediation(path string) []string {
	return []string{
		fmt.Sprintf("Create the directory: sudo mkdir -p %s", path),
		fmt.Sprintf("Set permissions: sudo chmod 755 %s", path),
	}
}
