// Package sandbox runs tool shell commands in their own process group with
// a timeout and an allowlist of binaries. It provides process isolation
// and timeouts, NOT filesystem isolation — commands see the real HOME so
// git, ssh, and friends keep working.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config tunes the sandbox.
type Config struct {
	WorkDir       string
	Timeout       time.Duration
	AllowedBins   []string
	EnableNetwork bool
	TempDir       string
}

// DefaultConfig returns a sandbox rooted at the user's home directory with
// the standard developer toolchain allowed.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = "/tmp/kimi-sandbox"
	}
	return &Config{
		WorkDir: homeDir,
		Timeout: 60 * time.Second,
		AllowedBins: []string{
			// the shell itself (ExecuteShell uses bash -c)
			"bash", "sh",
			// basics
			"ls", "cat", "head", "tail", "grep", "awk", "sed",
			"find", "wc", "sort", "uniq", "cut", "tr",
			// file ops
			"cp", "mv", "rm", "mkdir", "touch", "chmod",
			// dev tools
			"go", "python", "python3", "node", "npm", "npx",
			"git", "make", "cargo", "rustc",
			// system info
			"pwd", "whoami", "date", "env", "echo", "printf",
			// network
			"curl", "wget", "ping",
			// archives
			"tar", "gzip", "unzip", "rsync",
		},
		EnableNetwork: true,
		TempDir:       "/tmp/kimi-sandbox-tmp",
	}
}

// ProcessSandbox executes allowlisted commands.
type ProcessSandbox struct {
	config *Config
	logger *zap.Logger
}

// NewProcessSandbox creates the sandbox, ensuring its directories exist.
func NewProcessSandbox(config *Config, logger *zap.Logger) (*ProcessSandbox, error) {
	if err := os.MkdirAll(config.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if err := os.MkdirAll(config.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &ProcessSandbox{config: config, logger: logger}, nil
}

// Result captures one execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Killed   bool // killed by timeout
}

// Execute runs one allowlisted command.
func (s *ProcessSandbox) Execute(ctx context.Context, command string, args []string) (*Result, error) {
	startTime := time.Now()

	if !s.isAllowed(command) {
		return nil, fmt.Errorf("command '%s' is not allowed", command)
	}

	cmdPath, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("command not found: %s", command)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, cmdPath, args...)
	cmd.Dir = s.config.WorkDir
	cmd.Env = s.buildEnvironment()
	cmd.SysProcAttr = s.buildSysProcAttr()
	cmd.Cancel = func() error {
		// Kill the whole process group, not only the shell.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("executing sandboxed command",
		zap.String("command", command),
		zap.Strings("args", args),
		zap.String("work_dir", s.config.WorkDir),
	)

	err = cmd.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(startTime),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.Killed = true
		result.ExitCode = -1
		s.logger.Warn("command killed by timeout",
			zap.String("command", command),
			zap.Duration("timeout", s.config.Timeout),
		)
		return result, fmt.Errorf("command timed out after %v", s.config.Timeout)
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("execution failed: %w", err)
		}
	}

	return result, nil
}

// ExecuteShell runs a command string through bash -c.
func (s *ProcessSandbox) ExecuteShell(ctx context.Context, command string) (*Result, error) {
	return s.Execute(ctx, "bash", []string{"-c", command})
}

func (s *ProcessSandbox) isAllowed(command string) bool {
	baseName := filepath.Base(command)
	for _, allowed := range s.config.AllowedBins {
		if allowed == baseName || allowed == command {
			return true
		}
	}
	return false
}

// buildEnvironment passes through PATH, HOME and USER plus proxy settings
// when networking is enabled, and sets TMPDIR and the locale; everything
// else is dropped.
func (s *ProcessSandbox) buildEnvironment() []string {
	sysPath := os.Getenv("PATH")
	if sysPath == "" {
		sysPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}

	realHome, _ := os.UserHomeDir()
	if realHome == "" {
		realHome = s.config.WorkDir
	}

	env := []string{
		"PATH=" + sysPath,
		"HOME=" + realHome,
		"TMPDIR=" + s.config.TempDir,
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"USER=" + os.Getenv("USER"),
	}

	if s.config.EnableNetwork {
		if proxy := os.Getenv("HTTP_PROXY"); proxy != "" {
			env = append(env, "HTTP_PROXY="+proxy)
		}
		if proxy := os.Getenv("HTTPS_PROXY"); proxy != "" {
			env = append(env, "HTTPS_PROXY="+proxy)
		}
	}

	return env
}

// buildSysProcAttr puts the child in its own process group so a timeout
// kill takes the whole pipeline with it.
func (s *ProcessSandbox) buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// SetWorkDir points subsequent executions at dir.
func (s *ProcessSandbox) SetWorkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("invalid work dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("work dir is not a directory: %s", dir)
	}
	s.config.WorkDir = dir
	return nil
}

// GetWorkDir returns the current working directory.
func (s *ProcessSandbox) GetWorkDir() string {
	return s.config.WorkDir
}

// AddAllowedBin extends the allowlist.
func (s *ProcessSandbox) AddAllowedBin(bin string) {
	s.config.AllowedBins = append(s.config.AllowedBins, bin)
}

// Cleanup removes files named script-* from the sandbox temp dir. Execute
// itself writes no such files.
func (s *ProcessSandbox) Cleanup() error {
	entries, err := os.ReadDir(s.config.TempDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "script-") {
			os.Remove(filepath.Join(s.config.TempDir, entry.Name()))
		}
	}
	return nil
}
