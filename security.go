package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// CheckPreconditions verifies everything that must hold before the
// device is touched: privileges, external tools, and the state
// directory. Any failure here is fatal and happens before device I/O.
func CheckPreconditions(ctx context.Context, cfg *Config) error {
	logger := GetLogger(ctx).WithField("component", "preconditions")

	if os.Geteuid() != 0 {
		return fmt.Errorf("diskdup must run as root to read block devices")
	}

	for _, tool := range cfg.RequiredTools() {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("required command not found: %s", tool)
		}
	}

	if err := SetupSecureDirectories(cfg); err != nil {
		return err
	}

	logger.Info("precondition checks passed")
	return nil
}

// SetupSecureDirectories creates the state and log directories with
// restrictive permissions.
func SetupSecureDirectories(cfg *Config) error {
	dirs := []string{cfg.StateDir, filepath.Dir(cfg.LogPath)}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ValidateDevicePath checks that the target exists and is a block device
func ValidateDevicePath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("invalid device %s: %w", path, err)
	}
	if info.Mode()&os.ModeDevice == 0 {
		return fmt.Errorf("%s is not a device", path)
	}
	return nil
}

// LoadPassphrase reads the encryption passphrase from the environment
// and removes it from the process environment so child processes never
// inherit it. The caller must zeroize the returned slice when done.
func LoadPassphrase() ([]byte, error) {
	v, ok := os.LookupEnv(KeyEnvVar)
	if !ok || v == "" {
		return nil, fmt.Errorf("%s is not set", KeyEnvVar)
	}
	if err := os.Unsetenv(KeyEnvVar); err != nil {
		return nil, fmt.Errorf("failed to clear %s from environment: %w", KeyEnvVar, err)
	}
	return []byte(v), nil
}

// zeroize overwrites key material in place. KeepAlive prevents the
// wipe from being eliminated as a dead store.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// SanitizeLogOutput removes credential material from text that is about
// to be logged, such as stderr captured from external tools.
func SanitizeLogOutput(output string) string {
	lines := strings.Split(output, "\n")
	clean := make([]string, 0, len(lines))
	for _, line := range lines {
		if containsSensitive(line) {
			clean = append(clean, "[REDACTED: credential]")
			continue
		}
		clean = append(clean, line)
	}
	return strings.Join(clean, "\n")
}

func containsSensitive(line string) bool {
	lower := strings.ToLower(line)
	patterns := []string{
		"aws_access_key",
		"aws_secret_key",
		"accesskeyid",
		"secretaccesskey",
		"sessiontoken",
		strings.ToLower(KeyEnvVar),
	}
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
