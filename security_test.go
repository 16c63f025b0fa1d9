package main

import (
	"os"
	"strings"
	"testing"
)

func TestLoadPassphrase(t *testing.T) {
	t.Setenv(KeyEnvVar, "hunter2")

	pw, err := LoadPassphrase()
	if err != nil {
		t.Fatalf("LoadPassphrase: %v", err)
	}
	if string(pw) != "hunter2" {
		t.Errorf("passphrase = %q", pw)
	}
	if _, ok := os.LookupEnv(KeyEnvVar); ok {
		t.Error("passphrase still present in process environment")
	}
}

func TestLoadPassphraseMissing(t *testing.T) {
	t.Setenv(KeyEnvVar, "")
	os.Unsetenv(KeyEnvVar)

	if _, err := LoadPassphrase(); err == nil {
		t.Error("expected error when key is unset")
	}
}

func TestLoadPassphraseEmpty(t *testing.T) {
	t.Setenv(KeyEnvVar, "")

	if _, err := LoadPassphrase(); err == nil {
		t.Error("expected error when key is empty")
	}
}

func TestZeroize(t *testing.T) {
	b := []byte("sensitive")
	zeroize(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}
}

func TestSanitizeLogOutput(t *testing.T) {
	in := "ok line\nAWS_SECRET_KEY=abcd\nanother ok line\nENCRYPTION_KEY=topsecret"
	out := SanitizeLogOutput(in)

	if strings.Contains(out, "abcd") || strings.Contains(out, "topsecret") {
		t.Errorf("credentials leaked through sanitizer: %q", out)
	}
	if !strings.Contains(out, "ok line") || !strings.Contains(out, "another ok line") {
		t.Errorf("sanitizer dropped benign lines: %q", out)
	}
}

func TestValidateDevicePathRegularFile(t *testing.T) {
	path, _ := writeTempSource(t, 16)
	if err := ValidateDevicePath(path); err == nil {
		t.Error("regular file should not validate as a device")
	}
}

func TestValidateDevicePathMissing(t *testing.T) {
	if err := ValidateDevicePath("/dev/does-not-exist"); err == nil {
		t.Error("expected error for missing device")
	}
}

func TestRequiredToolsIncludeGpiosetOnlyWhenLEDEnabled(t *testing.T) {
	cfg := DefaultConfig()
	for _, tool := range cfg.RequiredTools() {
		if tool == "gpioset" {
			t.Error("gpioset required without LED integration")
		}
	}

	cfg.LEDEnabled = true
	found := false
	for _, tool := range cfg.RequiredTools() {
		if tool == "gpioset" {
			found = true
		}
	}
	if !found {
		t.Error("gpioset not required with LED integration enabled")
	}
}
