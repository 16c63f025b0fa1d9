package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeTempSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "source.img")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func TestDeviceDigestMatchesSHA256(t *testing.T) {
	path, data := writeTempSource(t, 100*1024+13)

	got, n, err := DeviceDigest(context.Background(), path, 4096)
	if err != nil {
		t.Fatalf("DeviceDigest: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("bytes read = %d, want %d", n, len(data))
	}

	sum := sha256.Sum256(data)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("digest = %s, want %s", got, want)
	}
}

func TestDeviceDigestDeterministic(t *testing.T) {
	path, _ := writeTempSource(t, 64*1024)

	a, _, err := DeviceDigest(context.Background(), path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := DeviceDigest(context.Background(), path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("digest not deterministic on static input: %s vs %s", a, b)
	}
}

func TestDeviceDigestBlockSizeIndependent(t *testing.T) {
	path, _ := writeTempSource(t, 50000)

	a, _, err := DeviceDigest(context.Background(), path, 512)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := DeviceDigest(context.Background(), path, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("digest depends on block size: %s vs %s", a, b)
	}
}

func TestDeviceDigestCancelled(t *testing.T) {
	path, _ := writeTempSource(t, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := DeviceDigest(ctx, path, 512); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestDeviceDigestMissingSource(t *testing.T) {
	if _, _, err := DeviceDigest(context.Background(), "/nonexistent/device", 512); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestDeviceDigestInvalidBlockSize(t *testing.T) {
	path, _ := writeTempSource(t, 16)
	if _, _, err := DeviceDigest(context.Background(), path, 0); err == nil {
		t.Error("expected error for zero block size")
	}
}
