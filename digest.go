package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DeviceDigest computes the SHA-256 of the full device byte stream,
// reading sequentially in blockSize blocks. Both integrity passes must
// use the same path and block size so the results are comparable. Each
// call re-reads the entire device; on large disks this dominates the
// runtime of a run.
func DeviceDigest(ctx context.Context, path string, blockSize int) (string, int64, error) {
	if blockSize <= 0 {
		return "", 0, fmt.Errorf("invalid block size: %d", blockSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open device for digest: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, blockSize)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return "", total, err
		}
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", total, fmt.Errorf("device read error during digest: %w", err)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), total, nil
}
