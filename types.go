package main

import (
	"time"
)

// RunRecord represents the database record for one duplication run
type RunRecord struct {
	ID            string    `db:"id"`
	DevicePath    string    `db:"device_path"`
	Bucket        string    `db:"bucket"`
	ObjectKey     string    `db:"object_key"`
	State         string    `db:"state"`
	DigestBefore  string    `db:"digest_before"`
	DigestAfter   string    `db:"digest_after"`
	BytesUploaded int64     `db:"bytes_uploaded"`
	Warning       string    `db:"warning"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// States for a duplication run
const (
	StateNew      = "new"
	StateHashed   = "hashed"
	StateUploaded = "uploaded"
	StateVerified = "verified"
	StateFailed   = "failed"
)

// Filesystem layout
const (
	StateDir       = "/var/lib/diskdup"
	DefaultDBPath  = "/var/lib/diskdup/runs.sqlite"
	DefaultLogPath = "/var/log/diskdup.log"
)

// Transfer configuration
const (
	DefaultBlockSize = 4 * 1024 * 1024 // digest read block size
	DefaultRegion    = "us-east-1"
	ObjectKeySuffix  = ".img.enc"
)

// KeyEnvVar is the only accepted source of the encryption passphrase.
// Passing it on the command line would leak it through the process list.
const KeyEnvVar = "ENCRYPTION_KEY"
