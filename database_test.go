package main

import (
	"context"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	run, err := db.CreateRun(ctx, "/dev/sdb", "evidence-bucket", "20240101_120000_ACME_SN123_32G.img.enc")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.State != StateNew {
		t.Errorf("new run state = %q, want %q", run.State, StateNew)
	}
	if run.ID == "" {
		t.Error("run ID must not be empty")
	}

	if err := db.RecordDigestBefore(ctx, run.ID, "abc"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateRunState(ctx, run.ID, StateHashed); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordUpload(ctx, run.ID, 12345); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordDigestAfter(ctx, run.ID, "def"); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordWarning(ctx, run.ID, "digest mismatch"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateRunState(ctx, run.ID, StateVerified); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetRun(ctx, run.ObjectKey)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != StateVerified {
		t.Errorf("state = %q, want %q", got.State, StateVerified)
	}
	if got.DigestBefore != "abc" || got.DigestAfter != "def" {
		t.Errorf("digests = %q/%q, want abc/def", got.DigestBefore, got.DigestAfter)
	}
	if got.BytesUploaded != 12345 {
		t.Errorf("bytes_uploaded = %d, want 12345", got.BytesUploaded)
	}
	if got.Warning != "digest mismatch" {
		t.Errorf("warning = %q", got.Warning)
	}
}

func TestDuplicateObjectKeyRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.CreateRun(ctx, "/dev/sdb", "b", "same-key"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateRun(ctx, "/dev/sdc", "b", "same-key"); err == nil {
		t.Error("expected unique constraint violation for duplicate object key")
	}
}

func TestTryLock(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	locked, err := db.TryLock(ctx, "device_/dev/sdb")
	if err != nil || !locked {
		t.Fatalf("first TryLock = %v, %v", locked, err)
	}

	locked, err = db.TryLock(ctx, "device_/dev/sdb")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Error("second TryLock should not succeed while lock is held")
	}

	if err := db.ReleaseLock(ctx, "device_/dev/sdb"); err != nil {
		t.Fatal(err)
	}

	locked, err = db.TryLock(ctx, "device_/dev/sdb")
	if err != nil || !locked {
		t.Errorf("TryLock after release = %v, %v", locked, err)
	}
}

func TestGetRunMissing(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetRun(context.Background(), "no-such-key"); err == nil {
		t.Error("expected error for missing run")
	}
}
