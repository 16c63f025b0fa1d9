package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pipeline is the duplication pipeline controller. One run is strictly
// sequential: pre-transfer digest, encrypt-and-upload, post-transfer
// digest, comparison. All three stages need exclusive sequential read
// access to the device, so program order is the only lock.
type Pipeline struct {
	cfg       *Config
	store     ObjectStore
	db        *Database
	indicator StatusIndicator
	logger    logrus.FieldLogger
}

func NewPipeline(cfg *Config, store ObjectStore, db *Database, indicator StatusIndicator, logger logrus.FieldLogger) *Pipeline {
	if indicator == nil {
		indicator = noopIndicator{}
	}
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		db:        db,
		indicator: indicator,
		logger:    logger.WithField("component", "pipeline"),
	}
}

// Run executes the full duplication-and-verification pipeline for one
// device. The passphrase is only used to construct the encrypting
// stage; the caller zeroizes it afterwards.
func (p *Pipeline) Run(ctx context.Context, dev *DeviceInfo, bucket string, passphrase []byte) error {
	objectKey := dev.ObjectKey(time.Now())
	logger := p.logger.WithFields(logrus.Fields{
		"device":     dev.Path,
		"object_key": objectKey,
	})

	lockName := "device_" + dev.Path
	locked, err := p.db.TryLock(ctx, lockName)
	if err != nil {
		return fmt.Errorf("failed to acquire device lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another run is already imaging %s", dev.Path)
	}
	defer p.db.ReleaseLock(ctx, lockName)

	run, err := p.db.CreateRun(ctx, dev.Path, bucket, objectKey)
	if err != nil {
		return fmt.Errorf("failed to journal run: %w", err)
	}

	// Pre-transfer digest. This is a full sequential read of the
	// device, and it happens again after the transfer; the two reads
	// are the most expensive part of the whole run.
	logger.Info("computing pre-transfer digest (full device read)")
	before, bytesRead, err := DeviceDigest(ctx, dev.Path, p.cfg.BlockSize)
	if err != nil {
		p.failRun(ctx, run.ID)
		return fmt.Errorf("pre-transfer digest failed: %w", err)
	}
	if err := p.db.RecordDigestBefore(ctx, run.ID, before); err != nil {
		p.failRun(ctx, run.ID)
		return err
	}
	if err := p.db.UpdateRunState(ctx, run.ID, StateHashed); err != nil {
		p.failRun(ctx, run.ID)
		return err
	}
	logger.WithFields(logrus.Fields{
		"sha256":     before,
		"bytes_read": bytesRead,
	}).Info("pre-transfer digest computed")

	// Encrypt-and-upload relay.
	uploaded, err := p.transfer(ctx, dev.Path, objectKey, passphrase)
	if err != nil {
		p.cleanupPartialObject(ctx, objectKey, logger)
		p.failRun(ctx, run.ID)
		return fmt.Errorf("transfer failed: %w", err)
	}
	if err := p.db.RecordUpload(ctx, run.ID, uploaded); err != nil {
		p.failRun(ctx, run.ID)
		return err
	}
	if err := p.db.UpdateRunState(ctx, run.ID, StateUploaded); err != nil {
		p.failRun(ctx, run.ID)
		return err
	}
	logger.WithField("bytes_uploaded", uploaded).Info("encrypted image uploaded")

	// Post-transfer digest, second full device read.
	logger.Info("computing post-transfer digest (full device read)")
	after, _, err := DeviceDigest(ctx, dev.Path, p.cfg.BlockSize)
	if err != nil {
		// The upload itself succeeded; keep the object and fail the run.
		p.failRun(ctx, run.ID)
		return fmt.Errorf("post-transfer digest failed: %w", err)
	}
	if err := p.db.RecordDigestAfter(ctx, run.ID, after); err != nil {
		p.failRun(ctx, run.ID)
		return err
	}

	p.verify(ctx, run.ID, before, after, logger)

	if err := p.db.UpdateRunState(ctx, run.ID, StateVerified); err != nil {
		return err
	}
	logger.Info("duplication run completed")
	return nil
}

// transfer runs the unbroken relay device → encrypt → progress → object
// store while the status indicator blinks. The indicator ends solid-on
// on success and off on failure or interrupt.
func (p *Pipeline) transfer(ctx context.Context, devicePath, objectKey string, passphrase []byte) (int64, error) {
	blinkCtx, stopBlink := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.indicator.Blink(blinkCtx, p.cfg.BlinkInterval)
	}()

	success := false
	defer func() {
		stopBlink()
		wg.Wait()
		if success {
			if err := p.indicator.On(); err != nil {
				p.logger.WithError(err).Warn("failed to set indicator success state")
			}
		}
		// Blink already left the indicator off on the failure path.
	}()

	device, err := os.Open(devicePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open device: %w", err)
	}
	defer device.Close()

	enc, err := NewEncryptReader(device, passphrase, p.cfg.KDF, p.cfg.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("failed to set up encryption: %w", err)
	}

	progress := newProgressReader(enc, p.logger, p.cfg.ProgressInterval)

	if err := p.store.Upload(ctx, objectKey, progress); err != nil {
		return progress.Total(), err
	}

	success = true
	return progress.Total(), nil
}

// cleanupPartialObject removes the partially written object after a
// failed transfer. Deletion failure is a warning, never an escalation:
// the run already failed, and the operator just needs to know manual
// cleanup may be required.
func (p *Pipeline) cleanupPartialObject(ctx context.Context, objectKey string, logger logrus.FieldLogger) {
	// A fresh timeout context: the run context may already be cancelled.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := p.store.Delete(cleanupCtx, objectKey); err != nil {
		logger.WithError(err).Warn("failed to delete partial object; manual cleanup may be required")
		return
	}
	logger.Info("partial object removed")
}

// verify compares the two digests. A mismatch is a warning, not a
// failure: a live source device may legitimately change between the two
// reads, and that is detectable but not preventable.
func (p *Pipeline) verify(ctx context.Context, runID, before, after string, logger logrus.FieldLogger) {
	if before == after {
		logger.WithField("sha256", before).Info("integrity verified: device digests match")
		return
	}

	warning := fmt.Sprintf("digest mismatch: before=%s after=%s", before, after)
	logger.WithFields(logrus.Fields{
		"digest_before": before,
		"digest_after":  after,
	}).Warn("device digests differ; source may have changed during transfer")

	if err := p.db.RecordWarning(ctx, runID, warning); err != nil {
		logger.WithError(err).Warn("failed to journal digest warning")
	}
}

func (p *Pipeline) failRun(ctx context.Context, runID string) {
	// Journal with a fresh context so a cancelled run still records its end state.
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.db.UpdateRunState(failCtx, runID, StateFailed); err != nil {
		p.logger.WithError(err).Warn("failed to journal failed state")
	}
}
