package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: diskdup [flags] <source_device> <destination_bucket>

Reads a block device, encrypts the byte stream, uploads it to the
destination bucket, and verifies integrity by hashing the device before
and after the transfer. The encryption passphrase must be supplied via
the %s environment variable, never on the command line.

Invoked with fewer than two positional arguments, diskdup lists
candidate unmounted block devices and exits.

Flags:
`, KeyEnvVar)
	flag.PrintDefaults()
}

func main() {
	listFlag := flag.Bool("list", false, "list candidate unmounted block devices and exit")
	ledFlag := flag.Bool("led", false, "blink a GPIO status LED during the transfer (requires gpioset)")
	gpioChip := flag.String("gpio-chip", "", "GPIO chip for the status LED")
	gpioLine := flag.Int("gpio-line", -1, "GPIO line for the status LED")
	blockSize := flag.Int("block-size", DefaultBlockSize, "digest read block size in bytes")
	region := flag.String("region", DefaultRegion, "S3 region of the destination bucket")
	flag.Usage = usage
	flag.Parse()

	cfg := DefaultConfig()
	cfg.LEDEnabled = *ledFlag
	cfg.BlockSize = *blockSize
	cfg.Region = *region
	if *gpioChip != "" {
		cfg.GPIOChip = *gpioChip
	}
	if *gpioLine >= 0 {
		cfg.GPIOLine = *gpioLine
	}

	logger := setupLogger(cfg)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = WithLogger(ctx, logger)

	args := flag.Args()

	// Fewer than two positional arguments has always meant "show me the
	// candidates"; -list is the documented way to ask for the same thing.
	if *listFlag || len(args) < 2 {
		if err := listCandidates(ctx, logger); err != nil {
			logger.WithError(err).Fatal("failed to list devices")
		}
		return
	}

	if len(args) != 2 {
		usage()
		os.Exit(1)
	}

	devicePath, bucket := args[0], args[1]

	// Precondition gate: everything here is fatal and happens before
	// any device access.
	passphrase, err := LoadPassphrase()
	if err != nil {
		logger.WithError(err).Error("missing encryption key")
		usage()
		os.Exit(1)
	}

	if err := CheckPreconditions(ctx, cfg); err != nil {
		zeroize(passphrase)
		logger.WithError(err).Fatal("precondition check failed")
	}

	if err := ValidateDevicePath(devicePath); err != nil {
		zeroize(passphrase)
		logger.WithError(err).Fatal("invalid source device")
	}

	db, err := NewDatabase(cfg.DBPath)
	if err != nil {
		zeroize(passphrase)
		logger.WithError(err).Fatal("failed to open run journal")
	}
	defer db.Close()

	store, err := NewS3Client(ctx, bucket, cfg.Region)
	if err != nil {
		zeroize(passphrase)
		logger.WithError(err).Fatal("failed to initialize S3 client")
	}

	var indicator StatusIndicator
	if cfg.LEDEnabled {
		indicator = NewGPIOIndicator(cfg.GPIOChip, cfg.GPIOLine, logger)
	}

	dev, err := ProbeDevice(ctx, devicePath)
	if err != nil {
		zeroize(passphrase)
		logger.WithError(err).Fatal("failed to probe device")
	}

	pipeline := NewPipeline(cfg, store, db, indicator, logger)

	err = pipeline.Run(ctx, dev, bucket, passphrase)
	zeroize(passphrase)
	if err != nil {
		logger.WithError(err).Error("duplication failed")
		os.Exit(1)
	}

	logger.WithFields(logrus.Fields{
		"device": devicePath,
		"bucket": bucket,
	}).Info("duplication completed successfully")
}

// setupLogger configures the process-wide logger: timestamped text
// lines to both stdout and the fixed log file. A log file that cannot
// be opened degrades to stdout-only with a warning so the list-only
// path still works without privileges.
func setupLogger(cfg *Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)

	f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		logger.SetOutput(os.Stdout)
		logger.WithError(err).Warn("cannot open log file, logging to stdout only")
		return logger
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return logger
}

func listCandidates(ctx context.Context, logger *logrus.Logger) error {
	devices, err := ListCandidates(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		logger.Info("no unmounted block devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-16s %-10s %-24s %s\n", d.Path, d.Size, d.Model, d.Serial)
	}
	return nil
}
