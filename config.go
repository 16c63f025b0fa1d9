package main

import (
	"time"
)

// Config holds all run configuration. It is built once at startup and
// passed to the pipeline controller; nothing in the program mutates it
// afterwards.
type Config struct {
	LogPath  string
	DBPath   string
	StateDir string

	BlockSize int // digest read block size
	ChunkSize int // encryption frame size
	Region    string

	LEDEnabled    bool
	GPIOChip      string
	GPIOLine      int
	BlinkInterval time.Duration

	ProgressInterval time.Duration

	KDF KDFParams
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogPath:          DefaultLogPath,
		DBPath:           DefaultDBPath,
		StateDir:         StateDir,
		BlockSize:        DefaultBlockSize,
		ChunkSize:        defaultChunkSize,
		Region:           DefaultRegion,
		GPIOChip:         "gpiochip0",
		GPIOLine:         17,
		BlinkInterval:    500 * time.Millisecond,
		ProgressInterval: 5 * time.Second,
		KDF:              DefaultKDFParams(),
	}
}

// RequiredTools lists the external commands that must be present before
// any device access happens.
func (c *Config) RequiredTools() []string {
	tools := []string{"lsblk"}
	if c.LEDEnabled {
		tools = append(tools, "gpioset")
	}
	return tools
}
