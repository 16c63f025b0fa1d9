package main

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DeviceInfo holds the lsblk metadata for one block device. Model,
// serial, vendor, and UUID are routinely empty on USB bridges and SD
// readers; absence is expected, not an error.
type DeviceInfo struct {
	Path       string
	Name       string
	Type       string
	Size       string
	Model      string
	Serial     string
	Vendor     string
	UUID       string
	MountPoint string
}

// syntheticSerialPrefix marks serials derived from the device path so
// they cannot be mistaken for hardware serials.
const syntheticSerialPrefix = "NOID-"

// ProbeDevice collects metadata for a single device via lsblk
func ProbeDevice(ctx context.Context, path string) (*DeviceInfo, error) {
	logger := GetLogger(ctx).WithField("component", "device")

	cmd := exec.CommandContext(ctx, "lsblk", "-dn", "-P",
		"-o", "NAME,TYPE,SIZE,MODEL,SERIAL,VENDOR,UUID,MOUNTPOINT", path)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			logger.WithFields(logrus.Fields{
				"error":  err,
				"stderr": SanitizeLogOutput(string(exitErr.Stderr)),
			}).Error("lsblk command failed")
		}
		return nil, fmt.Errorf("failed to probe device %s: %w", path, err)
	}

	line := strings.TrimSpace(string(output))
	if line == "" {
		return nil, fmt.Errorf("no lsblk output for device %s", path)
	}

	pairs := parseLsblkPairs(line)
	dev := &DeviceInfo{
		Path:       path,
		Name:       pairs["NAME"],
		Type:       pairs["TYPE"],
		Size:       pairs["SIZE"],
		Model:      strings.TrimSpace(pairs["MODEL"]),
		Serial:     strings.TrimSpace(pairs["SERIAL"]),
		Vendor:     strings.TrimSpace(pairs["VENDOR"]),
		UUID:       pairs["UUID"],
		MountPoint: pairs["MOUNTPOINT"],
	}

	logger.WithFields(logrus.Fields{
		"device": path,
		"model":  dev.Model,
		"serial": dev.Serial,
		"size":   dev.Size,
	}).Info("device probed")

	return dev, nil
}

// parseLsblkPairs parses one line of `lsblk -P` output (KEY="VALUE"
// pairs, values may contain spaces).
func parseLsblkPairs(line string) map[string]string {
	pairs := make(map[string]string)
	rest := line
	for {
		eq := strings.Index(rest, "=\"")
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(rest[:eq])
		rest = rest[eq+2:]
		end := strings.Index(rest, "\"")
		if end < 0 {
			break
		}
		pairs[key] = rest[:end]
		rest = rest[end+1:]
	}
	return pairs
}

// ObjectKey derives the object storage key for this device:
// {timestamp}_{model}_{serial}_{size}.img.enc. It always succeeds; each
// missing metadata field falls back to a synthesized value.
func (d *DeviceInfo) ObjectKey(now time.Time) string {
	model := d.Model
	if model == "" {
		model = d.Vendor
	}
	if model == "" {
		model = "UNKNOWN"
	}

	serial := d.Serial
	if serial == "" && len(d.UUID) >= 8 {
		serial = d.UUID[len(d.UUID)-8:]
	}
	if serial == "" {
		serial = syntheticSerialPrefix + sanitizeField(strings.TrimPrefix(d.Path, "/"))
	}

	size := d.Size
	if size == "" {
		size = "0B"
	}

	return fmt.Sprintf("%s_%s_%s_%s%s",
		now.Format("20060102_150405"),
		sanitizeField(model),
		sanitizeField(serial),
		sanitizeField(size),
		ObjectKeySuffix)
}

// sanitizeField makes a metadata value object-key safe
func sanitizeField(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ListCandidates enumerates whole disks that are not mounted anywhere,
// directly or through a partition. Read-only; nothing is opened.
func ListCandidates(ctx context.Context) ([]DeviceInfo, error) {
	cmd := exec.CommandContext(ctx, "lsblk", "-n", "-P",
		"-o", "NAME,TYPE,SIZE,MODEL,SERIAL,MOUNTPOINT")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list block devices: %w", err)
	}
	return parseCandidates(string(output)), nil
}

// parseCandidates filters lsblk output down to unmounted whole disks.
// lsblk prints each disk immediately followed by its partitions, so a
// mounted partition excludes the disk that precedes it.
func parseCandidates(output string) []DeviceInfo {
	var candidates []DeviceInfo
	lastDisk := -1
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pairs := parseLsblkPairs(line)
		switch pairs["TYPE"] {
		case "disk":
			if pairs["MOUNTPOINT"] != "" {
				lastDisk = -1
				continue
			}
			candidates = append(candidates, DeviceInfo{
				Path:       "/dev/" + pairs["NAME"],
				Name:       pairs["NAME"],
				Type:       "disk",
				Size:       pairs["SIZE"],
				Model:      strings.TrimSpace(pairs["MODEL"]),
				Serial:     strings.TrimSpace(pairs["SERIAL"]),
				MountPoint: "",
			})
			lastDisk = len(candidates) - 1
		case "part":
			if pairs["MOUNTPOINT"] != "" && lastDisk >= 0 {
				candidates = append(candidates[:lastDisk], candidates[lastDisk+1:]...)
				lastDisk = -1
			}
		}
	}
	return candidates
}
