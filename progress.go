package main

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// progressReader counts bytes flowing through the relay and logs the
// transfer rate at a fixed interval. It is a pure observer; errors pass
// through untouched.
type progressReader struct {
	r        io.Reader
	logger   logrus.FieldLogger
	interval time.Duration
	start    time.Time
	last     time.Time
	total    int64
}

func newProgressReader(r io.Reader, logger logrus.FieldLogger, interval time.Duration) *progressReader {
	now := time.Now()
	return &progressReader{
		r:        r,
		logger:   logger,
		interval: interval,
		start:    now,
		last:     now,
	}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.total += int64(n)
	}
	if now := time.Now(); now.Sub(p.last) >= p.interval {
		elapsed := now.Sub(p.start).Seconds()
		p.logger.WithFields(logrus.Fields{
			"transferred_mb": p.total / (1024 * 1024),
			"rate_mbps":      float64(p.total) / (1024 * 1024) / elapsed,
		}).Info("transfer progress")
		p.last = now
	}
	return n, err
}

// Total returns the number of bytes relayed so far
func (p *progressReader) Total() int64 {
	return p.total
}
