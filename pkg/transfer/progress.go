package transfer

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// progressWriter adds bytes written through it to a shared counter and
// calls report at most once per interval.
type progressWriter struct {
	writer     io.Writer
	written    *atomic.Int64
	interval   time.Duration
	lastUpdate time.Time
	clock      clock.Clock
	report     func()
}

func newProgressWriter(w io.Writer, written *atomic.Int64, interval time.Duration, clk clock.Clock, report func()) *progressWriter {
	return &progressWriter{
		writer:     w,
		written:    written,
		interval:   interval,
		lastUpdate: clk.Now(),
		clock:      clk,
		report:     report,
	}
}

// Write implements io.Writer with progress reporting
func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written.Add(int64(n))
	if err != nil {
		return n, err
	}

	if now := pw.clock.Now(); now.Sub(pw.lastUpdate) >= pw.interval {
		pw.lastUpdate = now
		pw.report()
	}
	return n, nil
}

// Flush reports the current count regardless of the interval
func (pw *progressWriter) Flush() {
	pw.lastUpdate = pw.clock.Now()
	pw.report()
}
