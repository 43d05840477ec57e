package fetch

import (
	"io"
	"time"
)

// Progress is a point-in-time transfer snapshot. One snapshot is emitted
// per arrived chunk, synchronously and in arrival order.
type Progress struct {
	// Loaded is the cumulative byte count including this chunk.
	Loaded int64

	// Total is the expected byte count, or -1 when the source did not
	// declare one.
	Total int64

	// Chunk is the size of the chunk that produced this snapshot.
	Chunk int

	// Percent is Loaded/Total scaled to 0..100, or 0 when Total is
	// unknown.
	Percent float64

	// Elapsed is the time since the transfer started.
	Elapsed time.Duration

	// ETA estimates the remaining time from the average rate so far, or
	// -1 when Total is unknown.
	ETA time.Duration
}

// ProgressFunc receives snapshots. It runs on the transfer goroutine, so it
// must not block.
type ProgressFunc func(Progress)

// snapshot derives a Progress from the transfer counters. Kept pure so the
// arithmetic is testable with a fixed clock.
func snapshot(start, now time.Time, loaded, total int64, chunk int) Progress {
	p := Progress{
		Loaded:  loaded,
		Total:   total,
		Chunk:   chunk,
		Elapsed: now.Sub(start),
		ETA:     -1,
	}

	if total > 0 {
		p.Percent = float64(loaded) / float64(total) * 100

		if loaded > 0 && p.Elapsed > 0 {
			remaining := total - loaded
			p.ETA = time.Duration(float64(p.Elapsed) / float64(loaded) * float64(remaining))
		}
	}

	return p
}

// progressReader emits one snapshot per successful read of the underlying
// source. Sitting directly above the transport reader, its read sizes are
// the network arrival chunks.
type progressReader struct {
	r      io.Reader
	fn     ProgressFunc
	start  time.Time
	now    func() time.Time
	loaded int64
	total  int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.fn(snapshot(p.start, p.now(), p.loaded, p.total, n))
	}

	return n, err
}
