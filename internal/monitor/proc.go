package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// ProcSampler reads /proc. CPU utilisation is the busy share of jiffies
// between consecutive samples, so the first sample after construction
// reports the average since boot.
type ProcSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
	havePrev  bool
}

// NewProcSampler opens the default procfs mount. It fails with
// ErrUnavailable on hosts without /proc.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample implements Sampler.
func (p *ProcSampler) Sample() (Usage, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return Usage{}, fmt.Errorf("read /proc/stat: %w", err)
	}
	mem, err := p.fs.Meminfo()
	if err != nil {
		return Usage{}, fmt.Errorf("read /proc/meminfo: %w", err)
	}

	u := Usage{Timestamp: time.Now()}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	total := c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	busy := total - idle

	p.mu.Lock()
	dBusy, dTotal := busy, total
	if p.havePrev {
		dBusy, dTotal = busy-p.prevBusy, total-p.prevTotal
	}
	p.prevBusy, p.prevTotal, p.havePrev = busy, total, true
	p.mu.Unlock()
	if dTotal > 0 {
		u.CPUPercent = 100 * dBusy / dTotal
	}

	if mem.MemTotal != nil && *mem.MemTotal > 0 {
		available := uint64(0)
		switch {
		case mem.MemAvailable != nil:
			available = *mem.MemAvailable
		case mem.MemFree != nil:
			available = *mem.MemFree
		}
		u.MemoryPercent = 100 * float64(*mem.MemTotal-min(available, *mem.MemTotal)) / float64(*mem.MemTotal)
	}

	if self, err := p.fs.Self(); err == nil {
		if ps, err := self.Stat(); err == nil {
			u.ProcessRSS = uint64(ps.ResidentMemory())
		}
	}
	return u, nil
}

type failedSampler struct{ err error }

func (f failedSampler) Sample() (Usage, error) { return Usage{}, f.err }
