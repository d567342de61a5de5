package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// GroupUsage is the resource footprint of a service leader and all of its
// descendants at one point in time.
type GroupUsage struct {
	Pid        int
	Processes  int
	CPUPercent float64
	RSSBytes   uint64
	NumThreads int32
	NumFDs     int32
	Timestamp  time.Time
}

// ResourceConfig configures periodic sampling of service resource usage.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceCollector samples CPU and memory usage of running services.
// Sample is called from the supervisor loop; it only collects once per
// interval and is a no-op when disabled.
type ResourceCollector struct {
	enabled  bool
	interval time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	last   time.Time
	latest map[string]GroupUsage

	cpuPercent *prometheus.GaugeVec
	rssBytes   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
	processes  *prometheus.GaugeVec
}

// NewResourceCollector creates a collector; a zero interval defaults to 5s.
func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "up",
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		now:        time.Now,
		latest:     make(map[string]GroupUsage),
		cpuPercent: gauge("cpu_percent", "CPU usage of the service group in percent."),
		rssBytes:   gauge("memory_rss_bytes", "Resident memory of the service group."),
		numThreads: gauge("threads", "Threads across the service group."),
		numFDs:     gauge("open_fds", "Open file descriptors across the service group."),
		processes:  gauge("processes", "Number of processes in the service group."),
	}
}

// Register registers the resource gauges with r.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.rssBytes, c.numThreads, c.processes}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Sample collects usage for every name -> leader pid in pids if the interval
// has elapsed since the previous collection. Services missing from pids have
// their series removed.
func (c *ResourceCollector) Sample(pids map[string]int) {
	if !c.enabled {
		return
	}
	now := c.now()
	c.mu.Lock()
	if !c.last.IsZero() && now.Sub(c.last) < c.interval {
		c.mu.Unlock()
		return
	}
	c.last = now
	c.mu.Unlock()

	results := make(map[string]GroupUsage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		usage, err := groupUsage(pid, now)
		if err != nil {
			slog.Debug("failed to sample service resources", "name", name, "pid", pid, "error", err)
			continue
		}
		results[name] = usage
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, u := range results {
		c.cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		c.rssBytes.WithLabelValues(name).Set(float64(u.RSSBytes))
		c.numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
		c.processes.WithLabelValues(name).Set(float64(u.Processes))
		if runtime.GOOS != "windows" {
			c.numFDs.WithLabelValues(name).Set(float64(u.NumFDs))
		}
		c.latest[name] = u
	}
	for name := range c.latest {
		if _, ok := results[name]; ok {
			continue
		}
		delete(c.latest, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.rssBytes.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.processes.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
}

// Latest returns the most recent sample for name.
func (c *ResourceCollector) Latest(name string) (GroupUsage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[name]
	return u, ok
}

// groupUsage sums the usage of pid and its descendants. Descendants that
// vanish mid-walk are skipped.
func groupUsage(pid int, ts time.Time) (GroupUsage, error) {
	leader, err := process.NewProcess(int32(pid))
	if err != nil {
		return GroupUsage{}, fmt.Errorf("open process %d: %w", pid, err)
	}
	usage := GroupUsage{Pid: pid, Timestamp: ts}
	if err := addUsage(&usage, leader); err != nil {
		return GroupUsage{}, err
	}

	queue := []*process.Process{leader}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, child := range children {
			if addUsage(&usage, child) == nil {
				queue = append(queue, child)
			}
		}
	}
	return usage, nil
}

func addUsage(u *GroupUsage, p *process.Process) error {
	mem, err := p.MemoryInfo()
	if err != nil {
		return fmt.Errorf("memory info for %d: %w", p.Pid, err)
	}
	u.Processes++
	u.RSSBytes += mem.RSS
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent += cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads += n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs += n
		}
	}
	return nil
}
