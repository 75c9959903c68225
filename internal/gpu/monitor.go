package gpu

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/technosupport/ts-sentinel/internal/metrics"
)

// Level is the discrete memory-pressure signal derived from VRAM utilization.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Sampler reports VRAM utilization as a percentage in [0,100].
type Sampler interface {
	Sample(ctx context.Context) (usedPct float64, err error)
	Name() string
}

// CLISampler shells out to nvidia-smi.
type CLISampler struct{}

func (CLISampler) Name() string { return "nvidia-smi" }

func (CLISampler) Sample(ctx context.Context) (float64, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.used,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return 0, fmt.Errorf("nvidia-smi: unexpected output %q", line)
	}
	used, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	total, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || total <= 0 {
		return 0, fmt.Errorf("nvidia-smi: unparseable output %q", line)
	}
	return used / total * 100, nil
}

// ContainerSampler reads the AI container's reported VRAM metrics endpoint.
type ContainerSampler struct {
	URL    string
	Client *http.Client
}

func (ContainerSampler) Name() string { return "ai-container" }

func (s ContainerSampler) Sample(ctx context.Context) (float64, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("gpu metrics endpoint: status %d", resp.StatusCode)
	}

	var body struct {
		VRAMUsedMB  float64 `json:"vram_used_mb"`
		VRAMTotalMB float64 `json:"vram_total_mb"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	if body.VRAMTotalMB <= 0 {
		return 0, fmt.Errorf("gpu metrics endpoint: zero total")
	}
	return body.VRAMUsedMB / body.VRAMTotalMB * 100, nil
}

// MockSampler returns a fixed value for dev environments without a GPU.
type MockSampler struct {
	UsedPct float64
}

func (MockSampler) Name() string { return "mock" }

func (s MockSampler) Sample(ctx context.Context) (float64, error) {
	return s.UsedPct, nil
}

// Callback receives level transitions.
type Callback func(newLevel, oldLevel Level)

type Config struct {
	PollInterval      time.Duration
	WarningThreshold  float64 // used_pct >= -> WARNING
	CriticalThreshold float64 // used_pct >= -> CRITICAL
	HistoryWindow     time.Duration
}

type sample struct {
	at      time.Time
	usedPct float64
	level   Level
}

// Monitor polls a sampler chain, classifies pressure, and fires callbacks on
// level transitions. Sampling errors fail safe: the reading is treated as
// NORMAL and no callbacks fire.
type Monitor struct {
	cfg      Config
	samplers []Sampler

	mu                  sync.Mutex
	level               Level
	history             []sample
	callbacks           []Callback
	totalWarningEvents  int64
	totalCriticalEvents int64
	lastWarningAt       time.Time
	lastCriticalAt      time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

func NewMonitor(cfg Config, samplers ...Sampler) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.WarningThreshold == 0 {
		cfg.WarningThreshold = 85
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = 95
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = time.Hour
	}
	return &Monitor{
		cfg:      cfg,
		samplers: samplers,
		stopChan: make(chan struct{}),
	}
}

// OnLevelChange registers a callback fired on every level transition.
func (m *Monitor) OnLevelChange(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// CurrentLevel returns the last classified pressure level.
func (m *Monitor) CurrentLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Classify maps a utilization percentage to a level. Boundaries are
// inclusive: exactly 85% is WARNING, exactly 95% is CRITICAL.
func (m *Monitor) Classify(usedPct float64) Level {
	switch {
	case usedPct >= m.cfg.CriticalThreshold:
		return LevelCritical
	case usedPct >= m.cfg.WarningThreshold:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Poll takes one sample through the chain and applies it. Exposed so tests
// and the sweep loop share one code path.
func (m *Monitor) Poll(ctx context.Context) Level {
	usedPct, err := m.sampleChain(ctx)
	if err != nil {
		// Fail safe: unknown GPU state must not throttle the pipeline.
		log.Printf("[WARN] GPU Monitor: sampling failed: %v", err)
		return LevelNormal
	}
	return m.apply(usedPct)
}

func (m *Monitor) sampleChain(ctx context.Context) (float64, error) {
	var lastErr error
	for _, s := range m.samplers {
		pct, err := s.Sample(ctx)
		if err == nil {
			return pct, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no samplers configured")
	}
	return 0, lastErr
}

func (m *Monitor) apply(usedPct float64) Level {
	newLevel := m.Classify(usedPct)

	m.mu.Lock()
	oldLevel := m.level
	m.level = newLevel
	now := time.Now()
	m.history = append(m.history, sample{at: now, usedPct: usedPct, level: newLevel})
	m.trimHistoryLocked(now)

	changed := newLevel != oldLevel
	if changed {
		switch newLevel {
		case LevelWarning:
			m.totalWarningEvents++
			m.lastWarningAt = now
		case LevelCritical:
			m.totalCriticalEvents++
			m.lastCriticalAt = now
		}
	}
	callbacks := append([]Callback{}, m.callbacks...)
	m.mu.Unlock()

	metrics.GPUMemoryPressure.Set(float64(newLevel))

	if changed {
		log.Printf("GPU Monitor: memory pressure %s -> %s (%.1f%% used)", oldLevel, newLevel, usedPct)
		for _, cb := range callbacks {
			cb(newLevel, oldLevel)
		}
	}
	return newLevel
}

func (m *Monitor) trimHistoryLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.HistoryWindow)
	i := 0
	for i < len(m.history) && m.history[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.history = m.history[i:]
	}
}

// Stats reports pressure event counters.
type Stats struct {
	TotalWarningEvents  int64
	TotalCriticalEvents int64
	LastWarningAt       time.Time
	LastCriticalAt      time.Time
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TotalWarningEvents:  m.totalWarningEvents,
		TotalCriticalEvents: m.totalCriticalEvents,
		LastWarningAt:       m.lastWarningAt,
		LastCriticalAt:      m.lastCriticalAt,
	}
}

// Start launches the poll loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopChan:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollInterval)
				m.Poll(ctx)
				cancel()
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
}
