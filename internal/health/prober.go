package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-sentinel/internal/metrics"
)

// Checker probes one upstream dependency.
type Checker interface {
	HealthCheck(ctx context.Context) bool
}

// Target pairs a dependency name with its checker.
type Target struct {
	Name    string
	Checker Checker
}

// Prober polls upstream services and exports their availability. Status
// changes are logged once per transition, not per poll.
type Prober struct {
	interval time.Duration
	targets  []Target

	quit chan struct{}
	wg   sync.WaitGroup

	mu   sync.Mutex
	last map[string]bool
}

func NewProber(interval time.Duration, targets ...Target) *Prober {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		interval: interval,
		targets:  targets,
		quit:     make(chan struct{}),
		last:     make(map[string]bool),
	}
}

func (p *Prober) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Prober) Stop() {
	close(p.quit)
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeAll()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Prober) probeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	for _, t := range p.targets {
		up := t.Checker.HealthCheck(ctx)
		metrics.SetDependencyUp(t.Name, up)

		p.mu.Lock()
		prev, seen := p.last[t.Name]
		p.last[t.Name] = up
		p.mu.Unlock()

		if !seen || prev != up {
			if up {
				log.Printf("Health: %s is up", t.Name)
			} else {
				log.Printf("[WARN] Health: %s is down", t.Name)
			}
		}
	}
}

// Status returns the last observed availability per target.
func (p *Prober) Status() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.last))
	for k, v := range p.last {
		out[k] = v
	}
	return out
}
