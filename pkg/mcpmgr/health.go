package mcpmgr

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one health sweep.
type SweepReport struct {
	Probed  int
	Skipped int
}

// StartHealthChecks launches the background health loop. It is a no-op when
// the loop is already running.
func (m *Manager) StartHealthChecks() {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if m.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.healthCancel, m.healthDone = cancel, done
	go m.healthLoop(ctx, done)
}

// StopHealthChecks cancels the health loop and waits for it, including any
// sweep in progress, to exit.
func (m *Manager) StopHealthChecks() {
	_ = m.stopHealth(context.Background())
}

// HealthChecksRunning reports whether the background loop is active.
func (m *Manager) HealthChecksRunning() bool {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	return m.healthCancel != nil
}

func (m *Manager) stopHealth(ctx context.Context) error {
	m.healthMu.Lock()
	cancel, done := m.healthCancel, m.healthDone
	m.healthCancel, m.healthDone = nil, nil
	m.healthMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.options.HealthInterval)
	defer ticker.Stop()
	m.logger.Debug("health loop started", "interval", m.options.HealthInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("health loop stopped")
			return
		case <-ticker.C:
			report := m.CheckHealth(ctx)
			m.logger.Debug("health sweep finished", "probed", report.Probed, "skipped", report.Skipped)
		}
	}
}

// CheckHealth runs one sweep immediately. Servers refreshed less than
// HealthInterval ago, after the previous sweep finished, are skipped; the
// rest are probed concurrently, at most HealthConcurrency at a time. Servers
// checked by the previous sweep are always probed again, so a sweep per
// interval reaches every server no matter how long the probes take. A probe
// refreshes the tool cache only when it is missing or expired. Every probed
// server ends the sweep connected or in error.
func (m *Manager) CheckHealth(ctx context.Context) SweepReport {
	type target struct {
		key ServerKey
		gen uint64
	}
	now := m.now()
	interval := m.options.HealthInterval

	var report SweepReport
	var targets []target
	m.mu.RLock()
	previous := m.lastSweepEnd
	for key, st := range m.states {
		if last := st.conn.LastCheck; last != nil && last.After(previous) && now.Sub(*last) < interval {
			report.Skipped++
			continue
		}
		targets = append(targets, target{key: key, gen: st.gen})
	}
	m.mu.RUnlock()

	var g errgroup.Group
	if m.options.HealthConcurrency > 0 {
		g.SetLimit(m.options.HealthConcurrency)
	}
	for _, t := range targets {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("health probe panicked", "tenant", t.key.Tenant, "server", t.key.Server, "panic", r)
				}
			}()
			m.refresh(ctx, t.key, t.gen, cacheFillStale)
			return nil
		})
	}
	_ = g.Wait()
	report.Probed = len(targets)

	end := m.now()
	m.mu.Lock()
	if end.After(m.lastSweepEnd) {
		m.lastSweepEnd = end
	}
	m.mu.Unlock()
	return report
}
