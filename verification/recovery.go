package verification

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RecoverPendingOnStartup reloads the persisted table and rebuilds the timers.
//
// Entries whose grace period already ran out are resolved before it returns; the rest are
// scheduled for the remaining time of the current timeout. Nothing is re-persisted here.
func (m *Manager) RecoverPendingOnStartup(ctx context.Context) error {
	if err := m.Load(ctx); err != nil {
		return err
	}

	now := m.clock.Now()
	var overdue []Key

	m.mu.Lock()
	timeout := m.config.Timeout()
	for key, e := range m.pending {
		remaining := timeout - now.Sub(e.StartTime)
		if remaining <= 0 {
			overdue = append(overdue, key)
			continue
		}
		m.scheduleLocked(key, e.StartTime, remaining)
	}
	scheduled := len(m.pending) - len(overdue)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"overdue":   len(overdue),
		"scheduled": scheduled,
	}).Info("recovering pending verifications")

	var g errgroup.Group
	g.SetLimit(m.recoveryConcurrency)
	for _, key := range overdue {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, m.resolveTimeout)
			defer cancel()
			m.Resolve(rctx, key)
			return nil
		})
	}
	return g.Wait()
}
