package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// feedRetryBackoff is the pause before a failed feed source is restarted.
var feedRetryBackoff = time.Second

// Start binds the HTTP server and launches the feed and sweeper loops.
// Everything stops when ctx is cancelled or Shutdown is called.
func (m *Manager) Start(bgCtx context.Context) error {
	if m.opts.PublishOnly {
		return errors.New("manager was initialized for publishing only")
	}
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.server.Addr, err)
	}
	m.listener = ln

	ctx, cancel := context.WithCancel(bgCtx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("HTTP server failed", "error", err)
		}
	}()

	if m.source != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runFeed(ctx)
		}()
	}

	if m.sweeper != nil && m.cfg.Store.SweepInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runSweeper(ctx, m.cfg.Store.SweepInterval)
		}()
	}
	return nil
}

// runFeed keeps the feed source running, restarting it after failures.
func (m *Manager) runFeed(ctx context.Context) {
	handler := m.processor.Handler()
	for attempt := 1; ; attempt++ {
		err := m.source.Run(ctx, handler)
		if ctx.Err() != nil {
			m.logger.Info("Event feed stopped")
			return
		}
		m.logger.Error("Event feed failed, restarting", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(feedRetryBackoff):
		}
	}
}

// runSweeper removes expired records on backends without native expiry.
func (m *Manager) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := m.sweeper.Sweep(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("Sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				m.logger.Debug("Expired records swept", "count", n)
			}
		}
	}
}
