package services

import (
	"context"
)

// Shutdown closes client channels, stops the server and background loops,
// then releases the transport and the store.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.hub != nil {
		m.logger.Info("Closing websocket connections", "count", m.hub.Len())
		m.hub.Shutdown(ctx)
	}
	if m.server != nil && m.listener != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Error("Error shutting down HTTP server", "error", err)
		}
	}
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Background tasks finished")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for background tasks")
	}

	m.closeAll(ctx)
}

func (m *Manager) closeAll(ctx context.Context) {
	if m.provider != nil {
		if err := m.provider.Close(); err != nil {
			m.logger.Error("Error closing event transport", "error", err)
		}
		m.provider = nil
	}
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](ctx); err != nil {
			m.logger.Error("Error closing store", "error", err)
		}
	}
	m.closers = nil
}
