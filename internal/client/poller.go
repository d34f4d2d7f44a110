package client

import (
	"context"
	"time"
)

func (c *Client) startPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startPollingLocked()
}

func (c *Client) startPollingLocked() {
	c.stopPollingLocked()
	ctx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	go c.pollLoop(ctx)
}

func (c *Client) stopPollingLocked() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
}

// Pause stops background polling without unloading the session, for
// hosts that want to go quiet while hidden or offline.
func (c *Client) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPollingLocked()
}

// Resume restarts background polling after Pause. It does nothing when
// no session is loaded or polling is already running.
func (c *Client) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil || c.pollCancel != nil {
		return
	}
	c.startPollingLocked()
}

// pollLoop runs one immediate pass, then one per polling interval until
// the session stops it.
func (c *Client) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollingInterval)
	defer ticker.Stop()
	for {
		if _, err := c.ProcessIncomingSharedKeys(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("incoming shared keys poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
