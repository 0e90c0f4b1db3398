package hub

import "time"

// ReaperConfig configures the background idle-subscription reaper.
type ReaperConfig struct {
	// IdleTimeout is how long a subscription may hold undrained broadcasts
	// before it is disposed. A subscription with an empty queue is never
	// idle, however long it waits. Default: 5 minutes.
	IdleTimeout time.Duration

	// SweepInterval is how often the reaper scans. Default: 30 seconds.
	SweepInterval time.Duration

	// OnReap is called for each disposed subscription, outside the hub lock.
	OnReap func(s *Subscription)
}

func (cfg *ReaperConfig) withDefaults() *ReaperConfig {
	c := ReaperConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	return &c
}

// StartReaper launches a goroutine that disposes subscriptions whose reader
// has stopped draining. Call Stop to shut it down.
func (h *Hub) StartReaper(cfg *ReaperConfig) {
	cfg = cfg.withDefaults()

	h.reaperStop = make(chan struct{})
	h.reaperDone = make(chan struct{})

	go h.reapLoop(cfg)
	h.logger.Info("reaper started",
		"idle_timeout", cfg.IdleTimeout,
		"sweep_interval", cfg.SweepInterval)
}

// Stop shuts down the reaper goroutine.
func (h *Hub) Stop() {
	if h.reaperStop != nil {
		close(h.reaperStop)
		<-h.reaperDone
		h.reaperStop = nil
		h.reaperDone = nil
	}
}

func (h *Hub) reapLoop(cfg *ReaperConfig) {
	defer close(h.reaperDone)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.reaperStop:
			return
		case <-ticker.C:
			h.sweep(cfg)
		}
	}
}

// sweep disposes stalled subscriptions and returns how many it reaped.
func (h *Hub) sweep(cfg *ReaperConfig) int {
	now := h.now()

	var stalled []*Subscription
	h.mu.RLock()
	for _, subs := range h.channels {
		for _, s := range subs {
			if s.stalledFor(now) > cfg.IdleTimeout {
				stalled = append(stalled, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range stalled {
		pending := s.Pending()
		s.Dispose()
		h.metrics.SubscriptionReaped()
		h.logger.Info("reaped idle subscription",
			"channel_id", s.ChannelID,
			"subscription_id", s.ID,
			"pending", pending,
			"idle_timeout", cfg.IdleTimeout)
		if cfg.OnReap != nil {
			cfg.OnReap(s)
		}
	}
	return len(stalled)
}
