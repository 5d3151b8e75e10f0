// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// ProbeConfig configures a Probe.
type ProbeConfig struct {
	URL        string
	Interval   time.Duration // default 15s
	Timeout    time.Duration // per request, default 5s
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Probe polls a health URL and treats any response below 500 as online.
type Probe struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger

	online atomic.Bool
	events broadcaster
}

// NewProbe returns a Probe that starts offline until the first check.
func NewProbe(cfg ProbeConfig) (*Probe, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("probe URL cannot be empty")
	}
	p := &Probe{
		url:      cfg.URL,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
	if p.interval <= 0 {
		p.interval = 15 * time.Second
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Online reports the result of the latest check.
func (p *Probe) Online() bool { return p.online.Load() }

// Subscribe returns a channel of transitions and a cancel func.
func (p *Probe) Subscribe() (<-chan bool, func()) {
	return p.events.subscribe()
}

// Check performs one probe request, records the result and returns it.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	if p.online.Swap(online) != online {
		p.logger.Info("connectivity changed", "online", online)
		p.events.publish(online)
	}
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Warn("failed to build probe request", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.url, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusInternalServerError
}

// Run checks immediately and then on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
