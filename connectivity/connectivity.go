// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package connectivity answers "are we online" and publishes transitions.
package connectivity

import (
	"sync"
	"sync/atomic"
)

// Checker is the boolean online oracle.
type Checker interface {
	Online() bool
}

// Source is a Checker that also reports transitions.
type Source interface {
	Checker
	Subscribe() (<-chan bool, func())
}

// broadcaster fans state transitions out to subscribers. Sends never block:
// a subscriber that has not drained its previous event gets the newer one
// in its place.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan bool
	nextID int
}

func (b *broadcaster) subscribe() (<-chan bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan bool)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan bool, 1)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *broadcaster) publish(online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// Switch is a manually driven online flag.
type Switch struct {
	online atomic.Bool
	events broadcaster
}

// NewSwitch returns a Switch in the given state.
func NewSwitch(online bool) *Switch {
	s := &Switch{}
	s.online.Store(online)
	return s
}

// Online reports the current state.
func (s *Switch) Online() bool { return s.online.Load() }

// Set changes the state and notifies subscribers when it flips.
func (s *Switch) Set(online bool) {
	if s.online.Swap(online) != online {
		s.events.publish(online)
	}
}

// Subscribe returns a channel of transitions and a cancel func.
func (s *Switch) Subscribe() (<-chan bool, func()) {
	return s.events.subscribe()
}
