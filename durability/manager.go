// Package durability tracks how far the engine's log has been synced
// to disk and lets callers block until a given point is durable.
//
// The background flush loop is grounded on bunbase/docdb's
// internal/wal/group_commit.go flushLoop: a stopCh/wg-guarded goroutine
// woken by a timer, adapted from "batch records, fsync on a timer"
// to "sync the engine on a timer and publish how far we got."
package durability

import (
	"sync"
	"time"

	"github.com/cqkv/recordstore/engine"
)

// Syncer is the subset of engine.KV durability needs: something it can
// fsync. The committed sequence number comes from the targetSeq
// function passed to New.
type Syncer interface {
	Sync() error
}

// Manager tracks the highest engine sequence number known to be
// durable and exposes WaitUntilDurable for callers (journal writers,
// the oplog visibility manager) that need to block until their write
// has hit disk.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	kv       engine.KV
	syncer   Syncer
	interval time.Duration

	lastFlushedSeq uint64
	targetSeq      func() uint64 // returns the highest seq committed so far

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a durability manager that flushes sync on interval in
// the background. targetSeq should return the highest engine sequence
// number committed so far (e.g. from a snapshot taken just before the
// call).
func New(kv engine.KV, syncer Syncer, interval time.Duration, targetSeq func() uint64) *Manager {
	m := &Manager{
		kv:        kv,
		syncer:    syncer,
		interval:  interval,
		targetSeq: targetSeq,
		stopCh:    make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the background flush loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.flushLoop()
}

// Stop halts the background flush loop after a final flush.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	_ = m.flushOnce()
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			_ = m.flushOnce()
		}
	}
}

func (m *Manager) flushOnce() error {
	if err := m.syncer.Sync(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.targetSeq != nil {
		m.lastFlushedSeq = m.targetSeq()
	}
	m.cond.Broadcast()
	m.mu.Unlock()
	return nil
}

// WaitUntilDurable blocks until every write committed at or before the
// current sequence number has been synced. If forceFlush is true, it
// flushes synchronously instead of waiting on the next tick. Otherwise
// it waits for a later flush (the background loop's or a forced one);
// it does not check whether the background loop is running.
func (m *Manager) WaitUntilDurable(forceFlush bool) error {
	if forceFlush {
		return m.flushOnce()
	}

	want := uint64(0)
	if m.targetSeq != nil {
		want = m.targetSeq()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.lastFlushedSeq < want {
		m.cond.Wait()
	}
	return nil
}
