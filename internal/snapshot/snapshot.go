// Package snapshot periodically persists the judge registry's health
// state and restores it at startup, so a restart doesn't lose every
// judge's accumulated reliability history and have to re-earn it
// through the unhealthy-after-3-failures ramp again.
package snapshot

import (
	"sync"
	"time"

	"github.com/proxy-checker-api/internal/judge"
	"github.com/proxy-checker-api/internal/storage"
	log "github.com/sirupsen/logrus"
)

type Manager struct {
	registry *judge.Registry
	storage  storage.Storage

	persistMu       sync.Mutex
	persistInterval time.Duration
	stopPersist     chan struct{}
}

func NewManager(registry *judge.Registry, store storage.Storage, persistIntervalSeconds int) *Manager {
	m := &Manager{
		registry:        registry,
		storage:         store,
		persistInterval: time.Duration(persistIntervalSeconds) * time.Second,
		stopPersist:     make(chan struct{}),
	}
	if persistIntervalSeconds > 0 {
		go m.periodicPersist()
	}
	return m
}

// RestoreFromStorage seeds the registry's judges (already added via
// AddJudge) with their last-persisted health state. Judges added after
// this call, or absent from the persisted set, start fresh.
func (m *Manager) RestoreFromStorage() error {
	snap, err := m.storage.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		log.Info("no persisted judge state found, starting fresh")
		return nil
	}
	m.registry.Restore(snap.Judges)
	log.Infof("restored health state for %d judges", len(snap.Judges))
	return nil
}

func (m *Manager) persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	snap := &storage.Snapshot{
		Judges:         m.registry.Export(),
		SavedAtEpochMs: judgeNowMs(),
	}
	if err := m.storage.Save(snap); err != nil {
		log.Errorf("failed to persist judge state: %v", err)
		return
	}
	log.Debugf("persisted health state for %d judges", len(snap.Judges))
}

func (m *Manager) periodicPersist() {
	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.persist()
		case <-m.stopPersist:
			return
		}
	}
}

// Close stops background persistence and does one final save.
func (m *Manager) Close() {
	close(m.stopPersist)
	m.persist()
}

func judgeNowMs() int64 {
	return time.Now().UnixMilli()
}
