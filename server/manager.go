package server

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Manager 管理多个房间的生命周期
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	cfg   RoomConfig
	log   *zap.Logger
}

// NewManager 创建房间管理器，新房间使用 cfg
func NewManager(cfg RoomConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{rooms: make(map[string]*Room), cfg: cfg, log: log}
}

// GetOrCreateRoom 获取或创建房间，并确保开始 Tick
func (m *Manager) GetOrCreateRoom(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		r = NewRoom(id, m.cfg, m.log)
		m.rooms[id] = r
		r.StartTicker()
	}
	return r
}

// Room 查找房间
func (m *Manager) Room(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// RoomIDs 按字典序列出房间
func (m *Manager) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll 停止所有房间
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		r.Stop()
	}
}
