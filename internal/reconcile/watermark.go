package reconcile

import "sync"

// WatermarkStore persists the highest reconciled block per target key
type WatermarkStore interface {
	// Watermark returns the stored block and whether one exists
	Watermark(key string) (uint64, bool, error)
	SetWatermark(key string, blockNumber uint64) error
}

// MemoryWatermarks is a WatermarkStore that lives for the process only
type MemoryWatermarks struct {
	mu     sync.RWMutex
	blocks map[string]uint64
}

func NewMemoryWatermarks() *MemoryWatermarks {
	return &MemoryWatermarks{blocks: make(map[string]uint64)}
}

func (m *MemoryWatermarks) Watermark(key string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	block, ok := m.blocks[key]
	return block, ok, nil
}

func (m *MemoryWatermarks) SetWatermark(key string, blockNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[key] = blockNumber
	return nil
}
