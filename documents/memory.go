package documents

import (
	"context"
	"sync"

	"github.com/dgt/seed-ledger/ledger"
)

// Memory records every attachment it is handed.
type Memory struct {
	mu       sync.Mutex
	attached []ledger.Attachment
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Attach(_ context.Context, a ledger.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = append(m.attached, a)
	return nil
}

// Attached returns a copy of the recorded attachments in call order.
func (m *Memory) Attached() []ledger.Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Attachment(nil), m.attached...)
}
