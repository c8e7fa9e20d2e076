package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/clearnet/internal/intent"
	"github.com/terminal-bench/clearnet/internal/netting"
)

// Memory is an in-memory Store and PolicyStore. A single mutex covers every
// compound update so the atomic-operation contract holds structurally, not
// probabilistically.
type Memory struct {
	mu sync.Mutex

	pending  map[string][]*intent.TradeIntent // chain -> FIFO queue
	nonces   map[string]struct{}              // session|nonce
	volumes  map[string]int64                 // session -> cumulative accepted volume
	exec     map[uuid.UUID]map[string]time.Time
	batchSeq uint64
	plans    map[uint64]*netting.Plan
	policies map[string]*intent.SessionKeyPolicy
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		pending:  make(map[string][]*intent.TradeIntent),
		nonces:   make(map[string]struct{}),
		volumes:  make(map[string]int64),
		exec:     make(map[uuid.UUID]map[string]time.Time),
		plans:    make(map[uint64]*netting.Plan),
		policies: make(map[string]*intent.SessionKeyPolicy),
	}
}

func nonceKey(sessionKey string, nonce uint64) string {
	return sessionKey + "|" + uitoa(nonce)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (m *Memory) EnqueueIntent(ctx context.Context, chain string, it *intent.TradeIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[chain] = append(m.pending[chain], it)
	return nil
}

func (m *Memory) DrainPending(ctx context.Context, chain string, max int) ([]*intent.TradeIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.pending[chain]
	if len(queue) == 0 {
		return nil, nil
	}
	n := len(queue)
	if max > 0 && max < n {
		n = max
	}
	drained := queue[:n]
	m.pending[chain] = append([]*intent.TradeIntent(nil), queue[n:]...)
	return drained, nil
}

func (m *Memory) SnapshotPending(ctx context.Context, chain string) ([]*intent.TradeIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*intent.TradeIntent(nil), m.pending[chain]...), nil
}

func (m *Memory) Requeue(ctx context.Context, chain string, intents []*intent.TradeIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// requeued intents go to the front to preserve original ordering
	m.pending[chain] = append(append([]*intent.TradeIntent(nil), intents...), m.pending[chain]...)
	return nil
}

func (m *Memory) MigratePending(ctx context.Context, from, to string, exclude map[uuid.UUID]bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var moved int
	var kept []*intent.TradeIntent
	for _, it := range m.pending[from] {
		if exclude[it.ID] {
			continue
		}
		m.pending[to] = append(m.pending[to], it)
		moved++
	}
	m.pending[from] = kept
	return moved, nil
}

func (m *Memory) SweepExpired(ctx context.Context, chain string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*intent.TradeIntent
	swept := 0
	for _, it := range m.pending[chain] {
		if it.Expired(now) {
			swept++
			continue
		}
		kept = append(kept, it)
	}
	m.pending[chain] = kept
	return swept, nil
}

func (m *Memory) PendingCount(ctx context.Context, chain string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[chain]), nil
}

func (m *Memory) AcceptIntent(ctx context.Context, sessionKey string, nonce uint64, amount, maxVolume int64) (bool, intent.Reason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nonceKey(sessionKey, nonce)
	if _, used := m.nonces[key]; used {
		return false, intent.ReasonNonceUsed, nil
	}
	if m.volumes[sessionKey]+amount > maxVolume {
		return false, intent.ReasonVolumeExceeded, nil
	}
	m.nonces[key] = struct{}{}
	m.volumes[sessionKey] += amount
	return true, intent.ReasonNone, nil
}

func (m *Memory) NonceUsed(ctx context.Context, sessionKey string, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, used := m.nonces[nonceKey(sessionKey, nonce)]
	return used, nil
}

func (m *Memory) MarkNonceUsed(ctx context.Context, sessionKey string, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[nonceKey(sessionKey, nonce)] = struct{}{}
	return nil
}

func (m *Memory) SessionVolume(ctx context.Context, sessionKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volumes[sessionKey], nil
}

func (m *Memory) MarkExecuted(ctx context.Context, id uuid.UUID, chain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exec[id] == nil {
		m.exec[id] = make(map[string]time.Time)
	}
	if _, done := m.exec[id][chain]; !done {
		m.exec[id][chain] = time.Now()
	}
	return nil
}

func (m *Memory) ExecutedOn(ctx context.Context, id uuid.UUID, chain string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, done := m.exec[id][chain]
	return done, nil
}

func (m *Memory) Executions(ctx context.Context, since time.Time) ([]ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExecutionRecord
	for id, chains := range m.exec {
		for chain, at := range chains {
			if at.Before(since) {
				continue
			}
			out = append(out, ExecutionRecord{IntentID: id, Chain: chain, RecordedAt: at})
		}
	}
	return out, nil
}

func (m *Memory) NextBatchID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchSeq++
	return m.batchSeq, nil
}

func (m *Memory) MergeBatchIDFloor(ctx context.Context, floor uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if floor > m.batchSeq {
		m.batchSeq = floor
	}
	return nil
}

func (m *Memory) CurrentBatchID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSeq, nil
}

func (m *Memory) SavePlan(ctx context.Context, p *netting.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.BatchID] = p
	return nil
}

func (m *Memory) GetPlan(ctx context.Context, batchID uint64) (*netting.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[batchID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p, nil
}

func (m *Memory) MarkSettled(ctx context.Context, batchID uint64, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[batchID]
	if !ok {
		return ErrPlanNotFound
	}
	now := time.Now()
	p.Settled = true
	p.TxRef = txRef
	p.SettledAt = &now
	return nil
}

func (m *Memory) PutPolicy(ctx context.Context, p *intent.SessionKeyPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.SessionKey] = p
	return nil
}

func (m *Memory) GetPolicy(ctx context.Context, sessionKey string) (*intent.SessionKeyPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[sessionKey]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return p, nil
}
