package ledger

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore 内存余额存储，语义与 PostgresStore 一致。
// 用于测试与本地联调。
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]*Balance
	entries  []*Entry
	nextID   int64
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*Balance)}
}

func key(userID int64, currency string) string {
	return currency + "/" + strconv.FormatInt(userID, 10)
}

func (s *MemoryStore) get(userID int64, currency string) *Balance {
	k := key(userID, currency)
	b, ok := s.balances[k]
	if !ok {
		b = &Balance{UserID: userID, Currency: currency}
		s.balances[k] = b
	}
	return b
}

// Balance 查询余额
func (s *MemoryStore) Balance(_ context.Context, userID int64, currency string) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(userID, currency)
	copied := *b
	return &copied, nil
}

// Apply 原子批量入账：先全量校验再全量生效
func (s *MemoryStore) Apply(_ context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]*Balance)
	for _, e := range entries {
		k := key(e.UserID, e.Currency)
		b, ok := staged[k]
		if !ok {
			copied := *s.get(e.UserID, e.Currency)
			b = &copied
			staged[k] = b
		}
		b.Available += e.AvailableDelta
		b.Frozen += e.FrozenDelta
		if b.Available < 0 {
			return ErrInsufficientBalance
		}
		if b.Frozen < 0 {
			return ErrInsufficientFrozen
		}
		e.AvailableAfter = b.Available
		e.FrozenAfter = b.Frozen
	}

	now := time.Now().UnixMilli()
	for k, b := range staged {
		b.Version++
		b.UpdatedAtMs = now
		s.balances[k] = b
	}
	for _, e := range entries {
		if e.TxID == 0 {
			s.nextID++
			e.TxID = s.nextID
		}
		if e.CreatedAtMs == 0 {
			e.CreatedAtMs = now
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

// Deposit 入金，受小额账户限制约束
func (s *MemoryStore) Deposit(_ context.Context, userID int64, currency string, amount int64) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, b := range s.balances {
		if b.UserID == userID {
			total += b.Total()
		}
	}

	if err := CheckDeposit(amount, total); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	b := s.get(userID, currency)
	b.Available += amount
	b.Version++
	b.UpdatedAtMs = now

	s.nextID++
	entry := &Entry{
		TxID:           s.nextID,
		UserID:         userID,
		Currency:       currency,
		AvailableDelta: amount,
		AvailableAfter: b.Available,
		FrozenAfter:    b.Frozen,
		Kind:           KindDeposit,
		CreatedAtMs:    now,
	}
	s.entries = append(s.entries, entry)

	return &Transaction{
		TxID:         entry.TxID,
		UserID:       userID,
		Currency:     currency,
		Amount:       amount,
		Kind:         KindDeposit,
		BalanceAfter: b.Total(),
		CreatedAtMs:  now,
	}, nil
}

// Entries 全部流水快照（测试用）
func (s *MemoryStore) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
