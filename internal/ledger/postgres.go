package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// PostgresStore Postgres 余额存储，行级锁 + 版本号
type PostgresStore struct {
	db    *sql.DB
	idGen func() int64
}

// NewPostgresStore 创建存储
func NewPostgresStore(db *sql.DB, idGen func() int64) *PostgresStore {
	return &PostgresStore{db: db, idGen: idGen}
}

// Balance 查询余额，无记录返回零余额
func (s *PostgresStore) Balance(ctx context.Context, userID int64, currency string) (*Balance, error) {
	const query = `
		SELECT user_id, currency, available, frozen, version, updated_at_ms
		FROM exchange.account_balances
		WHERE user_id = $1 AND currency = $2
	`
	var b Balance
	err := s.db.QueryRowContext(ctx, query, userID, currency).Scan(
		&b.UserID, &b.Currency, &b.Available, &b.Frozen, &b.Version, &b.UpdatedAtMs,
	)
	if err == sql.ErrNoRows {
		return &Balance{UserID: userID, Currency: currency}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return &b, nil
}

// Apply 原子批量入账
func (s *PostgresStore) Apply(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.applyTx(ctx, tx, entries); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) applyTx(ctx context.Context, tx *sql.Tx, entries []*Entry) error {
	// 固定加锁顺序，避免并发入账互相死锁
	type acct struct {
		userID   int64
		currency string
	}
	seen := make(map[acct]*Balance)
	order := make([]acct, 0, len(entries))
	for _, e := range entries {
		key := acct{e.UserID, e.Currency}
		if _, ok := seen[key]; !ok {
			seen[key] = nil
			order = append(order, key)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].userID != order[j].userID {
			return order[i].userID < order[j].userID
		}
		return order[i].currency < order[j].currency
	})

	for _, key := range order {
		b, err := s.lockBalance(ctx, tx, key.userID, key.currency)
		if err != nil {
			return err
		}
		seen[key] = b
	}

	now := time.Now().UnixMilli()
	for _, e := range entries {
		b := seen[acct{e.UserID, e.Currency}]

		newAvailable := b.Available + e.AvailableDelta
		newFrozen := b.Frozen + e.FrozenDelta
		if newAvailable < 0 {
			return ErrInsufficientBalance
		}
		if newFrozen < 0 {
			return ErrInsufficientFrozen
		}

		b.Available = newAvailable
		b.Frozen = newFrozen

		if e.TxID == 0 {
			e.TxID = s.idGen()
		}
		e.AvailableAfter = newAvailable
		e.FrozenAfter = newFrozen
		if e.CreatedAtMs == 0 {
			e.CreatedAtMs = now
		}
	}

	for _, key := range order {
		b := seen[key]
		if err := s.upsertBalance(ctx, tx, b, now); err != nil {
			return err
		}
	}

	for _, e := range entries {
		if err := s.insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

// Deposit 入金：锁定用户全部余额行后校验限额，同事务写入余额与流水
func (s *PostgresStore) Deposit(ctx context.Context, userID int64, currency string, amount int64) (*Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	total, err := s.lockTotalBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if err := CheckDeposit(amount, total); err != nil {
		return nil, err
	}

	b, err := s.lockBalance(ctx, tx, userID, currency)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	entry := &Entry{
		TxID:           s.idGen(),
		UserID:         userID,
		Currency:       currency,
		AvailableDelta: amount,
		AvailableAfter: b.Available + amount,
		FrozenAfter:    b.Frozen,
		Kind:           KindDeposit,
		CreatedAtMs:    now,
	}

	b.Available += amount
	if err := s.upsertBalance(ctx, tx, b, now); err != nil {
		return nil, err
	}
	if err := s.insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Transaction{
		TxID:         entry.TxID,
		UserID:       userID,
		Currency:     currency,
		Amount:       amount,
		Kind:         KindDeposit,
		BalanceAfter: entry.AvailableAfter + entry.FrozenAfter,
		CreatedAtMs:  now,
	}, nil
}

// lockBalance 加行锁读取余额，无记录时返回零余额（不落库，由 upsert 创建）
func (s *PostgresStore) lockBalance(ctx context.Context, tx *sql.Tx, userID int64, currency string) (*Balance, error) {
	const query = `
		SELECT user_id, currency, available, frozen, version, updated_at_ms
		FROM exchange.account_balances
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`
	var b Balance
	err := tx.QueryRowContext(ctx, query, userID, currency).Scan(
		&b.UserID, &b.Currency, &b.Available, &b.Frozen, &b.Version, &b.UpdatedAtMs,
	)
	if err == sql.ErrNoRows {
		return &Balance{UserID: userID, Currency: currency}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	return &b, nil
}

// lockTotalBalance 锁定用户全部余额行并汇总（入金资格按总余额判断）
func (s *PostgresStore) lockTotalBalance(ctx context.Context, tx *sql.Tx, userID int64) (int64, error) {
	const query = `
		SELECT available, frozen
		FROM exchange.account_balances
		WHERE user_id = $1
		FOR UPDATE
	`
	rows, err := tx.QueryContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("lock balances: %w", err)
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var available, frozen int64
		if err := rows.Scan(&available, &frozen); err != nil {
			return 0, fmt.Errorf("scan balance: %w", err)
		}
		total += available + frozen
	}
	return total, rows.Err()
}

func (s *PostgresStore) upsertBalance(ctx context.Context, tx *sql.Tx, b *Balance, now int64) error {
	const query = `
		INSERT INTO exchange.account_balances (user_id, currency, available, frozen, version, updated_at_ms)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (user_id, currency) DO UPDATE
		SET available = $3, frozen = $4,
		    version = exchange.account_balances.version + 1,
		    updated_at_ms = $5
	`
	if _, err := tx.ExecContext(ctx, query, b.UserID, b.Currency, b.Available, b.Frozen, now); err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	const query = `
		INSERT INTO exchange.ledger_entries
			(tx_id, user_id, currency, available_delta, frozen_delta,
			 available_after, frozen_after, kind, ref_id, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := tx.ExecContext(ctx, query,
		e.TxID, e.UserID, e.Currency, e.AvailableDelta, e.FrozenDelta,
		e.AvailableAfter, e.FrozenAfter, e.Kind, e.RefID, e.CreatedAtMs,
	); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
