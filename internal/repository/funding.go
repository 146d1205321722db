package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bullionx/exchange/internal/funding"
)

// FundingRepository 资金费结算记录仓储
type FundingRepository struct {
	db *sql.DB
}

// NewFundingRepository 创建仓储
func NewFundingRepository(db *sql.DB) *FundingRepository {
	return &FundingRepository{db: db}
}

// InsertFundingRound 落库一次结算
func (r *FundingRepository) InsertFundingRound(ctx context.Context, round *funding.Round) error {
	const query = `
		INSERT INTO exchange.funding_rounds
		(pair, rate, mark_price, transfers, trigger_kind, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		round.Pair, round.Rate, round.MarkPrice, round.Transfers, round.Trigger,
		round.TimestampMs,
	)
	if err != nil {
		return fmt.Errorf("insert funding round: %w", err)
	}
	return nil
}

// ListFundingRounds 合约历史结算记录，时间降序
func (r *FundingRepository) ListFundingRounds(ctx context.Context, pair string, limit int) ([]*funding.Round, error) {
	const query = `
		SELECT pair, rate, mark_price, transfers, trigger_kind, timestamp_ms
		FROM exchange.funding_rounds
		WHERE pair = $1
		ORDER BY timestamp_ms DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("query funding rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*funding.Round
	for rows.Next() {
		var round funding.Round
		if err := rows.Scan(
			&round.Pair, &round.Rate, &round.MarkPrice, &round.Transfers,
			&round.Trigger, &round.TimestampMs,
		); err != nil {
			return nil, fmt.Errorf("scan funding round: %w", err)
		}
		rounds = append(rounds, &round)
	}
	return rounds, rows.Err()
}
