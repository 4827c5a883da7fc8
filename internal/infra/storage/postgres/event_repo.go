package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

const uniqueViolation = "23505"

const eventColumns = `chain_id, integrator, token, integrator_fee::text AS integrator_fee,
	lifi_fee::text AS lifi_fee, COALESCE(integrator_fee_hex, '') AS integrator_fee_hex,
	COALESCE(lifi_fee_hex, '') AS lifi_fee_hex, block_number, transaction_hash,
	log_index, block_timestamp, created_at`

// sortColumns whitelists the ORDER BY targets.
var sortColumns = map[storage.SortField]string{
	storage.SortByBlockNumber:    "block_number",
	storage.SortByBlockTimestamp: "block_timestamp",
	storage.SortByCreatedAt:      "created_at",
}

type eventRow struct {
	ChainID          int64        `db:"chain_id"`
	Integrator       string       `db:"integrator"`
	Token            string       `db:"token"`
	IntegratorFee    string       `db:"integrator_fee"`
	LifiFee          string       `db:"lifi_fee"`
	IntegratorFeeHex string       `db:"integrator_fee_hex"`
	LifiFeeHex       string       `db:"lifi_fee_hex"`
	BlockNumber      int64        `db:"block_number"`
	TransactionHash  string       `db:"transaction_hash"`
	LogIndex         int64        `db:"log_index"`
	BlockTimestamp   sql.NullTime `db:"block_timestamp"`
	CreatedAt        time.Time    `db:"created_at"`
}

func (r *eventRow) toDomain() *domain.FeeEvent {
	ev := &domain.FeeEvent{
		ChainID:          domain.ChainID(r.ChainID),
		Integrator:       r.Integrator,
		Token:            r.Token,
		IntegratorFee:    r.IntegratorFee,
		LifiFee:          r.LifiFee,
		IntegratorFeeHex: r.IntegratorFeeHex,
		LifiFeeHex:       r.LifiFeeHex,
		BlockNumber:      uint64(r.BlockNumber),
		TransactionHash:  r.TransactionHash,
		LogIndex:         uint(r.LogIndex),
		CreatedAt:        r.CreatedAt,
	}
	if r.BlockTimestamp.Valid {
		ts := r.BlockTimestamp.Time
		ev.BlockTimestamp = &ts
	}
	return ev
}

// EventRepo implements storage.EventRepository using PostgreSQL.
type EventRepo struct {
	db *DB
}

func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) InsertIfAbsent(ctx context.Context, ev *domain.FeeEvent) (bool, error) {
	query := `
		INSERT INTO fee_collection_events (
			chain_id, integrator, token, integrator_fee, lifi_fee,
			integrator_fee_hex, lifi_fee_hex, block_number, transaction_hash,
			log_index, block_timestamp
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (chain_id, transaction_hash, log_index) DO NOTHING
	`

	var blockTime sql.NullTime
	if ev.BlockTimestamp != nil {
		blockTime = sql.NullTime{Time: *ev.BlockTimestamp, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, query,
		int64(ev.ChainID),
		ev.Integrator,
		ev.Token,
		ev.IntegratorFee,
		ev.LifiFee,
		nullString(ev.IntegratorFeeHex),
		nullString(ev.LifiFeeHex),
		int64(ev.BlockNumber),
		ev.TransactionHash,
		int64(ev.LogIndex),
		blockTime,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert fee event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *EventRepo) FindMostRecentByChain(ctx context.Context, chainID domain.ChainID) (*domain.FeeEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM fee_collection_events
		WHERE chain_id = $1
		ORDER BY block_number DESC, log_index DESC
		LIMIT 1`

	var row eventRow
	if err := r.db.GetContext(ctx, &row, query, int64(chainID)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get most recent event: %w", err)
	}
	return row.toDomain(), nil
}

func (r *EventRepo) DistinctIntegrators(ctx context.Context) ([]string, error) {
	var out []string
	err := r.db.SelectContext(ctx, &out,
		`SELECT DISTINCT integrator FROM fee_collection_events ORDER BY integrator`)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrators: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (r *EventRepo) FindByIntegrator(ctx context.Context, q storage.EventQuery) (*storage.EventPage, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}

	where, args := buildEventFilter(q)

	var total int64
	countQuery := `SELECT COUNT(*) FROM fee_collection_events WHERE ` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	order := "DESC"
	if q.SortOrder == storage.SortAsc {
		order = "ASC"
	}
	listQuery := fmt.Sprintf(
		`SELECT %s FROM fee_collection_events WHERE %s ORDER BY %s %s, log_index %s LIMIT %d OFFSET %d`,
		eventColumns, where, sortColumns[q.SortBy], order, order, q.Limit, q.Offset(),
	)

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, listQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]*domain.FeeEvent, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toDomain())
	}
	return storage.NewEventPage(events, total, q), nil
}

func (r *EventRepo) CountInRange(ctx context.Context, chainID domain.ChainID, from, to uint64) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM fee_collection_events
		WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3`,
		int64(chainID), int64(from), int64(to),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count events in range: %w", err)
	}
	return n, nil
}

// buildEventFilter renders the WHERE clause with positional args. The
// integrator and token filters are case-insensitive.
func buildEventFilter(q storage.EventQuery) (string, []any) {
	conds := []string{"integrator = ?"}
	args := []any{strings.ToLower(q.Integrator)}

	if q.ChainID != nil {
		conds = append(conds, "chain_id = ?")
		args = append(args, int64(*q.ChainID))
	}
	if q.Token != "" {
		conds = append(conds, "token = ?")
		args = append(args, strings.ToLower(q.Token))
	}
	if q.FromBlock != nil {
		conds = append(conds, "block_number >= ?")
		args = append(args, int64(*q.FromBlock))
	}
	if q.ToBlock != nil {
		conds = append(conds, "block_number <= ?")
		args = append(args, int64(*q.ToBlock))
	}

	return sqlx.Rebind(sqlx.DOLLAR, strings.Join(conds, " AND ")), args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
