package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/feewatcher/internal/core/domain"
)

const blockchainColumns = `id, blockchain_id, name, chain_id, rpc_url, contract_address,
	block_explorer, native_currency, symbol, decimals, is_active, scan_enabled,
	created_at, updated_at`

// BlockchainRepo implements storage.BlockchainRepository using PostgreSQL.
type BlockchainRepo struct {
	db *DB
}

func NewBlockchainRepo(db *DB) *BlockchainRepo {
	return &BlockchainRepo{db: db}
}

func (r *BlockchainRepo) Upsert(ctx context.Context, chain *domain.Blockchain) error {
	if err := chain.Validate(); err != nil {
		return err
	}
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return upsertBlockchain(ctx, tx, chain)
	})
}

// UpsertMany writes all chains in one transaction.
func (r *BlockchainRepo) UpsertMany(ctx context.Context, chains []*domain.Blockchain) error {
	for _, c := range chains {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, c := range chains {
			if err := upsertBlockchain(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertBlockchain(ctx context.Context, tx *sqlx.Tx, chain *domain.Blockchain) error {
	if chain.ID == "" {
		chain.ID = uuid.NewString()
	}
	if chain.BlockchainID == "" {
		chain.BlockchainID = chain.ChainID.String()
	}

	query := `
		INSERT INTO blockchains (
			id, blockchain_id, name, chain_id, rpc_url, contract_address,
			block_explorer, native_currency, symbol, decimals, is_active, scan_enabled
		) VALUES (
			:id, :blockchain_id, :name, :chain_id, :rpc_url, :contract_address,
			:block_explorer, :native_currency, :symbol, :decimals, :is_active, :scan_enabled
		)
		ON CONFLICT (chain_id) DO UPDATE SET
			name = EXCLUDED.name,
			rpc_url = EXCLUDED.rpc_url,
			contract_address = EXCLUDED.contract_address,
			block_explorer = EXCLUDED.block_explorer,
			native_currency = EXCLUDED.native_currency,
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			is_active = EXCLUDED.is_active,
			scan_enabled = EXCLUDED.scan_enabled,
			updated_at = NOW()
	`
	if _, err := tx.NamedExecContext(ctx, query, toBlockchainRow(chain)); err != nil {
		return fmt.Errorf("failed to upsert blockchain %d: %w", chain.ChainID, err)
	}
	return nil
}

func (r *BlockchainRepo) GetByChainID(ctx context.Context, chainID domain.ChainID) (*domain.Blockchain, error) {
	var row blockchainRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+blockchainColumns+` FROM blockchains WHERE chain_id = $1`, int64(chainID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get blockchain %d: %w", chainID, err)
	}
	return row.toDomain(), nil
}

func (r *BlockchainRepo) List(ctx context.Context) ([]*domain.Blockchain, error) {
	var rows []blockchainRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+blockchainColumns+` FROM blockchains ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blockchains: %w", err)
	}
	out := make([]*domain.Blockchain, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (r *BlockchainRepo) SetScanEnabled(ctx context.Context, chainID domain.ChainID, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE blockchains SET scan_enabled = $2, updated_at = NOW()
		WHERE chain_id = $1 AND (NOT $2 OR contract_address <> '')`,
		int64(chainID), enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to set scan_enabled for %d: %w", chainID, err)
	}
	return r.checkUpdated(ctx, res, chainID, enabled)
}

func (r *BlockchainRepo) SetActive(ctx context.Context, chainID domain.ChainID, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE blockchains SET is_active = $2, updated_at = NOW() WHERE chain_id = $1`,
		int64(chainID), active,
	)
	if err != nil {
		return fmt.Errorf("failed to set is_active for %d: %w", chainID, err)
	}
	return r.checkUpdated(ctx, res, chainID, false)
}

// checkUpdated turns a zero-row update into the matching domain error.
func (r *BlockchainRepo) checkUpdated(ctx context.Context, res sql.Result, chainID domain.ChainID, enablingScan bool) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if enablingScan {
		existing, err := r.GetByChainID(ctx, chainID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ValidationError(
				"set scan enabled",
				"blockchains with scanning enabled must have contractAddress",
			)
		}
	}
	return domain.WithChain(domain.ErrBlockchainNotFound, chainID)
}

type blockchainRow struct {
	ID              string       `db:"id"`
	BlockchainID    string       `db:"blockchain_id"`
	Name            string       `db:"name"`
	ChainID         int64        `db:"chain_id"`
	RPCURL          string       `db:"rpc_url"`
	ContractAddress string       `db:"contract_address"`
	BlockExplorer   string       `db:"block_explorer"`
	NativeCurrency  string       `db:"native_currency"`
	Symbol          string       `db:"symbol"`
	Decimals        int          `db:"decimals"`
	IsActive        bool         `db:"is_active"`
	ScanEnabled     bool         `db:"scan_enabled"`
	CreatedAt       sql.NullTime `db:"created_at"`
	UpdatedAt       sql.NullTime `db:"updated_at"`
}

func toBlockchainRow(b *domain.Blockchain) blockchainRow {
	return blockchainRow{
		ID:              b.ID,
		BlockchainID:    b.BlockchainID,
		Name:            b.Name,
		ChainID:         int64(b.ChainID),
		RPCURL:          b.RPCURL,
		ContractAddress: b.ContractAddress,
		BlockExplorer:   b.BlockExplorer,
		NativeCurrency:  b.NativeCurrency,
		Symbol:          b.Symbol,
		Decimals:        b.Decimals,
		IsActive:        b.IsActive,
		ScanEnabled:     b.ScanEnabled,
	}
}

func (r *blockchainRow) toDomain() *domain.Blockchain {
	return &domain.Blockchain{
		ID:              r.ID,
		BlockchainID:    r.BlockchainID,
		Name:            r.Name,
		ChainID:         domain.ChainID(r.ChainID),
		RPCURL:          r.RPCURL,
		ContractAddress: r.ContractAddress,
		BlockExplorer:   r.BlockExplorer,
		NativeCurrency:  r.NativeCurrency,
		Symbol:          r.Symbol,
		Decimals:        r.Decimals,
		IsActive:        r.IsActive,
		ScanEnabled:     r.ScanEnabled,
		CreatedAt:       r.CreatedAt.Time,
		UpdatedAt:       r.UpdatedAt.Time,
	}
}
