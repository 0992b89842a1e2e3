package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaVersion is bumped whenever the DDL below changes. The migration
// runs once at startup; queries never probe for optional columns.
const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS transfer_events (
		id BIGSERIAL PRIMARY KEY,
		contract TEXT NOT NULL,
		kind TEXT NOT NULL,
		operator TEXT NOT NULL DEFAULT '',
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		token_id NUMERIC NOT NULL,
		amount NUMERIC NOT NULL CHECK (amount >= 0),
		block_number BIGINT NOT NULL,
		block_timestamp BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		log_index INT NOT NULL,
		expansion_index INT NOT NULL DEFAULT 0,
		UNIQUE (tx_hash, log_index, expansion_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_events_replay
		ON transfer_events (contract, block_number, log_index, expansion_index)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_events_from ON transfer_events (contract, from_address)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_events_to ON transfer_events (contract, to_address)`,
	`CREATE TABLE IF NOT EXISTS holder_balances (
		contract TEXT NOT NULL,
		holder TEXT NOT NULL,
		token_id NUMERIC NOT NULL,
		balance NUMERIC NOT NULL CHECK (balance > 0),
		last_updated_block BIGINT NOT NULL,
		PRIMARY KEY (contract, holder, token_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_checkpoints (
		contract TEXT PRIMARY KEY,
		last_block BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// PostgresStore implements Store on pgx. Writes rely on
// ON CONFLICT ... DO NOTHING against the (tx_hash, log_index,
// expansion_index) unique constraint for idempotency.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and runs the schema migration.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, ddl := range migrations {
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
		schemaVersion,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertTransfers(ctx context.Context, events []TransferEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(
			`INSERT INTO transfer_events
				(contract, kind, operator, from_address, to_address,
				 token_id, amount, block_number, block_timestamp,
				 tx_hash, log_index, expansion_index)
			 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, $12)
			 ON CONFLICT (tx_hash, log_index, expansion_index) DO NOTHING`,
			e.Contract, string(e.Kind), e.Operator, e.From, e.To,
			e.TokenID.String(), e.Amount.String(),
			int64(e.BlockNumber), int64(e.BlockTimestamp),
			e.TxHash, int32(e.LogIndex), int32(e.ExpansionIndex),
		)
	}
	results := tx.SendBatch(ctx, batch)
	var inserted int64
	for range events {
		ct, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("insert transfer: %w", err)
		}
		inserted += ct.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *PostgresStore) DistinctBlocks(ctx context.Context, contract string) ([]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT block_number FROM transfer_events
		 WHERE contract = $1 ORDER BY block_number ASC`,
		contract,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var blocks []uint64
	for rows.Next() {
		var b int64
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		blocks = append(blocks, uint64(b))
	}
	return blocks, rows.Err()
}

const transferColumns = `contract, kind, operator, from_address, to_address,
	token_id::text, amount::text, block_number, block_timestamp,
	tx_hash, log_index, expansion_index`

func scanTransfer(rows pgx.Rows) (TransferEvent, error) {
	var (
		e                    TransferEvent
		kind                 string
		tokenID, amount      string
		blockNum, blockTime  int64
		logIndex, expansionI int32
	)
	err := rows.Scan(&e.Contract, &kind, &e.Operator, &e.From, &e.To,
		&tokenID, &amount, &blockNum, &blockTime,
		&e.TxHash, &logIndex, &expansionI)
	if err != nil {
		return e, err
	}
	e.Kind = EventKind(kind)
	e.TokenID, _ = new(big.Int).SetString(tokenID, 10)
	e.Amount, _ = new(big.Int).SetString(amount, 10)
	if e.TokenID == nil || e.Amount == nil {
		return e, fmt.Errorf("scan transfer %s/%d/%d: bad numeric", e.TxHash, logIndex, expansionI)
	}
	e.BlockNumber = uint64(blockNum)
	e.BlockTimestamp = uint64(blockTime)
	e.LogIndex = uint32(logIndex)
	e.ExpansionIndex = uint32(expansionI)
	return e, nil
}

func (s *PostgresStore) ForEachTransfer(ctx context.Context, contract string, fn func(TransferEvent) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferColumns+` FROM transfer_events
		 WHERE contract = $1
		 ORDER BY block_number ASC, log_index ASC, expansion_index ASC`,
		contract,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanTransfer(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) RebuildHolderBalances(ctx context.Context, contract string) (RebuildStats, error) {
	var stats RebuildStats
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM holder_balances WHERE contract = $1`, contract); err != nil {
		return stats, fmt.Errorf("delete balances: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+transferColumns+` FROM transfer_events
		 WHERE contract = $1
		 ORDER BY block_number ASC, log_index ASC, expansion_index ASC`,
		contract,
	)
	if err != nil {
		return stats, err
	}
	fold := newBalanceFold(contract)
	for rows.Next() {
		e, err := scanTransfer(rows)
		if err != nil {
			rows.Close()
			return stats, err
		}
		fold.apply(e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return stats, err
	}
	rows.Close()

	balances, stats, err := fold.result()
	if err != nil {
		return RebuildStats{}, err
	}
	if len(balances) > 0 {
		batch := &pgx.Batch{}
		for _, b := range balances {
			batch.Queue(
				`INSERT INTO holder_balances (contract, holder, token_id, balance, last_updated_block)
				 VALUES ($1, $2, $3::numeric, $4::numeric, $5)`,
				b.Contract, b.Holder, b.TokenID.String(), b.Balance.String(), int64(b.LastUpdatedBlock),
			)
		}
		results := tx.SendBatch(ctx, batch)
		for range balances {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return stats, fmt.Errorf("insert balance: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return stats, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *PostgresStore) Balances(ctx context.Context, contract string) ([]HolderBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT holder, token_id::text, balance::text, last_updated_block
		 FROM holder_balances WHERE contract = $1
		 ORDER BY holder ASC, token_id ASC`,
		contract,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HolderBalance
	for rows.Next() {
		var (
			b               HolderBalance
			tokenID, balStr string
			lastBlock       int64
		)
		if err := rows.Scan(&b.Holder, &tokenID, &balStr, &lastBlock); err != nil {
			return nil, err
		}
		b.Contract = contract
		b.TokenID, _ = new(big.Int).SetString(tokenID, 10)
		b.Balance, _ = new(big.Int).SetString(balStr, 10)
		if b.TokenID == nil || b.Balance == nil {
			return nil, fmt.Errorf("scan balance for %s: bad numeric", b.Holder)
		}
		b.LastUpdatedBlock = uint64(lastBlock)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MintBurnTotals(ctx context.Context, contract string) (*big.Int, *big.Int, error) {
	var mintedStr, burnedStr string
	err := s.pool.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(amount) FILTER (WHERE from_address = $2), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE to_address = $2), 0)::text
		 FROM transfer_events WHERE contract = $1`,
		contract, ZeroAddress,
	).Scan(&mintedStr, &burnedStr)
	if err != nil {
		return nil, nil, err
	}
	minted, ok1 := new(big.Int).SetString(mintedStr, 10)
	burned, ok2 := new(big.Int).SetString(burnedStr, 10)
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("mint/burn totals for %s: bad numeric", contract)
	}
	return minted, burned, nil
}

func (s *PostgresStore) Checkpoint(ctx context.Context, contract string) (uint64, bool, error) {
	var block int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_block FROM sync_checkpoints WHERE contract = $1`, contract,
	).Scan(&block)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (s *PostgresStore) SetCheckpoint(ctx context.Context, contract string, block uint64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_checkpoints (contract, last_block, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (contract) DO UPDATE SET last_block = EXCLUDED.last_block, updated_at = NOW()`,
		contract, int64(block),
	)
	return err
}

// ReconcileSequence compares the id allocator's position with max(id) and
// advances it when behind, so rolled-back batches can never make a future
// insert collide. Returns whether a correction was applied.
func (s *PostgresStore) ReconcileSequence(ctx context.Context) (bool, error) {
	var maxID int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM transfer_events`,
	).Scan(&maxID); err != nil {
		return false, err
	}
	if maxID == 0 {
		return false, nil
	}
	var lastVal int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(last_value, 0) FROM pg_sequences
		 WHERE schemaname = current_schema() AND sequencename = 'transfer_events_id_seq'`,
	).Scan(&lastVal); err != nil {
		return false, err
	}
	if lastVal >= maxID {
		return false, nil
	}
	_, err := s.pool.Exec(ctx,
		`SELECT setval(pg_get_serial_sequence('transfer_events', 'id'), $1)`, maxID,
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

var _ Store = (*PostgresStore)(nil)
