package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

// maxTxRetries bounds optimistic-lock retries on a contended gap hash.
const maxTxRetries = 10

// CursorStore implements storage.CursorStore on Redis.
//
// Layout per chain:
//
//	scanner:lastBlock:<chainId>  string  last processed block
//	scanner:gaps:<chainId>       hash    gapId -> JSON gap
type CursorStore struct {
	rdb *redis.Client
	now func() time.Time
}

var _ storage.CursorStore = (*CursorStore)(nil)

// NewCursorStore creates a Redis-backed cursor store.
func NewCursorStore(client *Client) *CursorStore {
	return &CursorStore{rdb: client.rdb, now: time.Now}
}

func lastBlockKey(chainID domain.ChainID) string {
	return fmt.Sprintf("scanner:lastBlock:%s", chainID)
}

func gapsKey(chainID domain.ChainID) string {
	return fmt.Sprintf("scanner:gaps:%s", chainID)
}

// GetLastProcessedBlock returns the cursor of a chain.
func (s *CursorStore) GetLastProcessedBlock(
	ctx context.Context,
	chainID domain.ChainID,
) (uint64, bool, error) {
	val, err := s.rdb.Get(ctx, lastBlockKey(chainID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get last block failed: %w", err)
	}
	block, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid last block %q: %w", val, err)
	}
	return block, true, nil
}

// SetLastProcessedBlock overwrites the cursor of a chain.
func (s *CursorStore) SetLastProcessedBlock(
	ctx context.Context,
	chainID domain.ChainID,
	block uint64,
) error {
	if err := s.rdb.Set(ctx, lastBlockKey(chainID), strconv.FormatUint(block, 10), 0).Err(); err != nil {
		return fmt.Errorf("set last block failed: %w", err)
	}
	return nil
}

// AddGap stores a new pending gap. No overlap check is performed.
func (s *CursorStore) AddGap(
	ctx context.Context,
	chainID domain.ChainID,
	startBlock, endBlock uint64,
) (string, error) {
	if startBlock > endBlock {
		return "", domain.ValidationError("add gap", "startBlock must not exceed endBlock")
	}

	gap := domain.NewGap(uuid.New().String(), chainID, startBlock, endBlock, s.now())
	data, err := json.Marshal(gap)
	if err != nil {
		return "", fmt.Errorf("failed to marshal gap: %w", err)
	}
	if err := s.rdb.HSet(ctx, gapsKey(chainID), gap.ID, data).Err(); err != nil {
		return "", fmt.Errorf("hset gap failed: %w", err)
	}
	return gap.ID, nil
}

// GetGaps returns all gaps of a chain, oldest first.
func (s *CursorStore) GetGaps(ctx context.Context, chainID domain.ChainID) ([]*domain.Gap, error) {
	raw, err := s.rdb.HGetAll(ctx, gapsKey(chainID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall gaps failed: %w", err)
	}
	return decodeGaps(raw)
}

// GetNextPendingGap returns the oldest pending gap, or nil.
func (s *CursorStore) GetNextPendingGap(
	ctx context.Context,
	chainID domain.ChainID,
) (*domain.Gap, error) {
	return s.firstWithStatus(ctx, chainID, domain.GapStatusPending)
}

// GetCurrentProcessingGap returns the gap being processed, or nil.
func (s *CursorStore) GetCurrentProcessingGap(
	ctx context.Context,
	chainID domain.ChainID,
) (*domain.Gap, error) {
	return s.firstWithStatus(ctx, chainID, domain.GapStatusProcessing)
}

func (s *CursorStore) firstWithStatus(
	ctx context.Context,
	chainID domain.ChainID,
	status domain.GapStatus,
) (*domain.Gap, error) {
	gaps, err := s.GetGaps(ctx, chainID)
	if err != nil {
		return nil, err
	}
	for _, g := range gaps {
		if g.Status == status {
			return g, nil
		}
	}
	return nil, nil
}

// MarkGapAsProcessing claims a gap. The whole hash is watched so that two
// gaps of the same chain can never be processing at once.
func (s *CursorStore) MarkGapAsProcessing(
	ctx context.Context,
	chainID domain.ChainID,
	gapID string,
) error {
	key := gapsKey(chainID)
	return s.withRetry(ctx, key, func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("hgetall gaps failed: %w", err)
		}
		gaps, err := decodeGaps(raw)
		if err != nil {
			return err
		}

		var target *domain.Gap
		for _, g := range gaps {
			if g.ID == gapID {
				target = g
				continue
			}
			if g.Status == domain.GapStatusProcessing {
				return fmt.Errorf("gap %s: %w", g.ID, storage.ErrProcessingGapExists)
			}
		}
		if target == nil {
			return storage.ErrGapNotFound
		}

		target.Status = domain.GapStatusProcessing
		target.Error = ""
		target.UpdatedAt = s.now()
		return writeGaps(ctx, tx, key, target)
	})
}

// UpdateGapProgress stores the next unprocessed block of a gap.
func (s *CursorStore) UpdateGapProgress(
	ctx context.Context,
	chainID domain.ChainID,
	gapID string,
	progress uint64,
) error {
	return s.updateGap(ctx, chainID, gapID, func(g *domain.Gap) error {
		if progress < g.StartBlock || progress > g.EndBlock+1 {
			return fmt.Errorf(
				"progress %d outside gap %d-%d",
				progress, g.StartBlock, g.EndBlock,
			)
		}
		g.SetProgress(progress, s.now())
		return nil
	})
}

// MarkGapAsCompleted deletes the gap. Deleting an unknown gap is a no-op.
func (s *CursorStore) MarkGapAsCompleted(
	ctx context.Context,
	chainID domain.ChainID,
	gapID string,
) error {
	if err := s.rdb.HDel(ctx, gapsKey(chainID), gapID).Err(); err != nil {
		return fmt.Errorf("hdel gap failed: %w", err)
	}
	return nil
}

// MarkGapAsFailed records a failure; progress is left untouched.
func (s *CursorStore) MarkGapAsFailed(
	ctx context.Context,
	chainID domain.ChainID,
	gapID string,
	reason string,
) error {
	return s.updateGap(ctx, chainID, gapID, func(g *domain.Gap) error {
		g.Status = domain.GapStatusFailed
		g.Error = reason
		g.UpdatedAt = s.now()
		return nil
	})
}

// GetGapStats aggregates the gap queue.
func (s *CursorStore) GetGapStats(ctx context.Context, chainID domain.ChainID) (domain.GapStats, error) {
	gaps, err := s.GetGaps(ctx, chainID)
	if err != nil {
		return domain.GapStats{}, err
	}
	return domain.ComputeGapStats(gaps), nil
}

// ClearAllGaps removes the gap hash of a chain.
func (s *CursorStore) ClearAllGaps(ctx context.Context, chainID domain.ChainID) error {
	if err := s.rdb.Del(ctx, gapsKey(chainID)).Err(); err != nil {
		return fmt.Errorf("del gaps failed: %w", err)
	}
	return nil
}

// RequeueFailedGaps moves every failed gap back to pending.
func (s *CursorStore) RequeueFailedGaps(ctx context.Context, chainID domain.ChainID) (int, error) {
	key := gapsKey(chainID)
	var requeued int
	err := s.withRetry(ctx, key, func(tx *redis.Tx) error {
		requeued = 0
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("hgetall gaps failed: %w", err)
		}
		gaps, err := decodeGaps(raw)
		if err != nil {
			return err
		}

		var changed []*domain.Gap
		now := s.now()
		for _, g := range gaps {
			if g.Status != domain.GapStatusFailed {
				continue
			}
			g.Status = domain.GapStatusPending
			g.Error = ""
			g.UpdatedAt = now
			changed = append(changed, g)
		}
		if len(changed) == 0 {
			return nil
		}
		requeued = len(changed)
		return writeGaps(ctx, tx, key, changed...)
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

// updateGap applies mutate to a single gap inside a WATCH transaction.
func (s *CursorStore) updateGap(
	ctx context.Context,
	chainID domain.ChainID,
	gapID string,
	mutate func(*domain.Gap) error,
) error {
	key := gapsKey(chainID)
	return s.withRetry(ctx, key, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, gapID).Result()
		if err == redis.Nil {
			return storage.ErrGapNotFound
		}
		if err != nil {
			return fmt.Errorf("hget gap failed: %w", err)
		}

		var gap domain.Gap
		if err := json.Unmarshal([]byte(raw), &gap); err != nil {
			return fmt.Errorf("invalid gap %s: %w", gapID, err)
		}
		if err := mutate(&gap); err != nil {
			return err
		}
		return writeGaps(ctx, tx, key, &gap)
	})
}

func (s *CursorStore) withRetry(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for range maxTxRetries {
		err := s.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("gap update on %s: too many concurrent modifications", key)
}

func writeGaps(ctx context.Context, tx *redis.Tx, key string, gaps ...*domain.Gap) error {
	values := make([]any, 0, len(gaps)*2)
	for _, g := range gaps {
		data, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("failed to marshal gap: %w", err)
		}
		values = append(values, g.ID, data)
	}
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		return nil
	})
	return err
}

func decodeGaps(raw map[string]string) ([]*domain.Gap, error) {
	gaps := make([]*domain.Gap, 0, len(raw))
	for id, data := range raw {
		var g domain.Gap
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return nil, fmt.Errorf("invalid gap %s: %w", id, err)
		}
		gaps = append(gaps, &g)
	}
	domain.SortGaps(gaps)
	return gaps, nil
}
