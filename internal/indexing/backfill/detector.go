package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/feewatcher/internal/core/cursor"
	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/indexing/metrics"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

// Detector finds the unscanned range between the cursor and the chain head.
// It makes no RPC calls; the caller supplies the head.
type Detector struct {
	chainID  domain.ChainID
	cursors  cursor.Manager
	gaps     storage.GapStore
	events   LatestEventFinder
	lookback uint64
}

// Detection describes what a detection run did.
type Detection struct {
	Head      uint64
	Cursor    *uint64 // nil when no cursor was stored
	GapID     string  // empty when no gap was created
	GapStart  uint64
	GapEnd    uint64
	CursorSet bool
}

// DetectAndCreateGaps queues the range the service missed while it was not
// listening. With no stored cursor the start falls back to the latest stored
// event, then to head-lookback, and the cursor is initialized to head.
func (d *Detector) DetectAndCreateGaps(ctx context.Context, head uint64) (Detection, error) {
	res := Detection{Head: head}

	last, found, err := d.cursors.Get(ctx, d.chainID)
	if err != nil {
		return res, err
	}

	if found {
		res.Cursor = &last
		if last < head {
			return res, d.queueGap(ctx, &res, last+1, head)
		}
		return res, nil
	}

	from, err := d.fallbackStart(ctx, head)
	if err != nil {
		return res, err
	}
	if from < head {
		if err := d.queueGap(ctx, &res, from+1, head); err != nil {
			return res, err
		}
	}

	if err := d.cursors.Set(ctx, d.chainID, head); err != nil {
		return res, err
	}
	res.CursorSet = true
	return res, nil
}

// fallbackStart returns the last block known to be scanned when no cursor exists.
func (d *Detector) fallbackStart(ctx context.Context, head uint64) (uint64, error) {
	latest, err := d.events.FindMostRecentByChain(ctx, d.chainID)
	if err != nil {
		return 0, fmt.Errorf("failed to get most recent event: %w", err)
	}
	if latest != nil {
		return latest.BlockNumber, nil
	}
	if head < d.lookback {
		return 0, nil
	}
	return head - d.lookback, nil
}

func (d *Detector) queueGap(ctx context.Context, res *Detection, start, end uint64) error {
	id, err := d.gaps.AddGap(ctx, d.chainID, start, end)
	if err != nil {
		return fmt.Errorf("failed to add gap %d-%d: %w", start, end, err)
	}
	res.GapID, res.GapStart, res.GapEnd = id, start, end

	label := d.chainID.String()
	metrics.GapsDetected.WithLabelValues(label).Inc()
	metrics.GapSize.WithLabelValues(label).Observe(float64(end - start + 1))

	slog.Info("gap detected",
		"component", "gap-detector",
		"chain", d.chainID,
		"gap_id", id,
		"from", start,
		"to", end,
	)
	return nil
}
