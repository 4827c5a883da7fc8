package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/feewatcher/internal/indexing/backfill"
	"github.com/vietddude/feewatcher/internal/indexing/metrics"
)

const liveBufferSize = 256

// StartRealTimeListener queues missed ranges, starts the gap processor and
// subscribes to new logs. Calling it on a running scanner is a no-op.
// The listener outlives ctx; only Stop ends it.
func (s *Scanner) StartRealTimeListener(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running.Load() {
		s.log.Debug("real-time listener already running")
		return nil
	}

	s.log.Info("starting real-time listener", "contract", s.cfg.ContractAddress)

	proc := backfill.NewProcessor(
		s.cfg.ChainID,
		backfill.Config{ChunkSize: s.cfg.GapChunkSize, ProcessInterval: s.cfg.GapInterval},
		s.gaps,
		func(ctx context.Context, from, to uint64) error {
			_, err := s.scanRange(ctx, from, to, sourceGap)
			return err
		},
	)

	detected, detectedOK := s.detect(ctx)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	proc.Start(runCtx)

	logs := make(chan types.Log, liveBufferSize)
	sub, err := s.client.SubscribeLogs(runCtx, logs)
	if err != nil {
		proc.Stop()
		cancel()
		return fmt.Errorf("failed to subscribe to logs: %w", err)
	}

	// blocks mined between detection and subscribing belong to neither
	cov := coverage{block: detected, known: detectedOK}
	if head, err := s.client.BlockNumber(ctx); err != nil {
		s.log.Warn("failed to read head after subscribing", "error", err)
	} else {
		if cov.known && head > cov.block {
			s.queueMissed(ctx, cov.block+1, head, "startup")
		}
		cov = coverage{block: head, known: true}
	}

	s.mu.Lock()
	s.processor = proc
	s.sub = sub
	s.cancel = cancel
	s.mu.Unlock()
	s.running.Store(true)
	metrics.ScannersRunning.Inc()

	s.wg.Add(1)
	go s.consume(runCtx, logs, sub, cov)

	s.log.Info("real-time listener started")
	return nil
}

// DetectAndCreateGaps queues the range between the stored cursor and the
// chain head. Failures are logged; the scanner keeps starting without a gap.
func (s *Scanner) DetectAndCreateGaps(ctx context.Context) {
	s.detect(ctx)
}

// detect runs gap detection and returns the head it covered up to.
func (s *Scanner) detect(ctx context.Context) (uint64, bool) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		s.log.Error("gap detection skipped, head unavailable", "error", err)
		return 0, false
	}

	d := backfill.NewDetector(s.cfg.ChainID, s.cursors, s.gaps, s.events, s.cfg.Lookback)
	res, err := d.DetectAndCreateGaps(ctx, head)
	if err != nil {
		s.log.Error("gap detection failed", "head", head, "error", err)
		return 0, false
	}

	if res.GapID == "" {
		s.log.Info("no gaps detected", "head", head)
	}
	if res.CursorSet {
		s.log.Info("cursor initialized", "block", head)
	}
	return head, true
}

// coverage is the highest block the live path is known to have seen.
type coverage struct {
	block uint64
	known bool
}

func (c *coverage) observe(block uint64) {
	if !c.known || block > c.block {
		c.block, c.known = block, true
	}
}

// queueMissed records a range the live subscription did not deliver.
func (s *Scanner) queueMissed(ctx context.Context, from, to uint64, reason string) {
	if from > to {
		return
	}
	id, err := s.gaps.AddGap(context.WithoutCancel(ctx), s.cfg.ChainID, from, to)
	if err != nil {
		s.log.Error("failed to queue missed range", "from", from, "to", to, "reason", reason, "error", err)
		return
	}

	label := s.cfg.ChainID.String()
	metrics.GapsDetected.WithLabelValues(label).Inc()
	metrics.GapSize.WithLabelValues(label).Observe(float64(to - from + 1))
	s.log.Info("missed range queued", "gap_id", id, "from", from, "to", to, "reason", reason)
}

// consume handles live logs until ctx is cancelled, resubscribing when the
// subscription drops. Blocks mined while it was down are queued as a gap.
func (s *Scanner) consume(ctx context.Context, logs chan types.Log, sub ethereum.Subscription, cov coverage) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case l := <-logs:
			if !l.Removed {
				cov.observe(l.BlockNumber)
			}
			s.handleLive(ctx, l)

		case err := <-sub.Err():
			if ctx.Err() != nil || !s.running.Load() {
				return
			}
			s.log.Warn("log subscription dropped", "error", err, "covered", cov.block)
			sub.Unsubscribe()

			var head uint64
			sub, head = s.resubscribe(ctx, logs)
			if sub == nil {
				// stopped while down
				s.queueOutage(ctx, cov)
				return
			}
			if cov.known {
				s.queueMissed(ctx, cov.block+1, head, "resubscribe")
			}
			cov.observe(head)

			s.mu.Lock()
			if !s.running.Load() {
				s.mu.Unlock()
				sub.Unsubscribe()
				return
			}
			s.sub = sub
			s.mu.Unlock()
		}
	}
}

func (s *Scanner) queueOutage(ctx context.Context, cov coverage) {
	if !cov.known {
		return
	}
	head, err := s.client.BlockNumber(context.WithoutCancel(ctx))
	if err != nil {
		s.log.Error("missed range unknown, head unavailable", "from", cov.block+1, "error", err)
		return
	}
	s.queueMissed(ctx, cov.block+1, head, "stopped while disconnected")
}

// resubscribe retries with exponential backoff until it succeeds or ctx ends.
// It returns the new subscription and the head read after subscribing.
func (s *Scanner) resubscribe(ctx context.Context, logs chan types.Log) (ethereum.Subscription, uint64) {
	backoff := s.minBackoff
	for {
		select {
		case <-ctx.Done():
			return nil, 0
		case <-time.After(backoff):
		}

		metrics.LiveResubscribes.WithLabelValues(s.cfg.ChainID.String()).Inc()
		sub, err := s.client.SubscribeLogs(ctx, logs)
		if err == nil {
			head, herr := s.client.BlockNumber(ctx)
			if herr == nil {
				s.log.Info("log subscription restored", "head", head)
				return sub, head
			}
			sub.Unsubscribe()
			err = fmt.Errorf("failed to read head: %w", herr)
		}

		s.log.Warn("resubscribe failed", "error", err, "retry_in", backoff)
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// handleLive stores one live log and moves the cursor to its block.
// Errors are logged and dropped; gaps are never touched here.
func (s *Scanner) handleLive(ctx context.Context, l types.Log) {
	if l.Removed {
		s.log.Debug("ignoring removed log", "block", l.BlockNumber, "tx", l.TxHash.Hex())
		return
	}
	if !s.running.Load() {
		return
	}

	work := context.WithoutCancel(ctx)
	s.log.Debug("live event", "block", l.BlockNumber, "tx", l.TxHash.Hex(), "index", l.Index)

	inserted, err := s.persist(work, l, sourceLive, false)
	if err != nil {
		s.log.Error("failed to process live event",
			"block", l.BlockNumber,
			"tx", l.TxHash.Hex(),
			"index", l.Index,
			"error", err,
		)
		return
	}
	if inserted {
		metrics.EventsPersisted.WithLabelValues(s.cfg.ChainID.String(), sourceLive).Inc()
	}

	if err := s.cursors.Set(work, s.cfg.ChainID, l.BlockNumber); err != nil {
		s.log.Error("failed to update cursor", "block", l.BlockNumber, "error", err)
	}
}

// Stop ends the listener: it saves the head as the cursor, stops the gap
// processor after its in-flight chunk and tears down the subscription.
// Work already in flight is not aborted. Calling Stop twice is a no-op.
func (s *Scanner) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.running.Swap(false) {
		s.mu.Unlock()
		return nil
	}
	proc := s.processor
	s.mu.Unlock()
	metrics.ScannersRunning.Dec()

	s.log.Info("stopping real-time listener")

	work := context.WithoutCancel(ctx)
	if head, err := s.client.BlockNumber(work); err != nil {
		s.log.Error("failed to read head on stop", "error", err)
	} else if err := s.cursors.Set(work, s.cfg.ChainID, head); err != nil {
		s.log.Error("failed to save cursor on stop", "block", head, "error", err)
	} else {
		s.log.Info("cursor saved", "block", head)
	}

	if proc != nil {
		proc.Stop()
	}

	s.mu.Lock()
	sub, cancel := s.sub, s.cancel
	s.sub, s.cancel, s.processor = nil, nil, nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.log.Info("real-time listener stopped")
	return nil
}

// Cleanup stops the scanner and closes its chain client.
func (s *Scanner) Cleanup(ctx context.Context) error {
	err := s.Stop(ctx)
	s.client.Close()
	return err
}

// Status returns the scanner state. Without a processor the gap status is
// read from the store.
func (s *Scanner) Status(ctx context.Context) (Status, error) {
	st := Status{
		ChainID:         s.cfg.ChainID,
		Running:         s.running.Load(),
		ContractAddress: s.cfg.ContractAddress,
	}

	block, found, err := s.cursors.Get(ctx, s.cfg.ChainID)
	if err != nil {
		return st, err
	}
	if found {
		st.LastProcessedBlock = &block
	}

	s.mu.Lock()
	proc := s.processor
	s.mu.Unlock()

	if proc != nil {
		st.Gaps, err = proc.GetStatus(ctx)
	} else {
		st.Gaps, err = backfill.LoadStatus(ctx, s.gaps, s.cfg.ChainID, s.gapConfig())
	}
	return st, err
}

// RequeueFailedGaps moves failed gaps back to pending.
func (s *Scanner) RequeueFailedGaps(ctx context.Context) (int, error) {
	s.mu.Lock()
	proc := s.processor
	s.mu.Unlock()

	if proc != nil {
		return proc.RequeueFailed(ctx)
	}
	return s.gaps.RequeueFailedGaps(ctx, s.cfg.ChainID)
}

func (s *Scanner) gapConfig() backfill.Config {
	return backfill.Config{ChunkSize: s.cfg.GapChunkSize, ProcessInterval: s.cfg.GapInterval}
}
