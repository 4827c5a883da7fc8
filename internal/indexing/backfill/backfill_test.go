package backfill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/feewatcher/internal/core/cursor"
	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/infra/storage/memory"
)

const testChain domain.ChainID = 137

type scanCall struct {
	from, to uint64
}

// recordingScanner records scanned ranges and fails on demand
type recordingScanner struct {
	mu    sync.Mutex
	calls []scanCall
	err   error
}

func (s *recordingScanner) scan(ctx context.Context, from, to uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scanCall{from, to})
	return s.err
}

func newStore() *memory.CursorRepo {
	store := memory.NewMemoryStorage()
	base := time.Unix(1700000000, 0)
	var tick atomic.Int64
	store.SetClock(func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	})
	return memory.NewCursorRepo(store)
}

// =============================================================================
// Processor Tests
// =============================================================================

func TestProcessor_ProcessNow_NoGaps(t *testing.T) {
	s := &recordingScanner{}
	p := NewProcessor(testChain, Config{ChunkSize: 100}, newStore(), s.scan)

	processed, err := p.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed {
		t.Error("expected no-op tick")
	}
	if len(s.calls) != 0 {
		t.Errorf("expected no scans, got %v", s.calls)
	}
}

func TestProcessor_SingleChunkCompletesGap(t *testing.T) {
	store := newStore()
	s := &recordingScanner{}
	p := NewProcessor(testChain, Config{ChunkSize: 100}, store, s.scan)
	ctx := context.Background()

	if _, err := p.AddGap(ctx, 1000, 1050); err != nil {
		t.Fatalf("AddGap failed: %v", err)
	}

	processed, err := p.ProcessNow(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessNow: processed=%v err=%v", processed, err)
	}

	if len(s.calls) != 1 || s.calls[0] != (scanCall{1000, 1050}) {
		t.Errorf("expected scan (1000,1050), got %v", s.calls)
	}
	gaps, _ := store.GetGaps(ctx, testChain)
	if len(gaps) != 0 {
		t.Errorf("completed gap must be deleted, got %+v", gaps)
	}
}

func TestProcessor_ResumesFromProgress(t *testing.T) {
	store := newStore()
	s := &recordingScanner{}
	p := NewProcessor(testChain, Config{ChunkSize: 100}, store, s.scan)
	ctx := context.Background()

	id, _ := store.AddGap(ctx, testChain, 1000, 2000)
	_ = store.MarkGapAsProcessing(ctx, testChain, id)
	_ = store.UpdateGapProgress(ctx, testChain, id, 1500)

	if _, err := p.ProcessNow(ctx); err != nil {
		t.Fatalf("ProcessNow failed: %v", err)
	}

	if len(s.calls) != 1 || s.calls[0] != (scanCall{1500, 1599}) {
		t.Fatalf("expected scan (1500,1599), got %v", s.calls)
	}
	gap, _ := store.GetCurrentProcessingGap(ctx, testChain)
	if gap == nil {
		t.Fatal("gap must still be processing")
	}
	if gap.CurrentProgress != 1600 {
		t.Errorf("expected progress 1600, got %d", gap.CurrentProgress)
	}
	if gap.ProcessedBlocks != 600 || gap.TotalBlocks != 1001 {
		t.Errorf("expected 600 of 1001 processed, got %d of %d", gap.ProcessedBlocks, gap.TotalBlocks)
	}
}

func TestProcessor_DrainsGapInChunks(t *testing.T) {
	store := newStore()
	s := &recordingScanner{}
	p := NewProcessor(testChain, Config{ChunkSize: 10}, store, s.scan)
	ctx := context.Background()

	_, _ = p.AddGap(ctx, 100, 125)
	for i := 0; i < 5; i++ {
		_, _ = p.ProcessNow(ctx)
	}

	want := []scanCall{{100, 109}, {110, 119}, {120, 125}}
	if len(s.calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, s.calls)
	}
	for i := range want {
		if s.calls[i] != want[i] {
			t.Errorf("chunk %d: expected %v, got %v", i, want[i], s.calls[i])
		}
	}
}

func TestProcessor_OldestPendingFirst(t *testing.T) {
	store := newStore()
	s := &recordingScanner{}
	p := NewProcessor(testChain, Config{ChunkSize: 1000}, store, s.scan)
	ctx := context.Background()

	_, _ = p.AddGap(ctx, 500, 600)
	_, _ = p.AddGap(ctx, 100, 200)

	_, _ = p.ProcessNow(ctx)
	if s.calls[0].from != 500 {
		t.Errorf("expected FIFO by creation, first scan started at %d", s.calls[0].from)
	}
}

func TestProcessor_FailureMarksGapFailed(t *testing.T) {
	store := newStore()
	s := &recordingScanner{err: errors.New("rpc timeout")}
	p := NewProcessor(testChain, Config{ChunkSize: 100}, store, s.scan)
	ctx := context.Background()

	id, _ := p.AddGap(ctx, 1000, 2000)

	processed, err := p.ProcessNow(ctx)
	if err == nil || processed {
		t.Fatalf("expected failed tick, got processed=%v err=%v", processed, err)
	}

	gaps, _ := store.GetGaps(ctx, testChain)
	if len(gaps) != 1 || gaps[0].ID != id {
		t.Fatalf("unexpected gaps %+v", gaps)
	}
	g := gaps[0]
	if g.Status != domain.GapStatusFailed || g.Error != "rpc timeout" {
		t.Errorf("expected failed gap with reason, got %s %q", g.Status, g.Error)
	}
	if g.CurrentProgress != 1000 {
		t.Errorf("progress must not move on failure, got %d", g.CurrentProgress)
	}

	// Failed gaps are not picked again
	s.err = nil
	processed, err = p.ProcessNow(ctx)
	if processed || err != nil {
		t.Errorf("failed gap must not be retried automatically: %v %v", processed, err)
	}
}

func TestProcessor_RequeueFailed(t *testing.T) {
	store := newStore()
	s := &recordingScanner{err: errors.New("boom")}
	p := NewProcessor(testChain, Config{ChunkSize: 100}, store, s.scan)
	ctx := context.Background()

	_, _ = p.AddGap(ctx, 1, 50)
	_, _ = p.ProcessNow(ctx)

	n, err := p.RequeueFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueFailed = %d, %v", n, err)
	}

	s.err = nil
	processed, err := p.ProcessNow(ctx)
	if !processed || err != nil {
		t.Fatalf("requeued gap must be processed: %v %v", processed, err)
	}
	st, _ := p.GetStatus(ctx)
	if st.Stats.Total != 0 {
		t.Errorf("expected empty queue, got %+v", st.Stats)
	}
}

func TestProcessor_AddGapValidation(t *testing.T) {
	p := NewProcessor(testChain, Config{}, newStore(), (&recordingScanner{}).scan)
	if _, err := p.AddGap(context.Background(), 10, 5); domain.KindOf(err) != domain.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestProcessor_GetStatus(t *testing.T) {
	store := newStore()
	p := NewProcessor(testChain, Config{ChunkSize: 100, ProcessInterval: time.Hour}, store, (&recordingScanner{}).scan)
	ctx := context.Background()

	_, _ = p.AddGap(ctx, 1000, 1099)
	_, _ = p.AddGap(ctx, 2000, 2299)

	p.Start(ctx)
	defer p.Stop()

	st, err := p.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !st.Running || st.ChunkSize != 100 || st.ProcessIntervalMs != 3600000 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Stats.Pending != 2 || st.Stats.RemainingBlocks != 400 {
		t.Errorf("unexpected stats %+v", st.Stats)
	}
	if st.CurrentGap != nil {
		t.Errorf("no gap should be processing yet")
	}
}

func TestProcessor_Defaults(t *testing.T) {
	p := NewProcessor(testChain, Config{}, newStore(), nil)
	if p.config != DefaultConfig() {
		t.Errorf("expected defaults, got %+v", p.config)
	}
}

// blockingScanner blocks each scan until released
type blockingScanner struct {
	started chan struct{}
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	done    atomic.Int32
}

func (s *blockingScanner) scan(ctx context.Context, from, to uint64) error {
	n := s.active.Add(1)
	if n > s.peak.Load() {
		s.peak.Store(n)
	}
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.release
	s.active.Add(-1)
	s.done.Add(1)
	return nil
}

func TestProcessor_StopWaitsForInFlightTick(t *testing.T) {
	store := newStore()
	s := &blockingScanner{started: make(chan struct{}, 1), release: make(chan struct{})}
	p := NewProcessor(testChain, Config{ChunkSize: 10, ProcessInterval: time.Millisecond}, store, s.scan)
	ctx := context.Background()

	_, _ = p.AddGap(ctx, 1, 100)
	p.Start(ctx)
	<-s.started

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a chunk was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(s.release)
	<-stopped

	if s.peak.Load() != 1 {
		t.Errorf("ticks overlapped: peak %d", s.peak.Load())
	}

	// The in-flight chunk result is still applied
	gap, _ := store.GetCurrentProcessingGap(ctx, testChain)
	if gap == nil || gap.CurrentProgress != 1+10*uint64(s.done.Load()) {
		t.Errorf("in-flight chunk progress not applied: %+v", gap)
	}
	if p.IsRunning() {
		t.Error("processor still running after Stop")
	}
}

// =============================================================================
// Detector Tests
// =============================================================================

type fakeEvents struct {
	latest *domain.FeeEvent
	err    error
}

func (f *fakeEvents) FindMostRecentByChain(ctx context.Context, chainID domain.ChainID) (*domain.FeeEvent, error) {
	return f.latest, f.err
}

func TestDetector_CursorBehindHead(t *testing.T) {
	store := newStore()
	cursors := cursor.NewManager(store)
	ctx := context.Background()
	_ = cursors.Set(ctx, testChain, 1000)

	d := NewDetector(testChain, cursors, store, &fakeEvents{}, 100)
	res, err := d.DetectAndCreateGaps(ctx, 1200)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if res.GapStart != 1001 || res.GapEnd != 1200 || res.CursorSet {
		t.Errorf("unexpected detection %+v", res)
	}

	gaps, _ := store.GetGaps(ctx, testChain)
	if len(gaps) != 1 || gaps[0].StartBlock != 1001 || gaps[0].EndBlock != 1200 {
		t.Errorf("unexpected gaps %+v", gaps)
	}
	if block, _, _ := cursors.Get(ctx, testChain); block != 1000 {
		t.Errorf("cursor must not move when present, got %d", block)
	}
}

func TestDetector_CursorAtOrAheadOfHead(t *testing.T) {
	store := newStore()
	cursors := cursor.NewManager(store)
	ctx := context.Background()
	_ = cursors.Set(ctx, testChain, 1200)

	d := NewDetector(testChain, cursors, store, &fakeEvents{}, 100)
	res, err := d.DetectAndCreateGaps(ctx, 1200)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if res.GapID != "" {
		t.Errorf("expected no gap, got %+v", res)
	}
}

func TestDetector_NoCursorUsesLatestEvent(t *testing.T) {
	store := newStore()
	cursors := cursor.NewManager(store)
	ctx := context.Background()

	d := NewDetector(testChain, cursors, store, &fakeEvents{latest: &domain.FeeEvent{BlockNumber: 900}}, 100)
	res, err := d.DetectAndCreateGaps(ctx, 1200)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if res.GapStart != 901 || res.GapEnd != 1200 || !res.CursorSet {
		t.Errorf("unexpected detection %+v", res)
	}
	if block, found, _ := cursors.Get(ctx, testChain); !found || block != 1200 {
		t.Errorf("cursor must be set to head, got %d (found=%v)", block, found)
	}
}

func TestDetector_NoCursorNoEventsUsesLookback(t *testing.T) {
	store := newStore()
	cursors := cursor.NewManager(store)
	ctx := context.Background()

	d := NewDetector(testChain, cursors, store, &fakeEvents{}, 100)
	res, _ := d.DetectAndCreateGaps(ctx, 1200)
	if res.GapStart != 1101 || res.GapEnd != 1200 {
		t.Errorf("expected gap 1101-1200, got %+v", res)
	}
}

func TestDetector_LookbackSaturatesAtZero(t *testing.T) {
	store := newStore()
	cursors := cursor.NewManager(store)
	ctx := context.Background()

	d := NewDetector(testChain, cursors, store, &fakeEvents{}, 100)
	res, _ := d.DetectAndCreateGaps(ctx, 50)
	if res.GapStart != 1 || res.GapEnd != 50 {
		t.Errorf("expected gap 1-50, got %+v", res)
	}
}

func TestDetector_LatestEventAtHead(t *testing.T) {
	store := newStore()
	cursors := cursor.NewManager(store)
	ctx := context.Background()

	d := NewDetector(testChain, cursors, store, &fakeEvents{latest: &domain.FeeEvent{BlockNumber: 1200}}, 100)
	res, _ := d.DetectAndCreateGaps(ctx, 1200)
	if res.GapID != "" || !res.CursorSet {
		t.Errorf("expected cursor set without gap, got %+v", res)
	}
}

func TestDetector_EventLookupError(t *testing.T) {
	store := newStore()
	cursors := cursor.NewManager(store)
	ctx := context.Background()

	d := NewDetector(testChain, cursors, store, &fakeEvents{err: errors.New("db down")}, 100)
	if _, err := d.DetectAndCreateGaps(ctx, 1200); err == nil {
		t.Fatal("expected error")
	}
	if _, found, _ := cursors.Get(ctx, testChain); found {
		t.Error("cursor must not be set when detection fails")
	}
}
