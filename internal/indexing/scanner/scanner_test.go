package scanner

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/feewatcher/internal/core/cursor"
	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/infra/chain/evm"
	"github.com/vietddude/feewatcher/internal/infra/storage/memory"
)

const testChain domain.ChainID = 137

var testContract = common.HexToAddress("0xbD6C7B0d2f68c2b7805d88388319cfB6EcB50eA9")

// fakeSub is a subscription the test can fail or inspect
type fakeSub struct {
	errc         chan error
	once         sync.Once
	unsubscribed atomic.Bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{errc: make(chan error, 1)}
}

func (s *fakeSub) Err() <-chan error { return s.errc }

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() {
		s.unsubscribed.Store(true)
		close(s.errc)
	})
}

// fakeClient serves canned logs and records subscriptions
type fakeClient struct {
	mu       sync.Mutex
	head     uint64
	headErr  error
	logs     []types.Log
	queryErr error
	tsErr    error
	subErrs  []error
	subs     []*fakeSub
	live     chan<- types.Log
	subCalls int
	subDown  error
	queries  [][2]uint64
	closed   bool

	// when set, QueryLogs signals started and blocks until gate closes
	started chan struct{}
	gate    chan struct{}
}

func (c *fakeClient) ChainID() domain.ChainID { return testChain }

func (c *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.headErr
}

func (c *fakeClient) BlockTimestamp(ctx context.Context, block uint64) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tsErr != nil {
		return time.Time{}, c.tsErr
	}
	return time.Unix(int64(1700000000+block), 0).UTC(), nil
}

func (c *fakeClient) QueryLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	c.mu.Lock()
	started, gate := c.started, c.gate
	c.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, [2]uint64{from, to})
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *fakeClient) SubscribeLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subCalls++
	if c.subDown != nil {
		return nil, c.subDown
	}
	if len(c.subErrs) > 0 {
		err := c.subErrs[0]
		c.subErrs = c.subErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	sub := newFakeSub()
	c.subs = append(c.subs, sub)
	c.live = ch
	return sub, nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClient) lastSub() *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return nil
	}
	return c.subs[len(c.subs)-1]
}

func (c *fakeClient) subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeClient) setHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subCalls
}

func (c *fakeClient) emit(l types.Log) {
	c.mu.Lock()
	ch := c.live
	c.mu.Unlock()
	ch <- l
}

func feeLog(t *testing.T, block uint64, tx byte, index uint) types.Log {
	t.Helper()
	l, err := evm.PackFeesCollected(testContract, domain.FeeAmounts{
		Token:         "0x0000000000000000000000000000000000001010",
		Integrator:    "0x1111111111111111111111111111111111111111",
		IntegratorFee: big.NewInt(1000),
		LifiFee:       big.NewInt(250),
	}, block, common.BytesToHash([]byte{tx}), index)
	if err != nil {
		t.Fatalf("PackFeesCollected: %v", err)
	}
	return l
}

type fixture struct {
	client  *fakeClient
	cursors *cursor.DefaultManager
	gaps    *memory.CursorRepo
	events  *memory.EventRepo
	scanner *Scanner
}

func newFixture(client *fakeClient) *fixture {
	store := memory.NewMemoryStorage()
	gaps := memory.NewCursorRepo(store)
	f := &fixture{
		client:  client,
		cursors: cursor.NewManager(gaps),
		gaps:    gaps,
		events:  memory.NewEventRepo(store),
	}
	f.scanner = New(Config{
		ChainID:         testChain,
		ContractAddress: testContract.Hex(),
		GapChunkSize:    100,
		GapInterval:     time.Hour,
	}, client, f.cursors, gaps, f.events)
	f.scanner.minBackoff = time.Millisecond
	f.scanner.maxBackoff = 5 * time.Millisecond
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// Range Scan Tests
// =============================================================================

func TestScanBlockRange_RescanIsIdempotent(t *testing.T) {
	client := &fakeClient{logs: []types.Log{feeLog(t, 1001, 1, 0), feeLog(t, 1002, 2, 3)}}
	f := newFixture(client)
	ctx := context.Background()

	res, err := f.scanner.ScanBlockRange(ctx, 1000, 1010)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if res.Found != 2 || res.Inserted != 2 || res.Duplicates != 0 {
		t.Fatalf("first scan result = %+v", res)
	}

	res, err = f.scanner.ScanBlockRange(ctx, 1000, 1010)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if res.Inserted != 0 || res.Duplicates != 2 {
		t.Fatalf("second scan result = %+v", res)
	}

	n, err := f.events.CountInRange(ctx, testChain, 1000, 1010)
	if err != nil {
		t.Fatalf("CountInRange: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 stored events, got %d", n)
	}
}

func TestScanBlockRange_StoresDecodedEvent(t *testing.T) {
	client := &fakeClient{logs: []types.Log{feeLog(t, 42, 9, 7)}}
	f := newFixture(client)
	ctx := context.Background()

	if _, err := f.scanner.ScanBlockRange(ctx, 42, 42); err != nil {
		t.Fatalf("scan: %v", err)
	}

	ev, err := f.events.FindMostRecentByChain(ctx, testChain)
	if err != nil || ev == nil {
		t.Fatalf("FindMostRecentByChain: ev=%v err=%v", ev, err)
	}
	if ev.IntegratorFee != "1000" || ev.LifiFee != "250" {
		t.Errorf("fees = %s/%s, want 1000/250", ev.IntegratorFee, ev.LifiFee)
	}
	if ev.LogIndex != 7 || ev.BlockNumber != 42 {
		t.Errorf("position = block %d index %d", ev.BlockNumber, ev.LogIndex)
	}
	if ev.BlockTimestamp == nil || ev.BlockTimestamp.Unix() != 1700000042 {
		t.Errorf("unexpected timestamp %v", ev.BlockTimestamp)
	}
}

func TestScanBlockRange_InvalidRange(t *testing.T) {
	f := newFixture(&fakeClient{})

	_, err := f.scanner.ScanBlockRange(context.Background(), 20, 10)
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.client.queries) != 0 {
		t.Error("invalid range must not reach the node")
	}
}

func TestScanBlockRange_UndecodableLogStopsBatch(t *testing.T) {
	bad := feeLog(t, 11, 2, 0)
	bad.Data = bad.Data[:10]

	client := &fakeClient{logs: []types.Log{feeLog(t, 10, 1, 0), bad, feeLog(t, 12, 3, 0)}}
	f := newFixture(client)
	ctx := context.Background()

	res, err := f.scanner.ScanBlockRange(ctx, 10, 12)
	if err == nil {
		t.Fatal("expected error for undecodable log")
	}
	if res.Inserted != 1 {
		t.Errorf("expected 1 event stored before the failure, got %d", res.Inserted)
	}

	n, _ := f.events.CountInRange(ctx, testChain, 10, 12)
	if n != 1 {
		t.Errorf("expected earlier event to stay stored, got %d events", n)
	}
}

func TestScanBlockRange_TimestampFailureFails(t *testing.T) {
	client := &fakeClient{logs: []types.Log{feeLog(t, 10, 1, 0)}, tsErr: errors.New("header not found")}
	f := newFixture(client)

	if _, err := f.scanner.ScanBlockRange(context.Background(), 10, 10); err == nil {
		t.Fatal("expected timestamp failure to fail the scan")
	}
}

func TestScanBlockRange_QueryError(t *testing.T) {
	f := newFixture(&fakeClient{queryErr: errors.New("429 too many requests")})

	_, err := f.scanner.ScanBlockRange(context.Background(), 1, 2)
	if err == nil {
		t.Fatal("expected query error")
	}
	classified := domain.ClassifyScanError(testChain, err)
	if domain.KindOf(classified) != domain.KindUpstream {
		t.Errorf("expected upstream kind, got %v", domain.KindOf(classified))
	}
}

// =============================================================================
// Listener Tests
// =============================================================================

func TestListener_StartQueuesMissedRange(t *testing.T) {
	f := newFixture(&fakeClient{head: 1000})
	ctx := context.Background()

	if err := f.cursors.Set(ctx, testChain, 900); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.scanner.Stop(ctx)

	if !f.scanner.IsRunning() {
		t.Fatal("expected scanner to be running")
	}

	gaps, err := f.gaps.GetGaps(ctx, testChain)
	if err != nil {
		t.Fatalf("GetGaps: %v", err)
	}
	if len(gaps) != 1 || gaps[0].StartBlock != 901 || gaps[0].EndBlock != 1000 {
		t.Fatalf("unexpected gaps %+v", gaps)
	}
}

func TestListener_StartIsIdempotent(t *testing.T) {
	f := newFixture(&fakeClient{head: 10})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.scanner.StartRealTimeListener(ctx); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	defer f.scanner.Stop(ctx)

	if n := f.client.subscriptions(); n != 1 {
		t.Errorf("expected one subscription, got %d", n)
	}
}

func TestListener_SubscribeFailure(t *testing.T) {
	f := newFixture(&fakeClient{head: 10, subErrs: []error{errors.New("dial failed")}})

	if err := f.scanner.StartRealTimeListener(context.Background()); err == nil {
		t.Fatal("expected subscribe error")
	}
	if f.scanner.IsRunning() {
		t.Error("scanner must not run without a subscription")
	}

	st, err := f.scanner.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Gaps.Running {
		t.Error("gap processor must be stopped after a failed start")
	}
}

func TestListener_LiveEventAdvancesCursorOnly(t *testing.T) {
	f := newFixture(&fakeClient{head: 4000})
	ctx := context.Background()

	if err := f.cursors.Set(ctx, testChain, 3000); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.scanner.Stop(ctx)

	before, _ := f.gaps.GetGaps(ctx, testChain)

	f.client.emit(feeLog(t, 5001, 1, 0))

	waitFor(t, "cursor at 5001", func() bool {
		block, found, _ := f.cursors.Get(ctx, testChain)
		return found && block == 5001
	})

	n, _ := f.events.CountInRange(ctx, testChain, 5001, 5001)
	if n != 1 {
		t.Errorf("expected live event stored, got %d", n)
	}

	after, _ := f.gaps.GetGaps(ctx, testChain)
	if len(before) != len(after) || after[0].StartBlock != 3001 || after[0].EndBlock != 4000 {
		t.Errorf("live events must not touch gaps: before=%+v after=%+v", before, after)
	}
}

func TestListener_LiveEventStoredWithoutTimestamp(t *testing.T) {
	f := newFixture(&fakeClient{head: 10, tsErr: errors.New("header not found")})
	ctx := context.Background()

	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.scanner.Stop(ctx)

	f.client.emit(feeLog(t, 11, 1, 0))

	waitFor(t, "live event stored", func() bool {
		n, _ := f.events.CountInRange(ctx, testChain, 11, 11)
		return n == 1
	})

	ev, _ := f.events.FindMostRecentByChain(ctx, testChain)
	if ev.BlockTimestamp != nil {
		t.Errorf("expected no timestamp, got %v", ev.BlockTimestamp)
	}
}

func TestListener_RemovedLogIgnored(t *testing.T) {
	f := newFixture(&fakeClient{head: 10})
	ctx := context.Background()

	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.scanner.Stop(ctx)

	removed := feeLog(t, 20, 1, 0)
	removed.Removed = true
	f.client.emit(removed)
	f.client.emit(feeLog(t, 21, 2, 0))

	waitFor(t, "cursor at 21", func() bool {
		block, _, _ := f.cursors.Get(ctx, testChain)
		return block == 21
	})

	n, _ := f.events.CountInRange(ctx, testChain, 20, 20)
	if n != 0 {
		t.Errorf("removed log was stored")
	}
}

func TestListener_ResubscribesAfterError(t *testing.T) {
	f := newFixture(&fakeClient{head: 10, subErrs: []error{nil, errors.New("still down")}})
	ctx := context.Background()

	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.scanner.Stop(ctx)

	f.client.lastSub().errc <- errors.New("connection reset")

	waitFor(t, "resubscription", func() bool {
		return f.client.subscriptions() == 2
	})

	f.client.emit(feeLog(t, 30, 1, 0))
	waitFor(t, "cursor at 30", func() bool {
		block, _, _ := f.cursors.Get(ctx, testChain)
		return block == 30
	})

	f.client.mu.Lock()
	calls := f.client.subCalls
	f.client.mu.Unlock()
	if calls != 3 {
		t.Errorf("expected 3 subscribe calls, got %d", calls)
	}
}

func TestListener_StopSavesHead(t *testing.T) {
	f := newFixture(&fakeClient{head: 500})
	ctx := context.Background()

	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.client.mu.Lock()
	f.client.head = 650
	f.client.mu.Unlock()

	if err := f.scanner.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.scanner.IsRunning() {
		t.Error("expected scanner stopped")
	}

	block, found, err := f.cursors.Get(ctx, testChain)
	if err != nil || !found || block != 650 {
		t.Errorf("cursor = %d found=%v err=%v, want 650", block, found, err)
	}
	if !f.client.lastSub().unsubscribed.Load() {
		t.Error("expected subscription closed")
	}

	// second stop is a no-op
	if err := f.scanner.Stop(ctx); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestListener_RestartAfterStopCreatesNoGap(t *testing.T) {
	client := &fakeClient{head: 500}
	f := newFixture(client)
	ctx := context.Background()

	if err := f.cursors.Set(ctx, testChain, 500); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	client.setHead(650)
	if err := f.scanner.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	next := New(Config{
		ChainID:         testChain,
		ContractAddress: testContract.Hex(),
		GapInterval:     time.Hour,
	}, client, f.cursors, f.gaps, f.events)
	next.DetectAndCreateGaps(ctx)

	gaps, _ := f.gaps.GetGaps(ctx, testChain)
	if len(gaps) != 0 {
		t.Fatalf("expected no gap while head is unchanged, got %+v", gaps)
	}

	client.setHead(700)
	next.DetectAndCreateGaps(ctx)

	gaps, _ = f.gaps.GetGaps(ctx, testChain)
	if len(gaps) != 1 || gaps[0].StartBlock != 651 || gaps[0].EndBlock != 700 {
		t.Fatalf("expected gap 651-700, got %+v", gaps)
	}
}

func TestListener_StopToleratesHeadFailure(t *testing.T) {
	f := newFixture(&fakeClient{head: 500})
	ctx := context.Background()

	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.client.mu.Lock()
	f.client.headErr = errors.New("node down")
	f.client.mu.Unlock()

	if err := f.scanner.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	block, _, _ := f.cursors.Get(ctx, testChain)
	if block != 500 {
		t.Errorf("cursor changed to %d", block)
	}
}

func TestListener_GapsUseScanRange(t *testing.T) {
	client := &fakeClient{head: 1000, logs: []types.Log{feeLog(t, 950, 1, 0)}}
	f := newFixture(client)
	ctx := context.Background()

	if err := f.cursors.Set(ctx, testChain, 900); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.scanner.Stop(ctx)

	processed, err := f.scanner.processor.ProcessNow(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessNow: processed=%v err=%v", processed, err)
	}

	n, _ := f.events.CountInRange(ctx, testChain, 901, 1000)
	if n != 1 {
		t.Errorf("expected gap event stored, got %d", n)
	}
	gaps, _ := f.gaps.GetGaps(ctx, testChain)
	if len(gaps) != 0 {
		t.Errorf("expected gap completed, got %+v", gaps)
	}
}

func TestStatus_WithoutListener(t *testing.T) {
	f := newFixture(&fakeClient{})
	ctx := context.Background()

	if _, err := f.gaps.AddGap(ctx, testChain, 1, 10); err != nil {
		t.Fatalf("AddGap: %v", err)
	}

	st, err := f.scanner.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running || st.LastProcessedBlock != nil {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Gaps.Stats.Pending != 1 || st.Gaps.ChunkSize != 100 {
		t.Errorf("unexpected gap status %+v", st.Gaps)
	}
}

func TestCleanupClosesClient(t *testing.T) {
	f := newFixture(&fakeClient{head: 5})
	ctx := context.Background()

	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.scanner.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if !f.client.closed {
		t.Error("expected client closed")
	}
}

func TestListener_LiveEventDuringGapChunk(t *testing.T) {
	client := &fakeClient{head: 4000}
	f := newFixture(client)
	ctx := context.Background()

	if err := f.cursors.Set(ctx, testChain, 3000); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.scanner.Stop(ctx)

	started, gate := make(chan struct{}), make(chan struct{})
	client.mu.Lock()
	client.started, client.gate = started, gate
	client.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.scanner.processor.ProcessNow(ctx)
		done <- err
	}()
	<-started

	// live events must not wait for the gate
	client.mu.Lock()
	client.started, client.gate = nil, nil
	client.mu.Unlock()

	client.emit(feeLog(t, 5001, 1, 0))
	waitFor(t, "cursor at 5001", func() bool {
		block, _, _ := f.cursors.Get(ctx, testChain)
		return block == 5001
	})

	gap, err := f.gaps.GetCurrentProcessingGap(ctx, testChain)
	if err != nil || gap == nil {
		t.Fatalf("expected a processing gap, got %v err=%v", gap, err)
	}
	if gap.CurrentProgress != 3001 || gap.StartBlock != 3001 || gap.EndBlock != 4000 {
		t.Errorf("live event changed the gap in flight: %+v", gap)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("ProcessNow: %v", err)
	}

	gap, _ = f.gaps.GetCurrentProcessingGap(ctx, testChain)
	if gap == nil || gap.CurrentProgress != 3101 {
		t.Errorf("expected progress 3101 after the chunk, got %+v", gap)
	}
	block, _, _ := f.cursors.Get(ctx, testChain)
	if block != 5001 {
		t.Errorf("chunk moved the cursor to %d", block)
	}
}

func TestListener_OutageQueuedAfterResubscribe(t *testing.T) {
	client := &fakeClient{head: 100, subErrs: []error{nil, errors.New("429 too many requests")}}
	f := newFixture(client)
	ctx := context.Background()

	if err := f.cursors.Set(ctx, testChain, 100); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.scanner.Stop(ctx)

	// an event lands while the node is unreachable
	client.mu.Lock()
	client.logs = append(client.logs, feeLog(t, 102, 1, 0))
	client.head = 105
	client.mu.Unlock()
	client.lastSub().errc <- errors.New("connection reset")

	waitFor(t, "resubscription", func() bool { return client.subscriptions() == 2 })
	waitFor(t, "missed range queued", func() bool {
		gaps, _ := f.gaps.GetGaps(ctx, testChain)
		return len(gaps) == 1
	})

	gaps, _ := f.gaps.GetGaps(ctx, testChain)
	if gaps[0].StartBlock != 101 || gaps[0].EndBlock != 105 {
		t.Fatalf("expected gap 101-105, got %+v", gaps[0])
	}

	if _, err := f.scanner.processor.ProcessNow(ctx); err != nil {
		t.Fatalf("ProcessNow: %v", err)
	}
	n, _ := f.events.CountInRange(ctx, testChain, 102, 102)
	if n != 1 {
		t.Errorf("expected the outage event stored, got %d", n)
	}
}

func TestListener_OutageQueuedWhenStoppedWhileDown(t *testing.T) {
	client := &fakeClient{head: 100}
	f := newFixture(client)
	ctx := context.Background()

	if err := f.cursors.Set(ctx, testChain, 100); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	client.mu.Lock()
	client.subDown = errors.New("dial tcp: connection refused")
	client.logs = append(client.logs, feeLog(t, 102, 1, 0))
	client.head = 105
	client.mu.Unlock()
	client.lastSub().errc <- errors.New("connection reset")

	waitFor(t, "a failed resubscribe", func() bool { return client.calls() >= 2 })

	if err := f.scanner.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	block, _, _ := f.cursors.Get(ctx, testChain)
	if block != 105 {
		t.Errorf("cursor = %d, want 105", block)
	}

	// a new scanner finds nothing new past the cursor, but the outage stays queued
	next := New(Config{
		ChainID:         testChain,
		ContractAddress: testContract.Hex(),
		GapInterval:     time.Hour,
	}, client, f.cursors, f.gaps, f.events)
	next.DetectAndCreateGaps(ctx)

	gaps, _ := f.gaps.GetGaps(ctx, testChain)
	if len(gaps) != 1 || gaps[0].StartBlock != 101 || gaps[0].EndBlock != 105 {
		t.Fatalf("expected outage gap 101-105, got %+v", gaps)
	}
}

func TestListener_StartQueuesBlocksMinedWhileSubscribing(t *testing.T) {
	client := &headSequence{fakeClient: &fakeClient{}, heads: []uint64{200, 203}}
	f := newFixture(client.fakeClient)
	f.scanner.client = client
	ctx := context.Background()

	if err := f.cursors.Set(ctx, testChain, 200); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.scanner.StartRealTimeListener(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.scanner.Stop(ctx)

	gaps, _ := f.gaps.GetGaps(ctx, testChain)
	if len(gaps) != 1 || gaps[0].StartBlock != 201 || gaps[0].EndBlock != 203 {
		t.Fatalf("expected gap 201-203, got %+v", gaps)
	}
}

// headSequence returns the given heads in order, then repeats the last one
type headSequence struct {
	*fakeClient
	mu    sync.Mutex
	heads []uint64
}

func (h *headSequence) BlockNumber(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	head := h.heads[0]
	if len(h.heads) > 1 {
		h.heads = h.heads[1:]
	}
	return head, nil
}
