package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"slotwatch/internal/model"
	"slotwatch/pkg/logx"
)

type fakeSource struct {
	spots []model.Spot
}

func (f *fakeSource) Fetch(context.Context) []model.Spot { return f.spots }

type fakeArchive struct {
	snapshots []*model.Snapshot
	subs      []model.Subscriber
	records   []model.NotificationRecord
}

func (f *fakeArchive) LatestSnapshot(context.Context) (*model.Snapshot, error) {
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	return f.snapshots[len(f.snapshots)-1], nil
}

func (f *fakeArchive) AppendSnapshot(_ context.Context, snap *model.Snapshot) error {
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeArchive) AlertSubscribers(context.Context) ([]model.Subscriber, error) {
	return f.subs, nil
}

func (f *fakeArchive) AppendNotification(_ context.Context, rec model.NotificationRecord) error {
	f.records = append(f.records, rec)
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []int64
	fail bool
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false
	}
	f.sent = append(f.sent, chatID)
	return true
}

func spot(univ, date string, status model.SpotStatus) model.Spot {
	return model.Spot{ExamType: "CENT@CASA", Univ: univ, TestDate: date, Status: status}
}

func newTestDispatcher(src Source, ar *fakeArchive, snd *fakeSender) *Dispatcher {
	return NewDispatcher(src, ar, snd, "https://example.org/book", logx.Nop())
}

func TestFirstCycleSuppressesAlerts(t *testing.T) {
	src := &fakeSource{spots: []model.Spot{spot("Sapienza", "15/09", model.StatusAvailable)}}
	ar := &fakeArchive{subs: []model.Subscriber{{ChatID: 1, AlertEnabled: true}}}
	snd := &fakeSender{}

	res, err := newTestDispatcher(src, ar, snd).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(snd.sent) != 0 {
		t.Fatalf("first cycle sent %d alerts, want 0", len(snd.sent))
	}
	if len(ar.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1 (baseline still recorded)", len(ar.snapshots))
	}
	if res.Snapshot.AvailableCount != 1 {
		t.Fatalf("available count = %d, want 1", res.Snapshot.AvailableCount)
	}
}

func TestNewlyAvailableAlertsOncePerSubscriber(t *testing.T) {
	src := &fakeSource{spots: []model.Spot{spot("Sapienza", "15/09", model.StatusExhausted)}}
	ar := &fakeArchive{subs: []model.Subscriber{{ChatID: 1}, {ChatID: 2}}}
	snd := &fakeSender{}
	d := newTestDispatcher(src, ar, snd)
	ctx := context.Background()

	if _, err := d.RunCycle(ctx); err != nil {
		t.Fatalf("baseline cycle: %v", err)
	}

	// The spot flips to available.
	src.spots = []model.Spot{spot("Sapienza", "15/09", model.StatusAvailable)}
	res, err := d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(res.NewlyOpen) != 1 {
		t.Fatalf("newly open = %d, want 1", len(res.NewlyOpen))
	}
	if res.AlertsSent != 2 || len(snd.sent) != 2 {
		t.Fatalf("alerts sent = %d/%d, want 2", res.AlertsSent, len(snd.sent))
	}
	if len(ar.records) != 2 {
		t.Fatalf("audit records = %d, want 2", len(ar.records))
	}
	if ar.records[0].SpotKey != "Sapienza|15/09" {
		t.Fatalf("audit key = %q", ar.records[0].SpotKey)
	}
}

func TestStillAvailableDoesNotReAlert(t *testing.T) {
	src := &fakeSource{spots: []model.Spot{spot("Sapienza", "15/09", model.StatusAvailable)}}
	ar := &fakeArchive{subs: []model.Subscriber{{ChatID: 1}}}
	snd := &fakeSender{}
	d := newTestDispatcher(src, ar, snd)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if len(snd.sent) != 0 {
		t.Fatalf("continuously-open slot alerted %d times, want 0", len(snd.sent))
	}
	if len(ar.snapshots) != 3 {
		t.Fatalf("snapshots = %d, want 3 (one per cycle)", len(ar.snapshots))
	}
}

func TestReopenedSpotAlertsAgain(t *testing.T) {
	src := &fakeSource{spots: []model.Spot{spot("Sapienza", "15/09", model.StatusAvailable)}}
	ar := &fakeArchive{subs: []model.Subscriber{{ChatID: 1}}}
	snd := &fakeSender{}
	d := newTestDispatcher(src, ar, snd)
	ctx := context.Background()

	_, _ = d.RunCycle(ctx) // baseline, available
	src.spots = []model.Spot{spot("Sapienza", "15/09", model.StatusExhausted)}
	_, _ = d.RunCycle(ctx) // closes
	src.spots = []model.Spot{spot("Sapienza", "15/09", model.StatusAvailable)}
	res, err := d.RunCycle(ctx) // reopens
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.AlertsSent != 1 {
		t.Fatalf("reopened spot alerts = %d, want 1", res.AlertsSent)
	}
}

func TestSendFailureCountedNotAudited(t *testing.T) {
	src := &fakeSource{spots: []model.Spot{spot("Sapienza", "15/09", model.StatusExhausted)}}
	ar := &fakeArchive{subs: []model.Subscriber{{ChatID: 1}}}
	snd := &fakeSender{}
	d := newTestDispatcher(src, ar, snd)
	ctx := context.Background()

	_, _ = d.RunCycle(ctx)
	snd.fail = true
	src.spots = []model.Spot{spot("Sapienza", "15/09", model.StatusAvailable)}
	res, err := d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.AlertsSent != 0 || res.AlertsFailed != 1 {
		t.Fatalf("sent=%d failed=%d, want 0/1", res.AlertsSent, res.AlertsFailed)
	}
	if len(ar.records) != 0 {
		t.Fatalf("failed send produced %d audit records, want 0", len(ar.records))
	}
}

// slowSource delays Fetch so two RunCycle callers are forced to overlap in
// time; serialized cycles must still alert exactly once for one flip.
type slowSource struct {
	fakeSource
	delay time.Duration
}

func (s *slowSource) Fetch(ctx context.Context) []model.Spot {
	time.Sleep(s.delay)
	return s.fakeSource.Fetch(ctx)
}

func TestConcurrentCyclesAlertOnce(t *testing.T) {
	src := &slowSource{delay: 20 * time.Millisecond}
	src.spots = []model.Spot{spot("Sapienza", "15/09", model.StatusExhausted)}
	ar := &fakeArchive{subs: []model.Subscriber{{ChatID: 1}}}
	snd := &fakeSender{}
	d := newTestDispatcher(src, ar, snd)
	ctx := context.Background()

	if _, err := d.RunCycle(ctx); err != nil {
		t.Fatalf("baseline cycle: %v", err)
	}
	src.spots = []model.Spot{spot("Sapienza", "15/09", model.StatusAvailable)}

	// The scheduled cycle and an operator refresh land at the same time.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.RunCycle(ctx); err != nil {
				t.Errorf("cycle: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(snd.sent) != 1 {
		t.Fatalf("one flip alerted %d times across concurrent cycles, want 1", len(snd.sent))
	}
	if len(ar.snapshots) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(ar.snapshots))
	}
}

func TestDiffIsIdempotent(t *testing.T) {
	prev := &model.Snapshot{Spots: []model.Spot{
		spot("Sapienza", "15/09", model.StatusAvailable),
		spot("Bologna", "20/09", model.StatusExhausted),
	}}
	cur := []model.Spot{
		spot("Sapienza", "15/09", model.StatusAvailable), // still open: not new
		spot("Bologna", "20/09", model.StatusAvailable),  // flipped open: new
		spot("Padova", "25/09", model.StatusAvailable),   // appeared open: new
		spot("Torino", "30/09", model.StatusExhausted),   // closed: never new
	}

	first := newlyAvailable(prev, cur)
	second := newlyAvailable(prev, cur)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("newly available = %d then %d, want 2 both times", len(first), len(second))
	}
	for i := range first {
		if first[i].Key() != second[i].Key() {
			t.Fatalf("diff differs between runs: %q vs %q", first[i].Key(), second[i].Key())
		}
	}
	if first[0].Univ != "Bologna" || first[1].Univ != "Padova" {
		t.Fatalf("newly available = %q, %q", first[0].Univ, first[1].Univ)
	}
}

func TestEmptyScrapeStillSnapshots(t *testing.T) {
	src := &fakeSource{spots: []model.Spot{spot("Sapienza", "15/09", model.StatusAvailable)}}
	ar := &fakeArchive{subs: []model.Subscriber{{ChatID: 1}}}
	snd := &fakeSender{}
	d := newTestDispatcher(src, ar, snd)
	ctx := context.Background()

	_, _ = d.RunCycle(ctx)
	src.spots = nil // fetch failure degrades to empty
	res, err := d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Snapshot.AvailableCount != 0 || len(ar.snapshots) != 2 {
		t.Fatalf("empty cycle snapshot = %+v (total %d)", res.Snapshot, len(ar.snapshots))
	}
	if res.Snapshot.TakenAt.After(time.Now().Add(time.Second)) {
		t.Fatalf("implausible snapshot time %v", res.Snapshot.TakenAt)
	}
}
