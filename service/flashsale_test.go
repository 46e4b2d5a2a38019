package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"flash-queue/apperror"
	"flash-queue/internal/testutils"
	"flash-queue/logger"
	"flash-queue/model"
	"flash-queue/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog map[int64]*model.Item

func (c fakeCatalog) GetItem(_ context.Context, itemID int64) (*model.Item, error) {
	item, ok := c[itemID]
	if !ok {
		return nil, apperror.ErrItemNotFound
	}
	return item, nil
}

type fakeOrders struct {
	mu     sync.Mutex
	nextID int64
	err    error
	orders []string
}

func (o *fakeOrders) CreateOrder(_ context.Context, userID string, itemID int64, qty int) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return 0, o.err
	}
	o.nextID++
	o.orders = append(o.orders, fmt.Sprintf("%s/%d/%d", userID, itemID, qty))
	return o.nextID, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.OutcomeEvent
}

func (p *fakePublisher) PublishOutcome(_ context.Context, ev model.OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type failingReservoir struct{}

func (failingReservoir) Reserve(context.Context, int64, int) (bool, error) {
	return false, errors.New("inventory unreachable")
}

type fixture struct {
	env       *testutils.RedisEnv
	svc       *FlashSaleService
	queue     *repository.RedisQueueRepository
	tickets   *repository.RedisTicketRepository
	inventory *repository.RedisInventoryRepository
	orders    *fakeOrders
	published *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	env := testutils.NewRedis(t)
	store := repository.NewRedisStore(env.Client)
	f := &fixture{
		env:       env,
		queue:     repository.NewRedisQueueRepository(store),
		tickets:   repository.NewRedisTicketRepository(store),
		inventory: repository.NewRedisInventoryRepository(store),
		orders:    &fakeOrders{},
		published: &fakePublisher{},
	}
	f.svc = NewFlashSaleService(Deps{
		Queue:   f.queue,
		Tickets: f.tickets,
		Markers: repository.NewRedisMarkerRepository(store),
		Catalog: fakeCatalog{
			1: {ID: 1, Name: "Limited Sneaker", Type: model.ItemTypeFlashSale},
			2: {ID: 2, Name: "Plain Socks", Type: model.ItemTypeNormal},
		},
		Inventory: f.inventory,
		Orders:    f.orders,
		Publisher: f.published,
	}, Options{
		TicketTTL:         15 * time.Second,
		ProcessingTTL:     60 * time.Second,
		ResultTTL:         600 * time.Second,
		PositionScanLimit: 5000,
	}, logger.Discard())
	return f
}

// popAndProcess does what one worker tick does, without the lock.
func (f *fixture) popAndProcess(t *testing.T, itemID int64) Outcome {
	t.Helper()
	ctx := context.Background()

	id, ok, err := f.queue.PopHead(ctx, itemID)
	require.NoError(t, err)
	require.True(t, ok, "queue unexpectedly empty")
	seq, err := f.queue.NextDequeueSeq(ctx, itemID)
	require.NoError(t, err)
	_, err = f.tickets.Update(ctx, id, map[string]any{model.FieldDequeueSeq: fmt.Sprint(seq)})
	require.NoError(t, err)
	return f.svc.ProcessTicket(ctx, id)
}

func TestJoinQueue_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		userID string
		itemID int64
		check  func(error) bool
	}{
		{"blank user", "  ", 1, apperror.IsValidation},
		{"non-positive item", "u-1", 0, apperror.IsValidation},
		{"normal item", "u-1", 2, apperror.IsValidation},
		{"unknown item", "u-1", 99, apperror.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.JoinQueue(ctx, tt.userID, tt.itemID)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}

	n, err := f.queue.Length(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n, "ineligible item never gets a queue entry")
}

func TestJoinQueue_AssignsGaplessSeq(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := f.svc.JoinQueue(ctx, fmt.Sprintf("u-%d", i), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.EnqueueSeq)

		snap, err := f.svc.GetTicketStatus(ctx, res.TicketID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusQueued, snap.Status)
		require.NotNil(t, snap.Position)
		assert.Equal(t, int64(i), *snap.Position)
		require.NotNil(t, snap.EnqueueSeq)
		assert.Equal(t, int64(i), *snap.EnqueueSeq)
	}
}

func TestJoinQueue_SameUserGetsSameTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	again, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)

	assert.Equal(t, first.TicketID, again.TicketID)
	assert.Equal(t, first.EnqueueSeq, again.EnqueueSeq)
	assert.True(t, again.Rejoined)

	n, err := f.queue.Length(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestJoinQueue_ConcurrentSameUserCreatesOneTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const joiners = 20
	ids := make([]string, joiners)
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.JoinQueue(ctx, "u-1", 1)
			if assert.NoError(t, err) {
				ids[i] = res.TicketID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	n, err := f.queue.Length(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestJoinQueue_StaleMarkerIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.env.Server.Set(repository.ActiveKey(1, "u-1"), "ghost")

	res, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	assert.NotEqual(t, "ghost", res.TicketID)
	assert.False(t, res.Rejoined)

	marker, err := f.env.Server.Get(repository.ActiveKey(1, "u-1"))
	require.NoError(t, err)
	assert.Equal(t, res.TicketID, marker)
}

// stock 1, two users: first SUCCESS, second SOLD_OUT.
func TestProcessTicket_SellsOutAfterStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.inventory.SetStock(ctx, 1, 1))

	a, err := f.svc.JoinQueue(ctx, "u-a", 1)
	require.NoError(t, err)
	b, err := f.svc.JoinQueue(ctx, "u-b", 1)
	require.NoError(t, err)

	outA := f.popAndProcess(t, 1)
	outB := f.popAndProcess(t, 1)

	assert.Equal(t, a.TicketID, outA.TicketID)
	assert.Equal(t, model.StatusSuccess, outA.Status)
	assert.Equal(t, int64(1), outA.OrderID)
	assert.Equal(t, b.TicketID, outB.TicketID)
	assert.Equal(t, model.StatusSoldOut, outB.Status)

	snapA, err := f.svc.GetTicketStatus(ctx, a.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, snapA.Status)
	require.NotNil(t, snapA.OrderID)
	assert.Equal(t, int64(1), *snapA.OrderID)
	require.NotNil(t, snapA.DequeueSeq)
	assert.Equal(t, int64(1), *snapA.DequeueSeq)
	assert.Nil(t, snapA.Position)

	snapB, err := f.svc.GetTicketStatus(ctx, b.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSoldOut, snapB.Status)
	assert.Nil(t, snapB.OrderID)

	stock, err := f.inventory.GetStock(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, stock)
	assert.Len(t, f.orders.orders, 1)

	// terminal tickets release the marker so the user can join again
	assert.False(t, f.env.Server.Exists(repository.ActiveKey(1, "u-a")))
	assert.Equal(t, 600*time.Second, f.env.Server.TTL(repository.TicketKey(a.TicketID)))

	require.Len(t, f.published.events, 2)
	assert.Equal(t, model.StatusSuccess, f.published.events[0].Status)
	assert.Equal(t, int64(1), f.published.events[0].EnqueueSeq)
	assert.Equal(t, model.StatusSoldOut, f.published.events[1].Status)
}

// Polling every 5s keeps a queued ticket alive; silence for a full TTL
// expires it.
func TestGetTicketStatus_PollingKeepsTicketAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		f.env.Server.FastForward(5 * time.Second)
		snap, err := f.svc.GetTicketStatus(ctx, res.TicketID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusQueued, snap.Status, "poll %d", i)
	}
	assert.True(t, f.env.Server.Exists(repository.ActiveKey(1, "u-1")))

	f.env.Server.FastForward(16 * time.Second)
	snap, err := f.svc.GetTicketStatus(ctx, res.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, snap.Status)
	assert.Nil(t, snap.ItemID)
	assert.Nil(t, snap.Position)
	assert.False(t, f.env.Server.Exists(repository.TicketKey(res.TicketID)), "status read does not recreate")
	assert.False(t, f.env.Server.Exists(repository.ActiveKey(1, "u-1")))
}

// A worker stopped after marking the ticket PROCESSING. Polling must not
// keep it alive past the processing TTL, and the user may join again.
func TestGetTicketStatus_StrandedProcessingLapsesWhilePolled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)

	id, ok, err := f.queue.PopHead(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.tickets.RefreshTTL(ctx, id, 60*time.Second)
	require.NoError(t, err)
	_, err = f.tickets.Update(ctx, id, map[string]any{model.FieldStatus: string(model.StatusProcessing)})
	require.NoError(t, err)
	_, err = f.svc.Markers.Refresh(ctx, 1, "u-1", 60*time.Second)
	require.NoError(t, err)

	for elapsed := 5 * time.Second; elapsed <= 120*time.Second; elapsed += 5 * time.Second {
		f.env.Server.FastForward(5 * time.Second)
		snap, err := f.svc.GetTicketStatus(ctx, res.TicketID)
		require.NoError(t, err)
		switch {
		case elapsed < 60*time.Second:
			assert.Equal(t, model.StatusProcessing, snap.Status, "after %s", elapsed)
		case elapsed > 60*time.Second:
			assert.Equal(t, model.StatusExpired, snap.Status, "after %s", elapsed)
		}
	}
	assert.False(t, f.env.Server.Exists(repository.ActiveKey(1, "u-1")))

	again, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	assert.False(t, again.Rejoined)
	assert.NotEqual(t, res.TicketID, again.TicketID)
}

// Repeated joins on a stranded PROCESSING ticket do not extend it either.
func TestJoinQueue_RejoinDoesNotExtendProcessingTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	_, _, err = f.queue.PopHead(ctx, 1)
	require.NoError(t, err)
	_, err = f.tickets.Update(ctx, res.TicketID, map[string]any{model.FieldStatus: string(model.StatusProcessing)})
	require.NoError(t, err)

	f.env.Server.FastForward(10 * time.Second)
	again, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	assert.True(t, again.Rejoined)
	assert.Equal(t, res.TicketID, again.TicketID)
	assert.Equal(t, 5*time.Second, f.env.Server.TTL(repository.TicketKey(res.TicketID)))

	f.env.Server.FastForward(6 * time.Second)
	fresh, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	assert.False(t, fresh.Rejoined)
	assert.NotEqual(t, res.TicketID, fresh.TicketID)
}

// A tick failed right after the pop: the ticket is QUEUED but no longer in
// the list, so polls stop extending it.
func TestGetTicketStatus_QueuedTicketOutOfQueueLapses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	_, _, err = f.queue.PopHead(ctx, 1)
	require.NoError(t, err)

	f.env.Server.FastForward(5 * time.Second)
	snap, err := f.svc.GetTicketStatus(ctx, res.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, snap.Status)
	assert.Nil(t, snap.Position)
	assert.Equal(t, 10*time.Second, f.env.Server.TTL(repository.TicketKey(res.TicketID)), "not extended")

	for i := 0; i < 3; i++ {
		f.env.Server.FastForward(5 * time.Second)
		_, err = f.svc.GetTicketStatus(ctx, res.TicketID)
		require.NoError(t, err)
	}
	snap, err = f.svc.GetTicketStatus(ctx, res.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, snap.Status)

	again, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	assert.NotEqual(t, res.TicketID, again.TicketID)
}

func TestGetTicketStatus_BeyondScanWindowStillHeartbeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.opts.PositionScanLimit = 1

	_, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	res, err := f.svc.JoinQueue(ctx, "u-2", 1)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		f.env.Server.FastForward(5 * time.Second)
		snap, err := f.svc.GetTicketStatus(ctx, res.TicketID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusQueued, snap.Status, "poll %d", i)
		assert.Nil(t, snap.Position)
	}
	assert.True(t, f.env.Server.Exists(repository.ActiveKey(1, "u-2")))
}

func TestGetTicketStatus_PollDoesNotShortenResultTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.inventory.SetStock(ctx, 1, 1))

	res, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	f.popAndProcess(t, 1)

	_, err = f.svc.GetTicketStatus(ctx, res.TicketID)
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, f.env.Server.TTL(repository.TicketKey(res.TicketID)))
	assert.False(t, f.env.Server.Exists(repository.ActiveKey(1, "u-1")), "terminal poll never recreates the marker")
}

func TestGetTicketStatus_UnknownAndMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.svc.GetTicketStatus(ctx, "never-issued")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, snap.Status)

	_, err = f.svc.GetTicketStatus(ctx, "")
	assert.True(t, apperror.IsValidation(err))

	f.env.Server.HSet(repository.TicketKey("bad"), model.FieldTicketID, "bad", model.FieldUserID, "u-1", model.FieldItemID, "x")
	_, err = f.svc.GetTicketStatus(ctx, "bad")
	assert.True(t, apperror.IsMalformed(err))
}

func TestProcessTicket_OrderWriteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.inventory.SetStock(ctx, 1, 5))
	f.orders.err = errors.New("db down")

	res, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)

	out := f.popAndProcess(t, 1)
	assert.Equal(t, model.StatusError, out.Status)
	assert.Equal(t, apperror.CodeOrderWriteFailed, apperror.CodeOf(out.Err))

	snap, err := f.svc.GetTicketStatus(ctx, res.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, snap.Status)

	stock, err := f.inventory.GetStock(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stock, "reserved unit is not given back")
}

func TestProcessTicket_ReservationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Inventory = failingReservoir{}

	_, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)

	out := f.popAndProcess(t, 1)
	assert.Equal(t, model.StatusError, out.Status)
	assert.Equal(t, apperror.CodeReservationFailed, apperror.CodeOf(out.Err))
	assert.Empty(t, f.orders.orders)
}

func TestProcessTicket_SkipsGoneAndDecidedTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.inventory.SetStock(ctx, 1, 5))

	out := f.svc.ProcessTicket(ctx, "gone")
	assert.True(t, out.Skipped)
	assert.False(t, f.env.Server.Exists(repository.TicketKey("gone")))

	res, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	first := f.popAndProcess(t, 1)
	require.Equal(t, model.StatusSuccess, first.Status)

	second := f.svc.ProcessTicket(ctx, res.TicketID)
	assert.True(t, second.Skipped)
	assert.Len(t, f.orders.orders, 1, "reprocessing is a no-op")

	stock, err := f.inventory.GetStock(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stock)
}

func TestProcessTicket_MalformedBecomesError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.env.Server.HSet(repository.TicketKey("bad"), model.FieldTicketID, "bad", model.FieldUserID, "u-1", model.FieldItemID, "1", model.FieldStatus, "WAITING")

	out := f.svc.ProcessTicket(ctx, "bad")
	assert.Equal(t, model.StatusError, out.Status)
	assert.True(t, apperror.IsMalformed(out.Err))

	got, err := f.tickets.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
}

type reservoirFunc func(ctx context.Context, itemID int64, qty int) (bool, error)

func (f reservoirFunc) Reserve(ctx context.Context, itemID int64, qty int) (bool, error) {
	return f(ctx, itemID, qty)
}

func TestProcessTicket_HoldsMarkerWhileProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var markerTTL time.Duration
	f.svc.Inventory = reservoirFunc(func(context.Context, int64, int) (bool, error) {
		markerTTL = f.env.Server.TTL(repository.ActiveKey(1, "u-1"))
		return false, nil
	})

	_, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	out := f.popAndProcess(t, 1)

	assert.Equal(t, model.StatusSoldOut, out.Status)
	assert.Equal(t, 60*time.Second, markerTTL)
}

func TestFinish_RejectsNonTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.JoinQueue(ctx, "u-1", 1)
	require.NoError(t, err)
	tk, err := f.tickets.Get(ctx, res.TicketID)
	require.NoError(t, err)

	out := f.svc.finish(ctx, tk, model.StatusQueued, 7, nil)
	assert.Equal(t, model.StatusError, out.Status)
	assert.Zero(t, out.OrderID)
	assert.Equal(t, apperror.CodeInternal, apperror.CodeOf(out.Err))

	got, err := f.tickets.Get(ctx, res.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Zero(t, got.OrderID)
}
