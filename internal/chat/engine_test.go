package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/events"
	"chatsync/internal/protocol"
)

type fetchCall struct {
	roomID uint64
	size   int
	cursor *string
	token  string
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []fetchCall
	respond func(ctx context.Context, call fetchCall) (protocol.Page, error)
}

func (f *fakeFetcher) FetchPage(ctx context.Context, roomID uint64, size int, cursor *string, token string) (protocol.Page, error) {
	call := fetchCall{roomID: roomID, size: size, cursor: cursor, token: token}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	respond := f.respond
	f.mu.Unlock()
	return respond(ctx, call)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) last() fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeFetcher) set(fn func(ctx context.Context, call fetchCall) (protocol.Page, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func returns(page protocol.Page) func(context.Context, fetchCall) (protocol.Page, error) {
	return func(context.Context, fetchCall) (protocol.Page, error) { return page, nil }
}

type fakeDirectory struct {
	mu       sync.Mutex
	rooms    map[uint64]uint64
	advanced []uint64
}

func newFakeDirectory(ids ...uint64) *fakeDirectory {
	d := &fakeDirectory{rooms: make(map[uint64]uint64)}
	for _, id := range ids {
		d.rooms[id] = 0
	}
	return d
}

func (d *fakeDirectory) HasRoom(ctx context.Context, roomID uint64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.rooms[roomID]
	return ok, nil
}

func (d *fakeDirectory) LastMsgID(ctx context.Context, roomID uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[roomID], nil
}

func (d *fakeDirectory) AdvanceLastMsgID(ctx context.Context, roomID, msgID uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if msgID > d.rooms[roomID] {
		d.rooms[roomID] = msgID
	}
	d.advanced = append(d.advanced, msgID)
	return nil
}

func (d *fakeDirectory) setMarker(roomID, msgID uint64) {
	d.mu.Lock()
	d.rooms[roomID] = msgID
	d.mu.Unlock()
}

// fakeViewport renders every message 10 units tall.
type fakeViewport struct {
	engine *Engine

	mu       sync.Mutex
	scrolled []int
	bottoms  int
}

func (v *fakeViewport) ContentHeight(roomID uint64) int {
	return 10 * len(v.engine.MessageList(roomID))
}

func (v *fakeViewport) ScrollBy(roomID uint64, delta int) {
	v.mu.Lock()
	v.scrolled = append(v.scrolled, delta)
	v.mu.Unlock()
}

func (v *fakeViewport) ScrollToBottom(roomID uint64) {
	v.mu.Lock()
	v.bottoms++
	v.mu.Unlock()
}

func (v *fakeViewport) bottomCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bottoms
}

type fakeReads struct {
	mu    sync.Mutex
	rooms []uint64
}

func (r *fakeReads) MarkRead(ctx context.Context, roomID uint64) error {
	r.mu.Lock()
	r.rooms = append(r.rooms, roomID)
	r.mu.Unlock()
	return nil
}

func (r *fakeReads) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.rooms...)
}

type fixture struct {
	engine  *Engine
	fetcher *fakeFetcher
	dir     *fakeDirectory
	view    *fakeViewport
	reads   *fakeReads
	bus     *events.Bus
}

func newFixture(t *testing.T, rooms ...uint64) *fixture {
	t.Helper()
	f := &fixture{
		fetcher: &fakeFetcher{respond: returns(protocol.Page{IsLast: true})},
		dir:     newFakeDirectory(rooms...),
		view:    &fakeViewport{},
		reads:   &fakeReads{},
		bus:     events.NewBus(),
	}
	f.engine = NewEngine(slog.New(slog.NewJSONHandler(io.Discard, nil)), Options{
		Fetcher:      f.fetcher,
		Directory:    f.dir,
		Viewport:     f.view,
		Reads:        f.reads,
		Tokens:       auth.Static("tok"),
		Bus:          f.bus,
		FetchTimeout: time.Second,
		ReadDebounce: 20 * time.Millisecond,
	})
	f.view.engine = f.engine
	t.Cleanup(f.engine.Close)
	return f
}

func msg(roomID, id uint64) protocol.ChatMessage {
	return protocol.ChatMessage{Message: protocol.Message{ID: id, RoomID: roomID, Type: protocol.MessageText, Content: "m"}}
}

func msgs(roomID uint64, ids ...uint64) []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, msg(roomID, id))
	}
	return out
}

func strPtr(s string) *string { return &s }

func ids(list []protocol.ChatMessage) []uint64 {
	out := make([]uint64, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID())
	}
	return out
}

func checkConsistency(t *testing.T, e *Engine) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	for roomID, c := range e.rooms {
		seen := make(map[uint64]bool, len(c.MsgIDs))
		for _, id := range c.MsgIDs {
			if seen[id] {
				t.Fatalf("room %d: duplicate id %d in %v", roomID, id, c.MsgIDs)
			}
			seen[id] = true
			if _, ok := c.MsgMap[id]; !ok {
				t.Fatalf("room %d: id %d not in map", roomID, id)
			}
		}
	}
}

// seed reloads roomID with ids and leaves the cursor at cursor.
func (f *fixture) seed(t *testing.T, roomID uint64, cursor string, list ...uint64) {
	t.Helper()
	f.fetcher.set(returns(protocol.Page{List: msgs(roomID, list...), Cursor: strPtr(cursor)}))
	f.engine.Reload(context.Background(), roomID)
	st, _ := f.engine.State(roomID)
	if st.Count != len(list) {
		t.Fatalf("seed count = %d, want %d", st.Count, len(list))
	}
}

func TestLoadOlderPage_PrependsPageAndUpdatesCursor(t *testing.T) {
	f := newFixture(t, 7)
	f.seed(t, 7, "c1", 43, 44)

	f.fetcher.set(returns(protocol.Page{List: msgs(7, 41, 42), IsLast: true, Cursor: nil}))
	f.engine.LoadOlderPage(context.Background(), 7)

	call := f.fetcher.last()
	if call.cursor == nil || *call.cursor != "c1" {
		t.Fatalf("cursor sent = %v, want c1", call.cursor)
	}
	if call.token != "tok" {
		t.Fatalf("token sent = %q, want tok", call.token)
	}
	got := ids(f.engine.MessageList(7))
	if want := []uint64{41, 42, 43, 44}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	st, _ := f.engine.State(7)
	if !st.PageInfo.IsLast {
		t.Fatalf("IsLast = false, want true")
	}
	if st.PageInfo.Cursor != nil {
		t.Fatalf("Cursor = %q, want nil", *st.PageInfo.Cursor)
	}
	if st.IsLoading {
		t.Fatalf("IsLoading = true after load")
	}
	checkConsistency(t, f.engine)
}

func TestLoadOlderPage_IdempotentMerge(t *testing.T) {
	f := newFixture(t, 7)
	f.seed(t, 7, "c1", 43, 44)

	page := protocol.Page{List: msgs(7, 41, 42), Cursor: strPtr("c1")}
	f.fetcher.set(returns(page))
	f.engine.LoadOlderPage(context.Background(), 7)
	f.engine.LoadOlderPage(context.Background(), 7)

	got := ids(f.engine.MessageList(7))
	if want := []uint64{41, 42, 43, 44}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	f.engine.mu.Lock()
	size := len(f.engine.rooms[7].MsgMap)
	f.engine.mu.Unlock()
	if size != 4 {
		t.Fatalf("map size = %d, want 4", size)
	}
	checkConsistency(t, f.engine)
}

func TestLoadOlderPage_MutualExclusion(t *testing.T) {
	f := newFixture(t, 7)
	f.seed(t, 7, "c1", 43)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.fetcher.set(func(ctx context.Context, call fetchCall) (protocol.Page, error) {
		close(entered)
		<-release
		return protocol.Page{List: msgs(7, 42), Cursor: strPtr("c0")}, nil
	})
	before := f.fetcher.count()

	done := make(chan struct{})
	go func() {
		f.engine.LoadOlderPage(context.Background(), 7)
		close(done)
	}()
	<-entered

	if st, _ := f.engine.State(7); !st.IsLoading {
		t.Fatalf("IsLoading = false while fetch in flight")
	}
	f.engine.LoadOlderPage(context.Background(), 7)
	f.engine.Reload(context.Background(), 7)
	f.engine.SyncMessages(context.Background(), 7)

	close(release)
	<-done

	if got := f.fetcher.count() - before; got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}
}

func TestLoadOlderPage_FailureResetsBoundary(t *testing.T) {
	f := newFixture(t, 7)
	f.seed(t, 7, "c1", 43, 44)

	f.fetcher.set(func(context.Context, fetchCall) (protocol.Page, error) {
		return protocol.Page{}, errors.New("boom")
	})
	f.engine.LoadOlderPage(context.Background(), 7)

	st, _ := f.engine.State(7)
	if st.IsLoading {
		t.Fatalf("IsLoading = true after failure")
	}
	if st.PageInfo.IsLast {
		t.Fatalf("IsLast = true after failure")
	}
	if st.PageInfo.Cursor != nil {
		t.Fatalf("Cursor = %q, want nil", *st.PageInfo.Cursor)
	}
	if got := ids(f.engine.MessageList(7)); !reflect.DeepEqual(got, []uint64{43, 44}) {
		t.Fatalf("ids = %v, want [43 44]", got)
	}
}

func TestLoadOlderPage_TimesOut(t *testing.T) {
	f := newFixture(t, 7)
	f.engine.fetchTimeout = 20 * time.Millisecond
	f.fetcher.set(func(ctx context.Context, call fetchCall) (protocol.Page, error) {
		<-ctx.Done()
		return protocol.Page{}, ctx.Err()
	})

	f.engine.LoadOlderPage(context.Background(), 7)

	st, _ := f.engine.State(7)
	if st.IsLoading {
		t.Fatalf("IsLoading = true after timeout")
	}
}

func TestLoadOlderPage_NoOps(t *testing.T) {
	f := newFixture(t, 7)

	f.engine.LoadOlderPage(context.Background(), 99)
	if f.fetcher.count() != 0 {
		t.Fatalf("unknown room fetched")
	}

	f.fetcher.set(returns(protocol.Page{List: msgs(7, 1), IsLast: true}))
	f.engine.Reload(context.Background(), 7)
	f.engine.LoadOlderPage(context.Background(), 7)
	if f.fetcher.count() != 1 {
		t.Fatalf("fetch calls = %d, want 1 (room at oldest page)", f.fetcher.count())
	}
}

func TestLoadOlderPage_ShiftsViewportByGrowth(t *testing.T) {
	f := newFixture(t, 7)
	f.engine.SetActiveRoom(context.Background(), 7)
	f.seed(t, 7, "c1", 43, 44)

	f.fetcher.set(returns(protocol.Page{List: msgs(7, 40, 41, 42), Cursor: strPtr("c0")}))
	f.engine.LoadOlderPage(context.Background(), 7)

	f.view.mu.Lock()
	defer f.view.mu.Unlock()
	if !reflect.DeepEqual(f.view.scrolled, []int{30}) {
		t.Fatalf("scroll deltas = %v, want [30]", f.view.scrolled)
	}
}

func TestLoadOlderPage_FirstPageOfEmptyRoomScrollsToBottom(t *testing.T) {
	f := newFixture(t, 7)
	f.engine.mu.Lock()
	f.engine.active = 7
	f.engine.mu.Unlock()

	bottoms := f.view.bottomCount()
	f.fetcher.set(returns(protocol.Page{List: msgs(7, 41, 42), Cursor: strPtr("c0")}))
	f.engine.LoadOlderPage(context.Background(), 7)

	if f.view.bottomCount() != bottoms+1 {
		t.Fatalf("scroll to bottom count = %d, want %d", f.view.bottomCount(), bottoms+1)
	}
	f.view.mu.Lock()
	defer f.view.mu.Unlock()
	if len(f.view.scrolled) != 0 {
		t.Fatalf("scroll deltas = %v, want none", f.view.scrolled)
	}
}

func TestSetActiveRoom_EmptyRoomReloadsOnce(t *testing.T) {
	f := newFixture(t, 1)
	var synced []RoomSynced
	f.bus.Subscribe(events.TopicRoomSynced, func(ev events.Event) {
		synced = append(synced, ev.Payload.(RoomSynced))
	})
	f.fetcher.set(returns(protocol.Page{List: msgs(1, 5, 6), Cursor: strPtr("c")}))

	f.engine.SetActiveRoom(context.Background(), 1)

	if f.fetcher.count() != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.fetcher.count())
	}
	if f.fetcher.last().cursor != nil {
		t.Fatalf("reload sent a cursor")
	}
	if len(synced) != 1 || synced[0] != (RoomSynced{RoomID: 1, Count: 2}) {
		t.Fatalf("roomSynced = %v", synced)
	}
	if f.view.bottomCount() == 0 {
		t.Fatalf("active room not scrolled to bottom")
	}
}

func TestSetActiveRoom_ReportsReadForBothRooms(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.engine.readDebounce = 100 * time.Millisecond
	ctx := context.Background()

	f.engine.SetActiveRoom(ctx, 1)
	f.engine.SetActiveRoom(ctx, 2)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(f.reads.snapshot()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	got := map[uint64]int{}
	for _, id := range f.reads.snapshot() {
		got[id]++
	}
	if got[1] != 1 || got[2] != 1 {
		t.Fatalf("read reports = %v, want one each for rooms 1 and 2", got)
	}
}

func TestSyncMessages(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	f.seed(t, 7, "c1", 43, 44)
	f.dir.setMarker(7, 44)
	calls := f.fetcher.count()

	f.engine.SyncMessages(ctx, 7)
	if f.fetcher.count() != calls {
		t.Fatalf("in-sync room reloaded")
	}

	f.dir.setMarker(7, 45)
	f.fetcher.set(returns(protocol.Page{List: msgs(7, 44, 45), Cursor: strPtr("c2")}))
	f.engine.SyncMessages(ctx, 7)
	if f.fetcher.count() != calls+1 {
		t.Fatalf("stale room not reloaded")
	}
	if got := ids(f.engine.MessageList(7)); !reflect.DeepEqual(got, []uint64{44, 45}) {
		t.Fatalf("ids = %v, want [44 45]", got)
	}
	if st, _ := f.engine.State(7); st.IsSyncing {
		t.Fatalf("IsSyncing left set")
	}
}

func TestSyncMessages_DeletedNewestStaysInSync(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	f.seed(t, 7, "c1", 1, 2)
	f.engine.ApplyNewMessage(ctx, msg(7, 3))
	f.engine.ApplyDelete(protocol.DeletePayload{MsgID: 3, RoomID: 7})
	f.fetcher.set(returns(protocol.Page{List: msgs(7, 1, 2)}))
	calls := f.fetcher.count()

	f.engine.SyncMessages(ctx, 7)
	f.engine.SyncMessages(ctx, 7)

	if got := f.fetcher.count() - calls; got != 0 {
		t.Fatalf("reloads after delete = %d, want 0", got)
	}
	if got := ids(f.engine.MessageList(7)); !reflect.DeepEqual(got, []uint64{1, 2}) {
		t.Fatalf("ids = %v, want [1 2]", got)
	}
}

func TestSyncMessages_OutOfOrderLiveMessage(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	f.seed(t, 7, "c1", 1, 2)
	f.engine.ApplyNewMessage(ctx, msg(7, 5))
	f.engine.ApplyNewMessage(ctx, msg(7, 4))
	calls := f.fetcher.count()

	f.engine.SyncMessages(ctx, 7)

	if f.fetcher.count() != calls {
		t.Fatalf("out-of-order arrival triggered a reload")
	}
}

func TestSyncMessages_MarkerAheadOfPageReconcilesOnce(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	f.seed(t, 7, "c1", 1, 2)

	// The directory knows of 3, but it was deleted before it reached us.
	f.dir.setMarker(7, 3)
	f.fetcher.set(returns(protocol.Page{List: msgs(7, 1, 2)}))
	calls := f.fetcher.count()

	f.engine.SyncMessages(ctx, 7)
	f.engine.SyncMessages(ctx, 7)
	f.engine.SyncMessages(ctx, 7)

	if got := f.fetcher.count() - calls; got != 1 {
		t.Fatalf("reloads = %d, want 1", got)
	}
	if st, _ := f.engine.State(7); st.LastMsgID != 3 {
		t.Fatalf("LastMsgID = %d, want 3", st.LastMsgID)
	}
}

func TestReload_FailureKeepsContent(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	f.engine.SetActiveRoom(ctx, 7)
	f.seed(t, 7, "c1", 43, 44)
	bottoms := f.view.bottomCount()

	f.fetcher.set(func(context.Context, fetchCall) (protocol.Page, error) {
		return protocol.Page{}, errors.New("offline")
	})
	f.engine.Reload(ctx, 7)

	if got := ids(f.engine.MessageList(7)); !reflect.DeepEqual(got, []uint64{43, 44}) {
		t.Fatalf("ids = %v, want [43 44]", got)
	}
	st, _ := f.engine.State(7)
	if st.IsLoading || st.IsReload {
		t.Fatalf("flags left set: %+v", st)
	}
	if st.PageInfo.Cursor != nil || st.PageInfo.IsLast {
		t.Fatalf("PageInfo = %+v, want unknown boundary", st.PageInfo)
	}
	if f.view.bottomCount() != bottoms+1 {
		t.Fatalf("failed reload did not scroll to bottom")
	}
}

func TestReload_KeepsLiveMessagesNewerThanPage(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()

	f.fetcher.set(func(ctx context.Context, call fetchCall) (protocol.Page, error) {
		f.engine.ApplyNewMessage(ctx, msg(7, 50))
		return protocol.Page{List: msgs(7, 48, 49)}, nil
	})
	f.engine.Reload(ctx, 7)

	if got := ids(f.engine.MessageList(7)); !reflect.DeepEqual(got, []uint64{48, 49, 50}) {
		t.Fatalf("ids = %v, want [48 49 50]", got)
	}
	checkConsistency(t, f.engine)
}

func TestApplyNewMessage_FollowsOnlyAtBottom(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	f.engine.SetActiveRoom(ctx, 7)
	f.seed(t, 7, "c1", 1, 2, 3)

	bottoms := f.view.bottomCount()
	f.engine.ApplyNewMessage(ctx, msg(7, 4))
	if f.view.bottomCount() != bottoms+1 {
		t.Fatalf("new message at bottom did not scroll")
	}

	// Content is 40 tall; scrolling to the top is far from the bottom.
	if f.engine.OnScroll(7, -1000) {
		t.Fatalf("OnScroll reported bottom")
	}
	bottoms = f.view.bottomCount()
	f.engine.ApplyNewMessage(ctx, msg(7, 5))
	if f.view.bottomCount() != bottoms {
		t.Fatalf("new message yanked a scrolled-up viewport")
	}

	if got := ids(f.engine.MessageList(7)); !reflect.DeepEqual(got, []uint64{1, 2, 3, 4, 5}) {
		t.Fatalf("ids = %v", got)
	}
	if marker, _ := f.dir.LastMsgID(ctx, 7); marker != 5 {
		t.Fatalf("directory marker = %d, want 5", marker)
	}
}

func TestApplyRecallAndDelete(t *testing.T) {
	f := newFixture(t, 7)
	f.seed(t, 7, "c1", 1, 2, 3)
	f.engine.Attach(f.bus)

	f.bus.Publish(events.TopicRecallMsg, protocol.RecallPayload{MsgID: 2, RoomID: 7})
	f.bus.Publish(events.TopicDeleteMsg, protocol.DeletePayload{MsgID: 3, RoomID: 7})

	list := f.engine.MessageList(7)
	if got := ids(list); !reflect.DeepEqual(got, []uint64{1, 2}) {
		t.Fatalf("ids = %v, want [1 2]", got)
	}
	if list[1].Message.Type != protocol.MessageRecall || list[1].Message.Content != "" {
		t.Fatalf("recalled message = %+v", list[1].Message)
	}
	checkConsistency(t, f.engine)
}

func TestApplyAIStream_AppendsContent(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	f.engine.SetActiveRoom(ctx, 7)
	f.seed(t, 7, "c1")
	reply := msg(7, 9)
	reply.Message.Type = protocol.MessageAIChatReply
	reply.Message.Content = "Hel"
	f.engine.ApplyNewMessage(ctx, reply)

	bottoms := f.view.bottomCount()
	f.engine.ApplyAIStream(protocol.AIStreamPayload{RoomID: 7, MsgID: 9, Content: "lo"})

	list := f.engine.MessageList(7)
	if list[0].Message.Content != "Hello" {
		t.Fatalf("content = %q, want Hello", list[0].Message.Content)
	}
	if f.view.bottomCount() != bottoms+1 {
		t.Fatalf("streamed reply did not follow")
	}
}

func TestOnScroll_BottomOffsets(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	f.engine.SetActiveRoom(ctx, 7)
	f.seed(t, 7, "c1", 1)

	// Height 10, desktop offset -678: anything >= -668 is the bottom.
	if !f.engine.OnScroll(7, -668) {
		t.Fatalf("OnScroll(-668) = false, want true")
	}
	if f.engine.OnScroll(7, -669) {
		t.Fatalf("OnScroll(-669) = true, want false")
	}
	if f.engine.OnScroll(8, 0) {
		t.Fatalf("inactive room reported bottom")
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t, 7)
	f.seed(t, 7, "c1", 1)
	f.engine.SetActiveRoom(context.Background(), 7)

	f.engine.Reset()

	if len(f.engine.Rooms()) != 0 {
		t.Fatalf("rooms = %v, want none", f.engine.Rooms())
	}
	if f.engine.ActiveRoom() != 0 {
		t.Fatalf("active room = %d, want 0", f.engine.ActiveRoom())
	}
}
