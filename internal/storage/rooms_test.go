package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestUpsertRoom_KeepsMarkerMonotonic(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.UpsertRoom(ctx, RoomRow{ID: 7, Name: "general", Type: RoomTypeGroup, LastMsgID: 40}, 1000); err != nil {
		t.Fatalf("UpsertRoom() error = %v", err)
	}
	r, err := store.UpsertRoom(ctx, RoomRow{ID: 7, Name: "General", Type: RoomTypeGroup, LastMsgID: 12}, 2000)
	if err != nil {
		t.Fatalf("UpsertRoom() error = %v", err)
	}
	if r.Name != "General" {
		t.Fatalf("Name = %q, want General", r.Name)
	}
	if r.LastMsgID != 40 {
		t.Fatalf("LastMsgID = %d, want 40", r.LastMsgID)
	}
	if r.CreatedAtMs != 1000 || r.UpdatedAtMs != 2000 {
		t.Fatalf("timestamps = %d/%d, want 1000/2000", r.CreatedAtMs, r.UpdatedAtMs)
	}
}

func TestAdvanceLastMsgID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.UpsertRoom(ctx, RoomRow{ID: 7, LastMsgID: 40}, 1000); err != nil {
		t.Fatalf("UpsertRoom() error = %v", err)
	}

	for _, id := range []uint64{41, 39, 45} {
		if err := store.AdvanceLastMsgID(ctx, 7, id); err != nil {
			t.Fatalf("AdvanceLastMsgID(%d) error = %v", id, err)
		}
	}
	got, err := store.LastMsgID(ctx, 7)
	if err != nil {
		t.Fatalf("LastMsgID() error = %v", err)
	}
	if got != 45 {
		t.Fatalf("LastMsgID = %d, want 45", got)
	}

	if err := store.AdvanceLastMsgID(ctx, 99, 1); err != nil {
		t.Fatalf("AdvanceLastMsgID(unknown) error = %v", err)
	}
	if ok, _ := store.HasRoom(ctx, 99); ok {
		t.Fatalf("AdvanceLastMsgID created a room")
	}
}

func TestHasRoomAndDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.UpsertRoom(ctx, RoomRow{ID: 3}, 1); err != nil {
		t.Fatalf("UpsertRoom() error = %v", err)
	}

	if ok, err := store.HasRoom(ctx, 3); err != nil || !ok {
		t.Fatalf("HasRoom(3) = %v, %v, want true", ok, err)
	}
	if err := store.DeleteRoom(ctx, 3); err != nil {
		t.Fatalf("DeleteRoom() error = %v", err)
	}
	if ok, _ := store.HasRoom(ctx, 3); ok {
		t.Fatalf("HasRoom(3) = true after delete")
	}
	if err := store.DeleteRoom(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteRoom() twice error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetRoom(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRoom() error = %v, want ErrNotFound", err)
	}
}

func TestListRooms_PinnedFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for i, id := range []uint64{1, 2, 3} {
		if _, err := store.UpsertRoom(ctx, RoomRow{ID: id}, int64(100+i)); err != nil {
			t.Fatalf("UpsertRoom(%d) error = %v", id, err)
		}
	}
	if err := store.SetPinned(ctx, 1, true, 500); err != nil {
		t.Fatalf("SetPinned() error = %v", err)
	}

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() error = %v", err)
	}
	var got []uint64
	for _, r := range rooms {
		got = append(got, r.ID)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 2 {
		t.Fatalf("order = %v, want [1 3 2]", got)
	}
	if !rooms[0].Pinned || rooms[0].PinTimeMs != 500 {
		t.Fatalf("room 1 = %+v, want pinned at 500", rooms[0])
	}

	if err := store.SetPinned(ctx, 1, false, 900); err != nil {
		t.Fatalf("SetPinned(false) error = %v", err)
	}
	r, _ := store.GetRoom(ctx, 1)
	if r.Pinned || r.PinTimeMs != 0 {
		t.Fatalf("room 1 = %+v, want unpinned", r)
	}
}

func TestUpdateRoomInfo_KeepsEmptyFields(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.UpsertRoom(ctx, RoomRow{ID: 5, Name: "old", Avatar: "a.png"}, 1); err != nil {
		t.Fatalf("UpsertRoom() error = %v", err)
	}

	if err := store.UpdateRoomInfo(ctx, 5, "new", "", 2); err != nil {
		t.Fatalf("UpdateRoomInfo() error = %v", err)
	}
	r, _ := store.GetRoom(ctx, 5)
	if r.Name != "new" || r.Avatar != "a.png" {
		t.Fatalf("room = %+v, want name new avatar a.png", r)
	}
	if err := store.UpdateRoomInfo(ctx, 6, "x", "", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateRoomInfo(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestOpen_CgoSQLiteDriver(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store, err := Open(ctx, "sqlite3::memory:", logger)
	if err != nil {
		t.Skipf("sqlite3 driver unavailable: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := store.UpsertRoom(ctx, RoomRow{ID: 1, LastMsgID: 3}, 1); err != nil {
		t.Fatalf("UpsertRoom() error = %v", err)
	}
	if got, _ := store.LastMsgID(ctx, 1); got != 3 {
		t.Fatalf("LastMsgID = %d, want 3", got)
	}
}
