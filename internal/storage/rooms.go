package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const roomColumns = `id, name, avatar, type, last_msg_id, pinned, pin_time_ms, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(sc rowScanner) (RoomRow, error) {
	var (
		r         RoomRow
		id, last  int64
		pinnedInt int
	)
	if err := sc.Scan(&id, &r.Name, &r.Avatar, &r.Type, &last, &pinnedInt, &r.PinTimeMs, &r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
		return RoomRow{}, err
	}
	r.ID = uint64(id)
	r.LastMsgID = uint64(last)
	r.Pinned = pinnedInt != 0
	return r, nil
}

// UpsertRoom inserts the room or refreshes its metadata. last_msg_id never
// moves backwards.
func (s *Store) UpsertRoom(ctx context.Context, room RoomRow, nowMs int64) (RoomRow, error) {
	if s == nil || s.db == nil {
		return RoomRow{}, fmt.Errorf("db not initialized")
	}
	if room.ID == 0 {
		return RoomRow{}, fmt.Errorf("missing room id")
	}

	q := `INSERT INTO rooms (id, name, avatar, type, last_msg_id, pinned, pin_time_ms, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				avatar = excluded.avatar,
				type = excluded.type,
				last_msg_id = ` + s.greatest() + `(rooms.last_msg_id, excluded.last_msg_id),
				pinned = excluded.pinned,
				pin_time_ms = excluded.pin_time_ms,
				updated_at_ms = excluded.updated_at_ms;`
	if _, err := s.db.ExecContext(ctx, s.rebind(q),
		int64(room.ID), room.Name, room.Avatar, room.Type, int64(room.LastMsgID),
		boolToInt(room.Pinned), room.PinTimeMs, nowMs, nowMs,
	); err != nil {
		return RoomRow{}, err
	}
	return s.GetRoom(ctx, room.ID)
}

func (s *Store) GetRoom(ctx context.Context, roomID uint64) (RoomRow, error) {
	if s == nil || s.db == nil {
		return RoomRow{}, fmt.Errorf("db not initialized")
	}
	q := `SELECT ` + roomColumns + ` FROM rooms WHERE id = ?;`
	r, err := scanRoom(s.db.QueryRowContext(ctx, s.rebind(q), int64(roomID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoomRow{}, fmt.Errorf("%w: room %d", ErrNotFound, roomID)
		}
		return RoomRow{}, err
	}
	return r, nil
}

// ListRooms returns pinned rooms first (latest pin first), then the rest by
// most recent activity.
func (s *Store) ListRooms(ctx context.Context) ([]RoomRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	q := `SELECT ` + roomColumns + ` FROM rooms
			ORDER BY pinned DESC, pin_time_ms DESC, updated_at_ms DESC, id ASC;`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoomRow
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) HasRoom(ctx context.Context, roomID uint64) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("db not initialized")
	}
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM rooms WHERE id = ?;`), int64(roomID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LastMsgID is the newest message id the directory knows for the room, 0
// when none is known.
func (s *Store) LastMsgID(ctx context.Context, roomID uint64) (uint64, error) {
	r, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return r.LastMsgID, nil
}

// AdvanceLastMsgID raises the room's marker to msgID. Lower ids and unknown
// rooms are ignored.
func (s *Store) AdvanceLastMsgID(ctx context.Context, roomID, msgID uint64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	q := `UPDATE rooms SET last_msg_id = ?, updated_at_ms = ? WHERE id = ? AND last_msg_id < ?;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), int64(msgID), time.Now().UnixMilli(), int64(roomID), int64(msgID))
	return err
}

func (s *Store) SetPinned(ctx context.Context, roomID uint64, pinned bool, pinTimeMs int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	if !pinned {
		pinTimeMs = 0
	}
	q := `UPDATE rooms SET pinned = ?, pin_time_ms = ? WHERE id = ?;`
	return s.execOne(ctx, q, roomID, boolToInt(pinned), pinTimeMs, int64(roomID))
}

// UpdateRoomInfo changes the name and avatar; empty values keep the old one.
func (s *Store) UpdateRoomInfo(ctx context.Context, roomID uint64, name, avatar string, nowMs int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	q := `UPDATE rooms
			SET name = COALESCE(NULLIF(?, ''), name),
				avatar = COALESCE(NULLIF(?, ''), avatar),
				updated_at_ms = ?
			WHERE id = ?;`
	return s.execOne(ctx, q, roomID, name, avatar, nowMs, int64(roomID))
}

func (s *Store) DeleteRoom(ctx context.Context, roomID uint64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	return s.execOne(ctx, `DELETE FROM rooms WHERE id = ?;`, roomID, int64(roomID))
}

func (s *Store) execOne(ctx context.Context, q string, roomID uint64, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: room %d", ErrNotFound, roomID)
	}
	return nil
}
