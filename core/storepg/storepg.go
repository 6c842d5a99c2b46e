// Package storepg is a Postgres-backed reference implementation of the
// inbox and event-store ports, for deployments that need delivery state
// to survive a process restart. Grounded on the teacher's sqlx-based
// infrastructure/database repositories for connection and query shape,
// and on the other_examples outbox dispatcher's `FOR UPDATE SKIP LOCKED`
// page-claim pattern for contention-free concurrent shard pickup.
package storepg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/signalcore/substrate/core/ports"
	"github.com/signalcore/substrate/core/signal"
)

// Open connects to Postgres via lib/pq and wraps the connection in sqlx,
// matching the teacher's infrastructure/database connection shape.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storepg: connect: %w", err)
	}
	return db, nil
}

// Migrate applies the bundled schema migrations from migrationsDir.
func Migrate(dsn, migrationsDir string) error {
	m, err := migrate.New("file://"+migrationsDir, dsn)
	if err != nil {
		return fmt.Errorf("storepg: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("storepg: migrate up: %w", err)
	}
	return nil
}

// InboxStorage persists pending/delivered signals in a single
// shard-partitioned table.
type InboxStorage struct {
	db *sqlx.DB
}

// NewInboxStorage wraps an open connection.
func NewInboxStorage(db *sqlx.DB) *InboxStorage { return &InboxStorage{db: db} }

type inboxRow struct {
	ShardIndex   int            `db:"shard_index"`
	ShardTotal   int            `db:"shard_total"`
	SignalID     string         `db:"signal_id"`
	TypeURL      string         `db:"type_url"`
	Payload      []byte         `db:"payload"`
	TargetID     string         `db:"target_entity_id"`
	TargetType   string         `db:"target_entity_type"`
	Status       int            `db:"status"`
	ReceivedAt   time.Time      `db:"received_at"`
	KeepUntil    sql.NullTime   `db:"keep_until"`
	ProducerID   sql.NullString `db:"producer_id"`
}

func (s *InboxStorage) Write(ctx context.Context, msg ports.InboxMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_messages
			(shard_index, shard_total, signal_id, type_url, payload, target_entity_id, target_entity_type, status, received_at, producer_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (shard_index, signal_id) DO NOTHING`,
		msg.Shard.Index, msg.Shard.OfTotal, msg.Signal.ID, msg.Signal.Payload.TypeURL, msg.Signal.Payload.Bytes,
		msg.TargetEntityID, msg.TargetEntityType, int(msg.Status), msg.ReceivedAt, msg.Signal.ProducerID)
	if err != nil {
		return fmt.Errorf("storepg: write inbox message: %w", err)
	}
	return nil
}

// ReadPage claims a page of TO_DELIVER rows with FOR UPDATE SKIP LOCKED
// so concurrent nodes racing on the same shard never block each other,
// mirroring the contention-free claim pattern of a Postgres outbox
// dispatcher.
func (s *InboxStorage) ReadPage(ctx context.Context, shard ports.ShardIndex, limit int) (ports.Page, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ports.Page{}, fmt.Errorf("storepg: begin read page: %w", err)
	}
	defer tx.Rollback()

	var rows []inboxRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT shard_index, shard_total, signal_id, type_url, payload, target_entity_id, target_entity_type, status, received_at, keep_until, producer_id
		FROM inbox_messages
		WHERE shard_index = $1 AND status = 0
		ORDER BY received_at ASC, signal_id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, shard.Index, limit)
	if err != nil {
		return ports.Page{}, fmt.Errorf("storepg: read page: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ports.Page{}, fmt.Errorf("storepg: commit read page: %w", err)
	}

	msgs := make([]ports.InboxMessage, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, rowToMessage(r))
	}
	return ports.Page{Messages: msgs}, nil
}

func rowToMessage(r inboxRow) ports.InboxMessage {
	msg := ports.InboxMessage{
		Shard:            ports.ShardIndex{Index: r.ShardIndex, OfTotal: r.ShardTotal},
		Signal:           signal.Signal{ID: r.SignalID, Payload: signal.Payload{TypeURL: r.TypeURL, Bytes: r.Payload}},
		TargetEntityID:   r.TargetID,
		TargetEntityType: r.TargetType,
		Status:           ports.InboxStatus(r.Status),
		ReceivedAt:       r.ReceivedAt,
	}
	if r.ProducerID.Valid {
		msg.Signal.ProducerID = r.ProducerID.String
	}
	if r.KeepUntil.Valid {
		ku := r.KeepUntil.Time
		msg.KeepUntil = &ku
	}
	return msg
}

func (s *InboxStorage) MarkDelivered(ctx context.Context, shard ports.ShardIndex, signalIDs []string, keepUntil time.Time) error {
	if len(signalIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE inbox_messages SET status = 1, keep_until = $1
		WHERE shard_index = $2 AND signal_id = ANY($3)`,
		keepUntil, shard.Index, pq.Array(signalIDs))
	if err != nil {
		return fmt.Errorf("storepg: mark delivered: %w", err)
	}
	return nil
}

func (s *InboxStorage) DeleteExpired(ctx context.Context, shard ports.ShardIndex, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM inbox_messages WHERE shard_index = $1 AND status = 1 AND keep_until < $2`, shard.Index, now)
	if err != nil {
		return 0, fmt.Errorf("storepg: delete expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *InboxStorage) RecentlyDelivered(ctx context.Context, shard ports.ShardIndex, signalID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM inbox_messages WHERE shard_index = $1 AND signal_id = $2 AND status = 1 AND keep_until > now())`,
		shard.Index, signalID)
	if err != nil {
		return false, fmt.Errorf("storepg: recently delivered: %w", err)
	}
	return exists, nil
}

// EventStore is an append-only Postgres event log.
type EventStore struct {
	db *sqlx.DB
}

func NewEventStore(db *sqlx.DB) *EventStore { return &EventStore{db: db} }

func (e *EventStore) Append(ctx context.Context, events []signal.Signal) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storepg: begin append: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		var versionNumber int64
		var versionTime time.Time
		if ev.Version != nil {
			versionNumber = ev.Version.Number
			versionTime = ev.Version.Timestamp
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_log (signal_id, type_url, payload, producer_id, produced_at, version_number, version_time)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (signal_id) DO NOTHING`,
			ev.ID, ev.Payload.TypeURL, ev.Payload.Bytes, ev.ProducerID, ev.ProducedAt, versionNumber, versionTime)
		if err != nil {
			return fmt.Errorf("storepg: append event: %w", err)
		}
	}
	return tx.Commit()
}

func (e *EventStore) Read(ctx context.Context, query ports.EventQuery, observe ports.EventObserver) error {
	sqlQuery := `SELECT signal_id, type_url, payload, producer_id, produced_at, version_number, version_time FROM event_log WHERE 1=1`
	args := []interface{}{}
	n := 0
	next := func(clause string, arg interface{}) {
		n++
		sqlQuery += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, arg)
	}
	if !query.Since.IsZero() {
		next("produced_at >=", query.Since)
	}
	if !query.Until.IsZero() {
		next("produced_at <", query.Until)
	}
	if query.EntityID != "" {
		next("producer_id =", query.EntityID)
	}
	if len(query.EventTypes) > 0 {
		n++
		sqlQuery += fmt.Sprintf(" AND type_url = ANY($%d)", n)
		args = append(args, pq.Array(query.EventTypes))
	}
	sqlQuery += " ORDER BY produced_at ASC, signal_id ASC"
	if query.Limit > 0 {
		n++
		sqlQuery += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, query.Limit)
	}

	rows, err := e.db.QueryxContext(ctx, sqlQuery, args...)
	if err != nil {
		return fmt.Errorf("storepg: read events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, typeURL, producerID string
		var payload []byte
		var producedAt, versionTime time.Time
		var versionNumber int64
		if err := rows.Scan(&id, &typeURL, &payload, &producerID, &producedAt, &versionNumber, &versionTime); err != nil {
			return fmt.Errorf("storepg: scan event: %w", err)
		}
		version := signal.Version{Number: versionNumber, Timestamp: versionTime}
		ev := signal.Signal{ID: id, Kind: signal.KindEvent, Payload: signal.Payload{TypeURL: typeURL, Bytes: payload}, ProducerID: producerID, ProducedAt: producedAt, Version: &version}
		if err := observe(ctx, ev); err != nil {
			return err
		}
	}
	return rows.Err()
}
