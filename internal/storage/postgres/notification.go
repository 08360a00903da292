package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/notify"
)

const (
	insertNotificationSQL = `INSERT INTO notifications (user_id, kind, order_id, payload, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4::jsonb, $5)`

	notificationExistsSQL = `SELECT EXISTS (
		SELECT 1 FROM notifications WHERE kind = $1 AND order_id = $2)`
)

var (
	_ notify.Notifier = (*NotificationStore)(nil)
	_ notify.Log      = (*NotificationStore)(nil)
)

// NotificationStore records notifications. The table is the dedup source
// for payment warnings.
type NotificationStore struct {
	db *DB
}

// NewNotificationStore returns a NotificationStore.
func NewNotificationStore(db *DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func (s *NotificationStore) Notify(ctx context.Context, n notify.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	payload := encodePayload(n.Payload)
	err := s.db.run(ctx, func(ctx context.Context) error {
		_, err := s.db.pool.Exec(ctx, insertNotificationSQL,
			n.UserID, string(n.Kind), n.OrderID, payload, n.CreatedAt)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "record %s notification", n.Kind)
	}
	return nil
}

func (s *NotificationStore) Exists(ctx context.Context, kind notify.Kind, orderID string) (bool, error) {
	var exists bool
	err := s.db.run(ctx, func(ctx context.Context) error {
		return s.db.pool.QueryRow(ctx, notificationExistsSQL, string(kind), orderID).Scan(&exists)
	})
	if err != nil {
		return false, errors.Wrapf(err, "check %s notification", kind)
	}
	return exists, nil
}

func encodePayload(p map[string]string) string {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	for k, v := range p {
		e.FieldStart(k)
		e.Str(v)
	}
	e.ObjEnd()
	return e.String()
}
