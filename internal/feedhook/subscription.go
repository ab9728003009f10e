package feedhook

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

type (
	// Subscription binds an application's interest in a feed to an endpoint.
	Subscription struct {
		ID            ID       `db:"id" bson:"_id"`
		ApplicationID ID       `db:"application_id" bson:"application_id"`
		URL           string   `db:"url" bson:"url"`
		FeedID        ID       `db:"feed_id" bson:"feed_id"`
		EndpointID    ID       `db:"endpoint_id" bson:"endpoint_id"`
		Metadata      Metadata `db:"metadata" bson:"metadata"`

		// The last entry sent and when. The cursor only ever moves forward.
		LastNotifiedEntry *ID        `db:"last_notified_entry" bson:"last_notified_entry"`
		NotifiedAt        *time.Time `db:"notified_at" bson:"notified_at"`

		// Set while the subscription has entries it has not been sent. Omitted
		// rather than null in mongo, where the index on it is sparse.
		ScheduledAt *time.Time `db:"scheduled_at" bson:"scheduled_at,omitempty"`

		SyncedAt  *time.Time `db:"synced_at" bson:"synced_at"`
		CreatedAt time.Time  `db:"created_at" bson:"created_at"`
	}

	// AdvanceCursorArgs describes a completed notification.
	AdvanceCursorArgs struct {
		// The last entry that was sent.
		To         ID
		NotifiedAt time.Time
		// HasMore moves scheduled_at to NotifiedAt, or past the stored value
		// if that is later, so a producer still holding the old value cannot
		// clear it. Otherwise scheduled_at is cleared, unless it was set after
		// StartedAt.
		HasMore   bool
		StartedAt time.Time
	}

	SubscriptionRepo interface {
		Subscription(ctx context.Context, id ID) (Subscription, error)
		InsertSubscription(ctx context.Context, sub Subscription) (Subscription, error)
		DeleteSubscription(ctx context.Context, id ID) error
		// Subscriptions lists an application's subscriptions, newest first.
		Subscriptions(ctx context.Context, applicationID ID, limit, offset int) ([]Subscription, error)
		CountFeedSubscriptions(ctx context.Context, feedID ID) (int64, error)
		// FeedCursors returns the cursor of every subscription to the feed. A
		// nil element is a subscription that has not been notified yet.
		FeedCursors(ctx context.Context, feedID ID) ([]*ID, error)
		// ScheduleFeedSubscriptions marks every subscription to the feed as
		// having unsent entries.
		ScheduleFeedSubscriptions(ctx context.Context, feedID ID, at time.Time) error
		// ScheduledSubscriptions returns up to limit subscriptions with unsent
		// entries, longest waiting first.
		ScheduledSubscriptions(ctx context.Context, limit int) ([]Subscription, error)
		// UnscheduleSubscription clears scheduled_at if it is not later than seen.
		UnscheduleSubscription(ctx context.Context, id ID, seen time.Time) error
		// RescheduleSubscription moves scheduled_at to at, or past the stored
		// value if that is later. It never leaves the value a producer saw.
		RescheduleSubscription(ctx context.Context, id ID, at time.Time) error
		// AdvanceCursor records a notification. It only applies when the stored
		// cursor is unset or lower than args.To, and reports whether it did.
		AdvanceCursor(ctx context.Context, id ID, args AdvanceCursorArgs) (bool, error)
	}
)

// Metadata is opaque JSON attached to a subscription and echoed in webhooks.
type Metadata []byte

func (m Metadata) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*m = nil
		return nil
	}
	*m = append((*m)[:0], b...)
	return nil
}

// Value implements [driver.Valuer].
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return string(m), nil
}

// Scan implements [sql.Scanner].
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
	case string:
		*m = Metadata(v)
	case []byte:
		*m = append(Metadata(nil), v...)
	default:
		return fmt.Errorf("cannot scan %T into metadata", src)
	}
	return nil
}

// MarshalBSONValue keeps the JSON text as a string.
func (m Metadata) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if len(m) == 0 {
		return bsontype.Null, nil, nil
	}
	return bson.MarshalValue(string(m))
}

func (m *Metadata) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t == bsontype.Null || t == bsontype.Undefined {
		*m = nil
		return nil
	}
	s, ok := bson.RawValue{Type: t, Value: data}.StringValueOK()
	if !ok {
		return fmt.Errorf("cannot decode bson %s into metadata", t)
	}
	*m = Metadata(s)
	return nil
}
