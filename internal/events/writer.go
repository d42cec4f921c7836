package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit rows to the events table. Rows are written inside the
// caller's transaction so an event exists iff the change it describes does.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

type Event struct {
	Type       string
	UserID     string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if evt.Payload == nil {
		evt.Payload = Payload{}
	}
	if evt.ActorID == "" {
		evt.ActorID = evt.UserID
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,user_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evt.Type, nullable(evt.UserID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evt.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
