package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LogWriter emits audit events as structured log records. It is the default
// backend when no database is configured.
type LogWriter struct {
	Log *slog.Logger
}

func (w LogWriter) Write(_ context.Context, ev Event) error {
	w.Log.Info("audit.event",
		"action", ev.Action,
		"subject_id", ev.SubjectID,
		"room_id", ev.RoomID,
		"at", ev.At,
		"meta", ev.Meta,
	)
	return nil
}

// PGWriter persists audit events into <schema>.audit_log.
type PGWriter struct {
	Pool   *pgxpool.Pool
	Schema string
}

func (w PGWriter) Write(ctx context.Context, ev Event) error {
	schema := strings.TrimSpace(w.Schema)
	if schema == "" {
		schema = "tandem"
	}

	var metaVal any
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			metaVal = string(b)
		}
	}

	_, err := w.Pool.Exec(ctx, `
		INSERT INTO `+schema+`.audit_log (
			action, subject_id, room_id, created_at, meta
		) VALUES ($1, $2, $3, $4, $5::jsonb)
	`, ev.Action, nullable(ev.SubjectID), nullable(ev.RoomID), ev.At, metaVal)
	return err
}

func nullable(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
