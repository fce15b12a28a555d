package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fleetinspect/internal/domain"
)

// Journal appends and reads session activity records.
type Journal struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Record is the input of Append.
type Record struct {
	Type         string
	InspectionID int64
	EntityKind   string
	EntityID     string
	Screen       domain.Screen
	Payload      EventPayload
}

func (j Journal) Append(ctx context.Context, rec Record) error {
	if j.DB == nil {
		return nil
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	if rec.Payload == nil {
		rec.Payload = EventPayload{}
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = j.DB.ExecContext(ctx, `INSERT INTO events(ts,type,inspection_id,entity_kind,entity_id,screen,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), rec.Type, nullableID(rec.InspectionID), rec.EntityKind,
		nullable(rec.EntityID), nullable(string(rec.Screen)), string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", rec.Type, err)
	}
	return nil
}

// Query filters List. Zero fields match everything.
type Query struct {
	InspectionID int64
	Type         string
	Before       int64
	Limit        int
}

// List returns matching events newest first.
func (j Journal) List(ctx context.Context, q Query) ([]domain.Event, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if q.InspectionID > 0 {
		clauses = append(clauses, "inspection_id=?")
		args = append(args, q.InspectionID)
	}
	if q.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, q.Type)
	}
	if q.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, q.Before)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,inspection_id,entity_kind,entity_id,screen,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, q.Limit)
	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var inspectionID sql.NullInt64
		var entityID, screen sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &inspectionID, &e.EntityKind, &entityID, &screen, &e.Payload); err != nil {
			return nil, err
		}
		e.InspectionID = inspectionID.Int64
		e.EntityID = entityID.String
		e.Screen = domain.Screen(screen.String)
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}
