package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"warroom/internal/domain"
)

// Collector owns the telemetry tables: routing events, resource samples and
// per-member convoy samples. Appends serialize in the store layer; readers
// never block them.
type Collector struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Collector {
	return &Collector{DB: db, Now: time.Now}
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// AppendRoutingEvent durably appends one routing decision.
func (c *Collector) AppendRoutingEvent(ctx context.Context, e domain.RoutingEvent) error {
	caps, err := json.Marshal(e.Capabilities)
	if err != nil {
		return err
	}
	_, err = c.DB.ExecContext(ctx, `INSERT INTO routing_events(destination,capabilities,outcome,ts) VALUES (?,?,?,?)`,
		e.Destination, string(caps), e.Outcome, e.TS)
	return err
}

// RoutingEvents returns the most recent events for a destination, newest
// first, capped at limit.
func (c *Collector) RoutingEvents(ctx context.Context, destination string, limit int) ([]domain.RoutingEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	clauses := []string{"1=1"}
	var args []any
	if destination != "" {
		clauses = append(clauses, "destination=?")
		args = append(args, destination)
	}
	args = append(args, limit)
	rows, err := c.DB.QueryContext(ctx, `SELECT id,destination,capabilities,outcome,ts FROM routing_events WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoutingEvent
	for rows.Next() {
		var e domain.RoutingEvent
		var caps sql.NullString
		if err := rows.Scan(&e.ID, &e.Destination, &caps, &e.Outcome, &e.TS); err != nil {
			return nil, err
		}
		if caps.Valid && caps.String != "" && caps.String != "null" {
			if err := json.Unmarshal([]byte(caps.String), &e.Capabilities); err != nil {
				return nil, err
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// RecordResource appends one host load snapshot.
func (c *Collector) RecordResource(ctx context.Context, s domain.ResourceSample) error {
	_, err := c.DB.ExecContext(ctx, `INSERT INTO resource_samples(ts,cpu_percent,mem_percent,goroutines,parallelism) VALUES (?,?,?,?,?)`,
		s.TS, s.CPUPercent, s.MemPercent, s.Goroutines, s.Parallelism)
	return err
}

// RecordOutcome appends one convoy member outcome sample.
func (c *Collector) RecordOutcome(ctx context.Context, convoyID string, o domain.Outcome) error {
	success := 0
	if o.Success {
		success = 1
	}
	_, err := c.DB.ExecContext(ctx, `INSERT INTO convoy_samples(convoy_id,item_id,success,attempts,duration_ms,ts) VALUES (?,?,?,?,?,?)`,
		convoyID, o.WorkItemID, success, o.Attempts, o.DurationMS, c.now().UTC().Format(time.RFC3339))
	return err
}

// Summary aggregates convoy samples for inspection.
type Summary struct {
	Convoys       int     `json:"convoys"`
	Members       int     `json:"members"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	AvgAttempts   float64 `json:"avg_attempts"`
}

func (c *Collector) Summarize(ctx context.Context) (Summary, error) {
	var s Summary
	err := c.DB.QueryRowContext(ctx, `SELECT
COUNT(DISTINCT convoy_id),
COUNT(*),
COALESCE(SUM(success),0),
COALESCE(SUM(1-success),0),
COALESCE(AVG(duration_ms),0),
COALESCE(AVG(attempts),0)
FROM convoy_samples`).Scan(&s.Convoys, &s.Members, &s.Succeeded, &s.Failed, &s.AvgDurationMS, &s.AvgAttempts)
	return s, err
}

// LatestResourceSamples returns recent snapshots, newest first.
func (c *Collector) LatestResourceSamples(ctx context.Context, limit int) ([]domain.ResourceSample, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.DB.QueryContext(ctx, `SELECT ts,cpu_percent,mem_percent,goroutines,parallelism FROM resource_samples ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResourceSample
	for rows.Next() {
		var s domain.ResourceSample
		if err := rows.Scan(&s.TS, &s.CPUPercent, &s.MemPercent, &s.Goroutines, &s.Parallelism); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
