package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pledgeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const contractColumns = `id,user_id,title,target_type,target_id,cadence,target_count,stake_type,stake_amount,original_stake_amount,
grace_days,cooling_off_hours,status,COALESCE(paused_from,''),window_start,window_end,current_progress,miss_count,
grace_days_remaining,reduce_stake_used,windows_closed,escrowed,total_debited,total_refunded,total_forfeited,total_bonus,
created_at,activated_at,ended_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(row scanner) (domain.Contract, error) {
	var (
		c                              domain.Contract
		targetType, cadence, stakeType string
		status, pausedFrom             string
		windowStart, windowEnd         string
		createdAt, updatedAt           string
		activatedAt, endedAt           sql.NullString
		reduceUsed                     int
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &targetType, &c.TargetID, &cadence, &c.TargetCount, &stakeType, &c.StakeAmount, &c.OriginalStakeAmount,
		&c.GraceDays, &c.CoolingOffHours, &status, &pausedFrom, &windowStart, &windowEnd, &c.CurrentProgress, &c.MissCount,
		&c.GraceDaysRemaining, &reduceUsed, &c.WindowsClosed, &c.Escrowed, &c.TotalDebited, &c.TotalRefunded, &c.TotalForfeited, &c.TotalBonus,
		&createdAt, &activatedAt, &endedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.TargetType = domain.TargetType(targetType)
	c.Cadence = domain.Cadence(cadence)
	c.StakeType = domain.Currency(stakeType)
	c.Status = domain.Status(status)
	c.PausedFrom = domain.Status(pausedFrom)
	c.ReduceStakeUsed = reduceUsed != 0
	for _, f := range []struct {
		raw string
		dst *time.Time
	}{
		{windowStart, &c.WindowStart},
		{windowEnd, &c.WindowEnd},
		{createdAt, &c.CreatedAt},
		{updatedAt, &c.UpdatedAt},
	} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return c, fmt.Errorf("contract %s: %w", c.ID, err)
		}
	}
	if c.ActivatedAt, err = parseNullTime(activatedAt); err != nil {
		return c, fmt.Errorf("contract %s: %w", c.ID, err)
	}
	if c.EndedAt, err = parseNullTime(endedAt); err != nil {
		return c, fmt.Errorf("contract %s: %w", c.ID, err)
	}
	return c, nil
}

// LoadByID returns a contract by id.
func (r Repo) LoadByID(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	return scanContract(r.q(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
}

// LoadActive returns the user's open contract: active, paused or awaiting recovery.
func (r Repo) LoadActive(ctx context.Context, tx *sql.Tx, userID string) (domain.Contract, error) {
	return scanContract(r.q(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts
WHERE user_id=? AND status IN ('active','paused','awaiting_recovery') LIMIT 1`, userID))
}

// ListByUser returns a user's contracts, newest first. An empty status matches all.
func (r Repo) ListByUser(ctx context.Context, userID string, status domain.Status) ([]domain.Contract, error) {
	clauses := []string{"user_id=?"}
	args := []any{userID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(status))
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListOpen returns every open contract, used by the periodic check.
func (r Repo) ListOpen(ctx context.Context) ([]domain.Contract, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE status IN ('active','paused') ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Save inserts or replaces the full contract record.
func (r Repo) Save(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	reduceUsed := 0
	if c.ReduceStakeUsed {
		reduceUsed = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO contracts(
id,user_id,title,target_type,target_id,cadence,target_count,stake_type,stake_amount,original_stake_amount,
grace_days,cooling_off_hours,status,paused_from,window_start,window_end,current_progress,miss_count,
grace_days_remaining,reduce_stake_used,windows_closed,escrowed,total_debited,total_refunded,total_forfeited,total_bonus,
created_at,activated_at,ended_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
title=excluded.title, stake_amount=excluded.stake_amount, status=excluded.status, paused_from=excluded.paused_from,
window_start=excluded.window_start, window_end=excluded.window_end, current_progress=excluded.current_progress,
miss_count=excluded.miss_count, grace_days_remaining=excluded.grace_days_remaining, reduce_stake_used=excluded.reduce_stake_used,
windows_closed=excluded.windows_closed, escrowed=excluded.escrowed, total_debited=excluded.total_debited,
total_refunded=excluded.total_refunded, total_forfeited=excluded.total_forfeited, total_bonus=excluded.total_bonus,
activated_at=excluded.activated_at, ended_at=excluded.ended_at, updated_at=excluded.updated_at`,
		c.ID, c.UserID, c.Title, string(c.TargetType), c.TargetID, string(c.Cadence), c.TargetCount, string(c.StakeType), c.StakeAmount, c.OriginalStakeAmount,
		c.GraceDays, c.CoolingOffHours, string(c.Status), nullable(string(c.PausedFrom)), formatTime(c.WindowStart), formatTime(c.WindowEnd), c.CurrentProgress, c.MissCount,
		c.GraceDaysRemaining, reduceUsed, c.WindowsClosed, c.Escrowed, c.TotalDebited, c.TotalRefunded, c.TotalForfeited, c.TotalBonus,
		formatTime(c.CreatedAt), nullableTime(c.ActivatedAt), nullableTime(c.EndedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save contract %s: %w", c.ID, err)
	}
	return nil
}

// --- targets ---

// InsertTarget registers a habit or goal a user may stake against.
func (r Repo) InsertTarget(ctx context.Context, t domain.Target) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO targets(id,user_id,type,title,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.UserID, string(t.Type), t.Title, t.CreatedAt)
	return err
}

// ListEligibleTargets returns the habits and goals a user may stake against.
func (r Repo) ListEligibleTargets(ctx context.Context, userID string) ([]domain.Target, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,type,title,created_at FROM targets WHERE user_id=? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Target
	for rows.Next() {
		var t domain.Target
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Title, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = domain.TargetType(typ)
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- events ---

// LatestEvents returns the newest events, filtered by user and type when set.
func (r Repo) LatestEvents(ctx context.Context, limit int, userID, evtType, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		clauses []string
		args    []any
	)
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(user_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
