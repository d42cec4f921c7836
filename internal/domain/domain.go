package domain

import "time"

type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

func (c Cadence) Valid() bool {
	return c == CadenceDaily || c == CadenceWeekly
}

type Currency string

const (
	CurrencyGold   Currency = "gold"
	CurrencyTokens Currency = "tokens"
)

func (c Currency) Valid() bool {
	return c == CurrencyGold || c == CurrencyTokens
}

type TargetType string

const (
	TargetHabit TargetType = "habit"
	TargetGoal  TargetType = "goal"
)

func (t TargetType) Valid() bool {
	return t == TargetHabit || t == TargetGoal
}

type Status string

const (
	StatusDraft            Status = "draft"
	StatusActive           Status = "active"
	StatusPaused           Status = "paused"
	StatusAwaitingRecovery Status = "awaiting_recovery"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

// Open reports whether the status counts toward the one-contract-per-user limit.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusPaused || s == StatusAwaitingRecovery
}

// Terminal reports whether no further operation is valid.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Result string

const (
	ResultSuccess Result = "success"
	ResultMiss    Result = "miss"
)

type Contract struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Title               string     `json:"title"`
	TargetType          TargetType `json:"target_type" enum:"habit,goal"`
	TargetID            string     `json:"target_id"`
	Cadence             Cadence    `json:"cadence" enum:"daily,weekly"`
	TargetCount         int        `json:"target_count"`
	StakeType           Currency   `json:"stake_type" enum:"gold,tokens"`
	StakeAmount         int64      `json:"stake_amount"`
	OriginalStakeAmount int64      `json:"original_stake_amount"`
	GraceDays           int        `json:"grace_days"`
	CoolingOffHours     int        `json:"cooling_off_hours"`

	Status             Status     `json:"status" enum:"draft,active,paused,awaiting_recovery,completed,cancelled"`
	PausedFrom         Status     `json:"paused_from,omitempty"`
	WindowStart        time.Time  `json:"window_start" format:"date-time"`
	WindowEnd          time.Time  `json:"window_end" format:"date-time"`
	CurrentProgress    int        `json:"current_progress"`
	MissCount          int        `json:"miss_count"`
	GraceDaysRemaining int        `json:"grace_days_remaining"`
	ReduceStakeUsed    bool       `json:"reduce_stake_used"`
	WindowsClosed      int        `json:"windows_closed"`
	CreatedAt          time.Time  `json:"created_at" format:"date-time"`
	ActivatedAt        *time.Time `json:"activated_at,omitempty" format:"date-time"`
	EndedAt            *time.Time `json:"ended_at,omitempty" format:"date-time"`
	UpdatedAt          time.Time  `json:"updated_at" format:"date-time"`

	// Escrow bookkeeping. Escrowed + TotalRefunded + TotalForfeited always
	// equals TotalDebited; TotalBonus is paid by the economy on top.
	Escrowed       int64 `json:"escrowed"`
	TotalDebited   int64 `json:"total_debited"`
	TotalRefunded  int64 `json:"total_refunded"`
	TotalForfeited int64 `json:"total_forfeited"`
	TotalBonus     int64 `json:"total_bonus"`
}

// Balanced reports whether the escrow conservation invariant holds.
func (c Contract) Balanced() bool {
	return c.Escrowed >= 0 && c.Escrowed+c.TotalRefunded+c.TotalForfeited == c.TotalDebited
}

type Evaluation struct {
	ContractID     string    `json:"contract_id"`
	WindowStart    time.Time `json:"window_start" format:"date-time"`
	WindowEnd      time.Time `json:"window_end" format:"date-time"`
	TargetCount    int       `json:"target_count"`
	ActualCount    int       `json:"actual_count"`
	Result         Result    `json:"result" enum:"success,miss"`
	BonusAwarded   int64     `json:"bonus_awarded"`
	StakeForfeited int64     `json:"stake_forfeited"`
	GraceConsumed  bool      `json:"grace_consumed"`
}

type Target struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Type      TargetType `json:"type" enum:"habit,goal"`
	Title     string     `json:"title"`
	CreatedAt string     `json:"created_at" format:"date-time"`
}

type Balance struct {
	UserID   string   `json:"user_id"`
	Currency Currency `json:"currency"`
	Amount   int64    `json:"amount"`
}

type LedgerEntry struct {
	ID         int64    `json:"id"`
	TS         string   `json:"ts" format:"date-time"`
	UserID     string   `json:"user_id"`
	Currency   Currency `json:"currency"`
	Delta      int64    `json:"delta"`
	Reason     string   `json:"reason"`
	ContractID string   `json:"contract_id,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UserID     string `json:"user_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
