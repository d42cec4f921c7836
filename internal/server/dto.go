package server

import (
	"encoding/json"

	"pledgeline/internal/domain"
	"pledgeline/internal/engine"
	"pledgeline/internal/report"
)

// Request payloads

type CreateContractRequest struct {
	Title           string `json:"title,omitempty"`
	TargetType      string `json:"target_type,omitempty" enum:"habit,goal"`
	TargetID        string `json:"target_id"`
	Cadence         string `json:"cadence" enum:"daily,weekly"`
	TargetCount     int    `json:"target_count"`
	StakeType       string `json:"stake_type" enum:"gold,tokens"`
	StakeAmount     int64  `json:"stake_amount"`
	GraceDays       *int   `json:"grace_days,omitempty"`
	CoolingOffHours *int   `json:"cooling_off_hours,omitempty"`
}

func (r CreateContractRequest) options() engine.CreateOptions {
	return engine.CreateOptions{
		Title:           r.Title,
		TargetType:      domain.TargetType(r.TargetType),
		TargetID:        r.TargetID,
		Cadence:         domain.Cadence(r.Cadence),
		TargetCount:     r.TargetCount,
		StakeType:       domain.Currency(r.StakeType),
		StakeAmount:     r.StakeAmount,
		GraceDays:       r.GraceDays,
		CoolingOffHours: r.CoolingOffHours,
	}
}

type ReduceStakeRequest struct {
	NewStakeAmount int64 `json:"new_stake_amount"`
}

type CreateTargetRequest struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type" enum:"habit,goal"`
	Title string `json:"title"`
}

// Response payloads

// ContractResponse is returned by every contract operation.
type ContractResponse struct {
	Contract    domain.Contract     `json:"contract"`
	View        report.StatusView   `json:"view"`
	Evaluations []domain.Evaluation `json:"evaluations"`
	Summary     report.Summary      `json:"summary"`
	Refunded    int64               `json:"refunded"`
	Forfeited   int64               `json:"forfeited"`
}

func contractResponse(e engine.Engine, res engine.Result) ContractResponse {
	evals := res.Evaluations
	if evals == nil {
		evals = []domain.Evaluation{}
	}
	return ContractResponse{
		Contract:    res.Contract,
		View:        report.Status(res.Contract, e.CurrentTime()),
		Evaluations: evals,
		Summary:     report.Summarize(evals),
		Refunded:    res.Refunded,
		Forfeited:   res.Forfeited,
	}
}

type WalletResponse struct {
	UserID   string           `json:"user_id"`
	Balances []domain.Balance `json:"balances"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
