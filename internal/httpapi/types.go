package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"saturn/internal/domain"
	"saturn/internal/tracker"
)

// startRunRequest is the body of POST /api/runs.
type startRunRequest struct {
	Scope      string `json:"scope"`
	Trigger    string `json:"trigger"`
	Force      bool   `json:"force"`
	ScopedOnly bool   `json:"scoped_only"`
}

// startRunResponse is the 202 body of POST /api/runs.
type startRunResponse struct {
	RunID   string `json:"run_id"`
	Scope   string `json:"scope"`
	PollURL string `json:"poll_url"`
}

type runJSON struct {
	ID          string `json:"id"`
	Trigger     string `json:"trigger"`
	Scope       string `json:"scope"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	StageCount  int    `json:"stage_count"`
	Processed   int    `json:"processed"`
	Failed      int    `json:"failed"`
	Unavailable int    `json:"unavailable"`
}

type stageJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Unit       string `json:"unit"`
	DurationMS int64  `json:"duration_ms"`
}

type logEntryJSON struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// statusResponse is the body of GET /api/runs/current, in all three states.
type statusResponse struct {
	State     string         `json:"state"` // running | terminal | not_found
	Run       *runJSON       `json:"run,omitempty"`
	Stages    []stageJSON    `json:"stages,omitempty"`
	RecentLog []logEntryJSON `json:"recent_log,omitempty"`
	Percent   float64        `json:"percent"`
}

// logExport is the JSON body of GET /api/runs/{run_id}/log.
type logExport struct {
	Run    runJSON        `json:"run"`
	Stages []stageJSON    `json:"stages"`
	Log    []logEntryJSON `json:"log"`
}

// addPositionRequest is the body of POST /api/portfolios/{id}/positions.
type addPositionRequest struct {
	Symbol    string `json:"symbol"`
	Quantity  string `json:"quantity"`
	CostBasis string `json:"cost_basis"`
	EntryDate string `json:"entry_date"` // YYYY-MM-DD
}

func (r addPositionRequest) toPosition(portfolioID string) (domain.Position, error) {
	if r.Symbol == "" {
		return domain.Position{}, fmt.Errorf("symbol is required")
	}
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return domain.Position{}, fmt.Errorf("invalid quantity %q", r.Quantity)
	}
	cost := decimal.Zero
	if r.CostBasis != "" {
		if cost, err = decimal.NewFromString(r.CostBasis); err != nil {
			return domain.Position{}, fmt.Errorf("invalid cost_basis %q", r.CostBasis)
		}
	}
	entry, err := time.Parse("2006-01-02", r.EntryDate)
	if err != nil {
		return domain.Position{}, fmt.Errorf("invalid entry_date %q", r.EntryDate)
	}
	return domain.Position{
		PortfolioID: portfolioID,
		Symbol:      strings.ToUpper(r.Symbol),
		Quantity:    qty,
		CostBasis:   cost,
		EntryDate:   entry,
	}, nil
}

type positionJSON struct {
	PortfolioID string `json:"portfolio_id"`
	Symbol      string `json:"symbol"`
	Quantity    string `json:"quantity"`
	CostBasis   string `json:"cost_basis"`
	EntryDate   string `json:"entry_date"`
}

type snapshotJSON struct {
	PortfolioID string  `json:"portfolio_id"`
	Date        string  `json:"date"`
	MarketValue float64 `json:"market_value"`
	Positions   int     `json:"positions"`
}

type runDayJSON struct {
	Date        string `json:"date"`
	RunID       string `json:"run_id"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
	Processed   int    `json:"processed"`
	Failed      int    `json:"failed"`
}

func toPositionJSON(positions []domain.Position) []positionJSON {
	out := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionJSON{
			PortfolioID: p.PortfolioID,
			Symbol:      p.Symbol,
			Quantity:    p.Quantity.String(),
			CostBasis:   p.CostBasis.String(),
			EntryDate:   p.EntryDate.Format("2006-01-02"),
		})
	}
	return out
}

func toSnapshotJSON(snaps []domain.Snapshot) []snapshotJSON {
	out := make([]snapshotJSON, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotJSON{
			PortfolioID: s.PortfolioID,
			Date:        s.Date.Format("2006-01-02"),
			MarketValue: s.MarketValue,
			Positions:   s.Positions,
		})
	}
	return out
}

func toRunDayJSON(recs []domain.RunDay) []runDayJSON {
	out := make([]runDayJSON, 0, len(recs))
	for _, r := range recs {
		out = append(out, runDayJSON{
			Date:        r.Date.Format("2006-01-02"),
			RunID:       r.RunID,
			Trigger:     string(r.Trigger),
			Status:      string(r.Status),
			StartedAt:   r.StartedAt.UTC().Format(time.RFC3339),
			CompletedAt: r.CompletedAt.UTC().Format(time.RFC3339),
			Processed:   r.Processed,
			Failed:      r.Failed,
		})
	}
	return out
}

func toRunJSON(r domain.Run) runJSON {
	out := runJSON{
		ID:          r.ID,
		Trigger:     string(r.Trigger),
		Scope:       r.Scope,
		Status:      string(r.Status),
		StartedAt:   r.StartedAt.UTC().Format(time.RFC3339),
		StageCount:  r.StageCount,
		Processed:   r.Processed,
		Failed:      r.Failed,
		Unavailable: r.Unavailable,
	}
	if !r.CompletedAt.IsZero() {
		out.CompletedAt = r.CompletedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func toStageJSON(stages []domain.StageProgress) []stageJSON {
	out := make([]stageJSON, 0, len(stages))
	for _, sp := range stages {
		out = append(out, stageJSON{
			ID:         sp.ID,
			Name:       sp.Name,
			Status:     string(sp.Status),
			Current:    sp.Current,
			Total:      sp.Total,
			Unit:       sp.Unit,
			DurationMS: sp.Duration.Milliseconds(),
		})
	}
	return out
}

func toLogJSON(entries []domain.LogEntry) []logEntryJSON {
	out := make([]logEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, logEntryJSON{
			Time:    e.Time.UTC().Format(time.RFC3339),
			Level:   string(e.Level),
			Message: e.Message,
		})
	}
	return out
}

func toStatusResponse(view tracker.StatusView) statusResponse {
	run := toRunJSON(view.Run)
	return statusResponse{
		State:     string(view.State),
		Run:       &run,
		Stages:    toStageJSON(view.Stages),
		RecentLog: toLogJSON(view.RecentLog),
		Percent:   view.Percent,
	}
}
