package reporting

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BenPomme/alpaca-trading-system/internal/portfolio"
	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

// ConsoleReporter renders diagnostics as terminal tables
type ConsoleReporter struct {
	out io.Writer
}

// NewConsoleReporter creates a new console reporter writing to out
func NewConsoleReporter(out io.Writer) *ConsoleReporter {
	return &ConsoleReporter{out: out}
}

func (r *ConsoleReporter) newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}

// Statuses prints one row per symbol
func (r *ConsoleReporter) Statuses(statuses []safety.SymbolStatus) {
	t := r.newTable("SAFETY GATE STATUS")
	t.AppendHeader(table.Row{"Symbol", "Position $", "Daily", "Hourly", "Recent", "Last Trade", "Cooldown", "Next Decision"})

	for _, s := range statuses {
		last := "-"
		if !s.LastTradeTime.IsZero() {
			last = s.LastTradeTime.Format(time.RFC3339)
		}
		decision := string(s.NextDecision.Reason)
		if s.NextDecision.Detail != "" {
			decision += ": " + s.NextDecision.Detail
		}
		t.AppendRow(table.Row{
			s.Symbol,
			fmt.Sprintf("%.2f", s.PositionValue),
			s.DailyTradeCount,
			s.HourlyTradeCount,
			s.RecentTradeCount,
			last,
			formatCooldown(s.CooldownRemaining),
			decision,
		})
	}
	if len(statuses) == 0 {
		t.AppendRow(table.Row{"(no symbols traded)"})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 8, WidthMax: 48},
	})
	t.Render()
}

// Snapshot prints portfolio scores and per-module allocation
func (r *ConsoleReporter) Snapshot(snap *portfolio.Snapshot) {
	if snap == nil {
		return
	}

	t := r.newTable("PORTFOLIO SNAPSHOT")
	t.AppendRows([]table.Row{
		{"Total Value", fmt.Sprintf("$%.2f", snap.TotalValue)},
		{"Positions", snap.PositionCount},
		{"Largest Position", formatPct(snap.LargestPositionPct)},
		{"Diversification Score", fmt.Sprintf("%.2f", snap.DiversificationScore)},
		{"Risk Score", fmt.Sprintf("%.2f", snap.RiskScore)},
	})
	t.AppendSeparator()
	for _, m := range portfolio.AllModules {
		t.AppendRow(table.Row{fmt.Sprintf("Module %s", m), formatPct(snap.ModuleAllocation(m))})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 22, Align: text.AlignLeft},
		{Number: 2, WidthMin: 14, Align: text.AlignRight},
	})
	t.Render()
}

// Actions prints proposed rebalance actions in execution order
func (r *ConsoleReporter) Actions(actions []rebalance.Action) {
	t := r.newTable("REBALANCE ACTIONS")
	t.AppendHeader(table.Row{"#", "Urgency", "Action", "Symbol", "Module", "Amount $", "Weight", "Target", "Reason"})

	for i, a := range actions {
		t.AppendRow(table.Row{
			i + 1,
			a.Urgency,
			a.ActionType,
			a.Symbol,
			a.Module,
			fmt.Sprintf("%.2f", a.AmountUSD),
			formatPct(a.CurrentWeight),
			formatPct(a.TargetWeight),
			a.Reason,
		})
	}
	if len(actions) == 0 {
		t.AppendRow(table.Row{"-", "portfolio within limits"})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})
	t.Render()
}

// Outcomes prints executed rebalance actions
func (r *ConsoleReporter) Outcomes(outcomes []rebalance.Outcome) {
	t := r.newTable("REBALANCE OUTCOMES")
	t.AppendHeader(table.Row{"ID", "Executed", "Action", "Symbol", "Amount $", "Result"})

	for _, o := range outcomes {
		result := "ok"
		if !o.Success {
			result = "failed: " + o.Error
		}
		id := o.ID
		if len(id) > 8 {
			id = id[:8]
		}
		t.AppendRow(table.Row{
			id,
			o.ExecutedAt.Format(time.RFC3339),
			o.Action.ActionType,
			o.Action.Symbol,
			fmt.Sprintf("%.2f", o.Action.AmountUSD),
			result,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, WidthMax: 48},
	})
	t.Render()
}

func formatPct(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}

func formatCooldown(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
