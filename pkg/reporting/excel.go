package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/BenPomme/alpaca-trading-system/internal/portfolio"
	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

// Sheet names
const (
	StatusSheet    = "Gate Status"
	PortfolioSheet = "Portfolio"
	ActionsSheet   = "Rebalance Actions"
	AuditSheet     = "Audit"
)

// Report is everything exported to a workbook
type Report struct {
	GeneratedAt time.Time
	Statuses    []safety.SymbolStatus
	Snapshot    *portfolio.Snapshot
	Actions     []rebalance.Action
	Outcomes    []rebalance.Outcome
}

// ExcelStyles holds the style IDs registered on a workbook
type ExcelStyles struct {
	HeaderStyle   int
	CurrencyStyle int
	PercentStyle  int
	BaseStyle     int
	DeniedStyle   int
}

// ExcelReporter writes reports as xlsx workbooks
type ExcelReporter struct{}

// NewExcelReporter creates a new Excel reporter
func NewExcelReporter() *ExcelReporter {
	return &ExcelReporter{}
}

// WriteWorkbook writes the report to path, creating parent directories
func (r *ExcelReporter) WriteWorkbook(report Report, path string) error {
	// Ensure directory exists before creating file
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	// Replace default sheet and create additional sheets
	fx.SetSheetName(fx.GetSheetName(0), StatusSheet)
	for _, sheet := range []string{PortfolioSheet, ActionsSheet, AuditSheet} {
		if _, err := fx.NewSheet(sheet); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
		}
	}

	styles, err := r.createExcelStyles(fx)
	if err != nil {
		return err
	}

	if err := r.writeStatusSheet(fx, report, styles); err != nil {
		return err
	}
	if err := r.writePortfolioSheet(fx, report, styles); err != nil {
		return err
	}
	if err := r.writeActionsSheet(fx, report.Actions, styles); err != nil {
		return err
	}
	if err := r.writeAuditSheet(fx, report.Outcomes, styles); err != nil {
		return err
	}

	return fx.SaveAs(path)
}

func (r *ExcelReporter) createExcelStyles(fx *excelize.File) (ExcelStyles, error) {
	var styles ExcelStyles
	var err error

	border := []excelize.Border{
		{Type: "left", Color: "E0E0E0", Style: 1},
		{Type: "right", Color: "E0E0E0", Style: 1},
		{Type: "bottom", Color: "E0E0E0", Style: 1},
	}

	// Header style - Dark slate background with white text
	styles.HeaderStyle, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold:   true,
			Size:   11,
			Color:  "FFFFFF",
			Family: "Calibri",
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"2F4F4F"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return styles, err
	}

	styles.CurrencyStyle, err = fx.NewStyle(&excelize.Style{
		NumFmt:    7, // Currency format with $ symbol
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    border,
	})
	if err != nil {
		return styles, err
	}

	styles.PercentStyle, err = fx.NewStyle(&excelize.Style{
		NumFmt:    10, // 0.00%
		Alignment: &excelize.Alignment{Horizontal: "right"},
		Border:    border,
	})
	if err != nil {
		return styles, err
	}

	styles.BaseStyle, err = fx.NewStyle(&excelize.Style{
		Border: border,
	})
	if err != nil {
		return styles, err
	}

	// Red text for denied decisions and failed outcomes
	styles.DeniedStyle, err = fx.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Color: "C00000"},
		Border: border,
	})
	if err != nil {
		return styles, err
	}

	return styles, nil
}

func (r *ExcelReporter) writeHeaders(fx *excelize.File, sheet string, headers []string, widths []float64, styles ExcelStyles) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := fx.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
		if err := fx.SetCellStyle(sheet, cell, cell, styles.HeaderStyle); err != nil {
			return err
		}
		if i < len(widths) {
			col, _ := excelize.ColumnNumberToName(i + 1)
			if err := fx.SetColWidth(sheet, col, col, widths[i]); err != nil {
				return err
			}
		}
	}
	return fx.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

// writeRow writes values starting at column A; styles[i] applies to column i
func writeRow(fx *excelize.File, sheet string, row int, values []interface{}, cellStyles []int) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := fx.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
		if i < len(cellStyles) && cellStyles[i] != 0 {
			if err := fx.SetCellStyle(sheet, cell, cell, cellStyles[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *ExcelReporter) writeStatusSheet(fx *excelize.File, report Report, styles ExcelStyles) error {
	headers := []string{"Symbol", "Position Value", "Daily Trades", "Hourly Trades", "Recent Trades", "History", "Last Trade", "Cooldown (min)", "Next Decision", "Detail"}
	widths := []float64{14, 16, 12, 14, 14, 10, 22, 14, 18, 40}
	if err := r.writeHeaders(fx, StatusSheet, headers, widths, styles); err != nil {
		return err
	}

	for i, s := range report.Statuses {
		last := ""
		if !s.LastTradeTime.IsZero() {
			last = s.LastTradeTime.Format(time.RFC3339)
		}
		decisionStyle := styles.BaseStyle
		if !s.NextDecision.Allowed {
			decisionStyle = styles.DeniedStyle
		}
		err := writeRow(fx, StatusSheet, i+2,
			[]interface{}{s.Symbol, s.PositionValue, s.DailyTradeCount, s.HourlyTradeCount, s.RecentTradeCount,
				s.HistoryLength, last, s.CooldownRemaining.Minutes(), string(s.NextDecision.Reason), s.NextDecision.Detail},
			[]int{styles.BaseStyle, styles.CurrencyStyle, styles.BaseStyle, styles.BaseStyle, styles.BaseStyle,
				styles.BaseStyle, styles.BaseStyle, styles.BaseStyle, decisionStyle, styles.BaseStyle})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ExcelReporter) writePortfolioSheet(fx *excelize.File, report Report, styles ExcelStyles) error {
	headers := []string{"Metric", "Value"}
	if err := r.writeHeaders(fx, PortfolioSheet, headers, []float64{26, 18}, styles); err != nil {
		return err
	}

	generated := report.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}
	row := 2
	if err := writeRow(fx, PortfolioSheet, row, []interface{}{"Generated At", generated.Format(time.RFC3339)}, nil); err != nil {
		return err
	}
	row++

	snap := report.Snapshot
	if snap == nil {
		return writeRow(fx, PortfolioSheet, row, []interface{}{"Snapshot", "unavailable"}, nil)
	}

	metrics := []struct {
		name  string
		value float64
		style int
	}{
		{"Total Value", snap.TotalValue, styles.CurrencyStyle},
		{"Largest Position", snap.LargestPositionPct, styles.PercentStyle},
		{"Diversification Score", snap.DiversificationScore, styles.BaseStyle},
		{"Risk Score", snap.RiskScore, styles.BaseStyle},
		{"Positions", float64(snap.PositionCount), styles.BaseStyle},
	}
	for _, m := range metrics {
		if err := writeRow(fx, PortfolioSheet, row, []interface{}{m.name, m.value}, []int{styles.BaseStyle, m.style}); err != nil {
			return err
		}
		row++
	}
	for _, module := range portfolio.AllModules {
		err := writeRow(fx, PortfolioSheet, row,
			[]interface{}{fmt.Sprintf("Module %s", module), snap.ModuleAllocation(module)},
			[]int{styles.BaseStyle, styles.PercentStyle})
		if err != nil {
			return err
		}
		row++
	}

	// Positions table below the metrics
	row++
	posHeaders := []string{"Symbol", "Module", "Market Value", "Weight", "Unrealized P&L"}
	for i, h := range posHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		if err := fx.SetCellValue(PortfolioSheet, cell, h); err != nil {
			return err
		}
		if err := fx.SetCellStyle(PortfolioSheet, cell, cell, styles.HeaderStyle); err != nil {
			return err
		}
	}
	row++
	for _, p := range snap.Positions {
		err := writeRow(fx, PortfolioSheet, row,
			[]interface{}{p.Symbol, string(p.Module), p.MarketValue, snap.SymbolConcentrations[p.Symbol], p.UnrealizedPnL},
			[]int{styles.BaseStyle, styles.BaseStyle, styles.CurrencyStyle, styles.PercentStyle, styles.CurrencyStyle})
		if err != nil {
			return err
		}
		row++
	}
	return nil
}

func (r *ExcelReporter) writeActionsSheet(fx *excelize.File, actions []rebalance.Action, styles ExcelStyles) error {
	headers := []string{"#", "Urgency", "Action", "Symbol", "Module", "Amount", "Current Weight", "Target Weight", "Reason"}
	widths := []float64{5, 10, 10, 14, 10, 14, 16, 16, 24}
	if err := r.writeHeaders(fx, ActionsSheet, headers, widths, styles); err != nil {
		return err
	}

	for i, a := range actions {
		err := writeRow(fx, ActionsSheet, i+2,
			[]interface{}{i + 1, string(a.Urgency), string(a.ActionType), a.Symbol, string(a.Module),
				a.AmountUSD, a.CurrentWeight, a.TargetWeight, string(a.Reason)},
			[]int{styles.BaseStyle, styles.BaseStyle, styles.BaseStyle, styles.BaseStyle, styles.BaseStyle,
				styles.CurrencyStyle, styles.PercentStyle, styles.PercentStyle, styles.BaseStyle})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ExcelReporter) writeAuditSheet(fx *excelize.File, outcomes []rebalance.Outcome, styles ExcelStyles) error {
	headers := []string{"ID", "Executed At", "Action", "Symbol", "Amount", "Success", "Error"}
	widths := []float64{38, 22, 10, 14, 14, 10, 40}
	if err := r.writeHeaders(fx, AuditSheet, headers, widths, styles); err != nil {
		return err
	}

	for i, o := range outcomes {
		resultStyle := styles.BaseStyle
		if !o.Success {
			resultStyle = styles.DeniedStyle
		}
		err := writeRow(fx, AuditSheet, i+2,
			[]interface{}{o.ID, o.ExecutedAt.Format(time.RFC3339), string(o.Action.ActionType), o.Action.Symbol,
				o.Action.AmountUSD, o.Success, o.Error},
			[]int{styles.BaseStyle, styles.BaseStyle, styles.BaseStyle, styles.BaseStyle,
				styles.CurrencyStyle, resultStyle, resultStyle})
		if err != nil {
			return err
		}
	}
	return nil
}
