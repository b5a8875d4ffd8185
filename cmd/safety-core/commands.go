package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BenPomme/alpaca-trading-system/internal/allocation"
	"github.com/BenPomme/alpaca-trading-system/internal/api"
	"github.com/BenPomme/alpaca-trading-system/internal/portfolio"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
	"github.com/BenPomme/alpaca-trading-system/pkg/reporting"
)

var (
	readCandidates  bool
	executeRebal    bool
	tradeSide       string
	tradeConfidence float64
	tradeModule     string
	reportPath      string
	auditLimit      int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinating loop and the diagnostics server",
	Long: `Run the coordinator until interrupted. Rebalancing runs on the configured
interval and daily trade counters reset at midnight in the trading timezone.

With --candidates-stdin, trade candidates are read from stdin as JSON lines:
  {"symbol":"AAPL","side":"buy","confidence":0.8}`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status [symbol...]",
	Short: "Show safety gate counters per symbol",
	RunE:  runStatus,
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Analyze the live portfolio and optionally execute rebalance actions",
	RunE:  runRebalance,
}

var tradeCmd = &cobra.Command{
	Use:   "trade <symbol>",
	Short: "Size, check and submit a single trade candidate",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrade,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export gate status, portfolio and audit trail to an Excel workbook",
	RunE:  runReport,
}

func init() {
	serveCmd.Flags().BoolVar(&readCandidates, "candidates-stdin", false, "Read trade candidates from stdin as JSON lines")

	rebalanceCmd.Flags().BoolVar(&executeRebal, "execute", false, "Execute the most urgent actions instead of only listing them")

	tradeCmd.Flags().StringVar(&tradeSide, "side", "buy", "Order side: buy or sell")
	tradeCmd.Flags().Float64Var(&tradeConfidence, "confidence", 0.7, "Signal confidence in [0,1]")
	tradeCmd.Flags().StringVar(&tradeModule, "module", "", "Asset module (stocks, crypto, options); derived from the symbol when empty")

	reportCmd.Flags().StringVar(&reportPath, "xlsx", "", "Output workbook path (default reports/safety_<timestamp>.xlsx)")
	reportCmd.Flags().IntVar(&auditLimit, "audit-limit", 500, "Maximum audit entries to include")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := api.DefaultServerConfig()
	cfg.Host = a.cfg.HTTP.Host
	cfg.Port = a.cfg.HTTP.Port
	server := api.NewServer(cfg, a.gate, a.rebalancer, a.stop, a.component("api"))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	var candidates <-chan allocation.Candidate
	if readCandidates {
		candidates = candidateStream(ctx, os.Stdin, a)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.coordinator.Run(ctx, candidates)
	}()

	if err := a.notifier.SendAlert("info", "Safety core started"); err != nil {
		a.log.Warn().Err(err).Msg("Failed to send startup notification")
	}

	select {
	case err := <-serverErr:
		if err != nil {
			a.log.Error().Err(err).Msg("Diagnostics server failed")
		}
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			a.log.Error().Err(err).Msg("Coordinator failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("Error shutting down diagnostics server")
	}

	a.log.Info().Msg("Safety core stopped")
	return nil
}

// candidateStream decodes JSON lines from r until EOF or ctx is done
func candidateStream(ctx context.Context, r io.Reader, a *app) <-chan allocation.Candidate {
	out := make(chan allocation.Candidate)
	log := a.component("candidates")

	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var c allocation.Candidate
			if err := json.Unmarshal([]byte(line), &c); err != nil {
				log.Warn().Err(err).Str("line", line).Msg("Skipping malformed candidate")
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Error().Err(err).Msg("Candidate stream failed")
		}
	}()

	return out
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var statuses []safety.SymbolStatus
	if len(args) == 0 {
		statuses = a.gate.StatusAll()
	} else {
		for _, symbol := range args {
			statuses = append(statuses, a.gate.Status(strings.ToUpper(symbol)))
		}
	}

	reporting.NewConsoleReporter(cmd.OutOrStdout()).Statuses(statuses)
	return nil
}

func runRebalance(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	console := reporting.NewConsoleReporter(cmd.OutOrStdout())

	if !executeRebal {
		snap, actions, err := a.coordinator.Analyze(ctx)
		if err != nil {
			return err
		}
		console.Snapshot(snap)
		console.Actions(actions)
		return nil
	}

	report, err := a.coordinator.RunRebalance(ctx)
	if err != nil {
		return err
	}
	if report == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No rebalance actions required")
		return nil
	}
	console.Snapshot(report.Snapshot)
	console.Actions(report.Actions)
	console.Outcomes(report.Outcomes)
	return nil
}

func runTrade(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	candidate := allocation.Candidate{
		Symbol:     strings.ToUpper(args[0]),
		Side:       safety.Side(strings.ToLower(tradeSide)),
		Confidence: tradeConfidence,
		Module:     portfolio.Module(strings.ToLower(tradeModule)),
	}

	res, err := a.coordinator.ProcessCandidate(ctx, candidate)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case res.Trade != nil:
		fmt.Fprintf(out, "Traded %s %s: %.6f @ %.4f (order %s)\n",
			res.Trade.Side, res.Symbol, res.Trade.Quantity, res.Trade.Price, res.Trade.OrderID)
	case res.Decision.Allowed:
		fmt.Fprintf(out, "Admitted %s for $%.2f but nothing filled\n", res.Symbol, res.SizedValue)
	default:
		fmt.Fprintf(out, "Denied %s: %s %s\n", res.Symbol, res.Decision.Reason, res.Decision.Detail)
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	// The portfolio sheet needs the broker; fall back to an offline report without it
	a, err := newApp(ctx, true)
	offline := false
	if err != nil {
		a, err = newApp(ctx, false)
		if err != nil {
			return err
		}
		offline = true
	}
	defer a.Close()

	report := reporting.Report{
		GeneratedAt: time.Now(),
		Statuses:    a.gate.StatusAll(),
	}

	if !offline {
		snap, actions, err := a.coordinator.Analyze(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("Portfolio unavailable, exporting gate state only")
		} else {
			report.Snapshot = snap
			report.Actions = actions
		}
	}

	report.Outcomes, err = a.store.ListOutcomes(ctx, auditLimit)
	if err != nil {
		a.log.Warn().Err(err).Msg("Audit trail unavailable")
	}

	path := reportPath
	if path == "" {
		path = fmt.Sprintf("reports/safety_%s.xlsx", report.GeneratedAt.Format("20060102_150405"))
	}
	if err := reporting.NewExcelReporter().WriteWorkbook(report, path); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", path)
	return nil
}
