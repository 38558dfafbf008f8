// Command dispatch is the battery/solar/grid dispatch optimizer's entry
// point: it loads a configuration and an exogenous forecast, then runs
// either a one-shot monthly solve or a live rolling-horizon loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voltgrid/dispatch/battery"
	"github.com/voltgrid/dispatch/config"
	"github.com/voltgrid/dispatch/dispatch"
	"github.com/voltgrid/dispatch/lp"
	"github.com/voltgrid/dispatch/rolling"
	"github.com/voltgrid/dispatch/server"
	"github.com/voltgrid/dispatch/storage"
	"github.com/voltgrid/dispatch/telemetry"
	"github.com/voltgrid/dispatch/timegrid"
	"github.com/voltgrid/dispatch/trajectory"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		forecast   = flag.String("forecast", "forecast.json", "Exogenous forecast file path (PV/load/price series)")
		monthly    = flag.Bool("monthly", false, "Solve one calendar month once and print the decision table")
		rollingRun = flag.Bool("rolling", false, "Run the rolling-horizon controller over the forecast")
		info       = flag.Bool("info", false, "Show a live telemetry reading and exit")
		help       = flag.Bool("help", false, "Show help message")
		runID      = flag.String("run-id", "", "Run identifier used when persisting to Postgres (defaults to the current timestamp)")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		return
	}
	if cfg.Tariff().NonMonotoneIncrementalCosts() {
		fmt.Println("Warning: power tariff brackets have non-monotone incremental costs; the LP may partially activate a higher bracket before fully activating a lower one")
	}

	if *info {
		runInfo(cfg)
		return
	}

	fc, err := loadForecast(*forecast)
	if err != nil {
		fmt.Println("Error loading forecast:", err)
		return
	}

	if *monthly {
		runMonthly(cfg, fc)
		return
	}

	if *rollingRun {
		id := *runID
		if id == "" {
			id = fc.Start.Format("20060102T150405")
		}
		runRolling(cfg, fc, id)
		return
	}

	showHelp()
}

// forecastFile is the on-disk shape of an exogenous forecast: parallel
// arrays of PV production, load, and price, plus an explicit peak-band
// flag per step, decoded straight from a plain JSON document into a
// struct.
type forecastFile struct {
	Start       time.Time `json:"start"`
	Resolution  string    `json:"resolution"` // "hourly" or "quarter_hourly"
	PVkW        []float64 `json:"pv_kw"`
	LoadKW      []float64 `json:"load_kw"`
	PriceImport []float64 `json:"price_import"`
	PriceExport []float64 `json:"price_export"`
	PeakBand    []bool    `json:"peak_band"`
}

func loadForecast(path string) (*forecastFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read forecast file: %w", err)
	}
	var fc forecastFile
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to decode forecast JSON: %w", err)
	}
	if len(fc.LoadKW) == 0 {
		return nil, fmt.Errorf("forecast file %s has an empty load_kw series", path)
	}
	return &fc, nil
}

func (fc *forecastFile) resolution() timegrid.Resolution {
	if fc.Resolution == "quarter_hourly" {
		return timegrid.QuarterHourly
	}
	return timegrid.Hourly
}

func (fc *forecastFile) series(from, length int) lp.ExogenousSeries {
	s := lp.ExogenousSeries{
		PVkW:        append([]float64{}, fc.PVkW[from:from+length]...),
		LoadKW:      append([]float64{}, fc.LoadKW[from:from+length]...),
		PriceImport: append([]float64{}, fc.PriceImport[from:from+length]...),
		PriceExport: append([]float64{}, fc.PriceExport[from:from+length]...),
		PeakBand:    append([]bool{}, fc.PeakBand[from:from+length]...),
	}
	return s
}

// forecastSource adapts a loaded forecastFile to rolling.Source, the
// shape a live deployment would instead slice from a continuously
// updated price/weather feed.
type forecastSource struct {
	fc *forecastFile
}

func (s forecastSource) Len() int { return len(s.fc.LoadKW) }

func (s forecastSource) Grid(t0, w int) (*timegrid.Grid, error) {
	stepHours := s.fc.resolution().Hours()
	start := s.fc.Start.Add(time.Duration(float64(t0) * stepHours * float64(time.Hour)))
	return timegrid.New(start, s.fc.resolution(), w)
}

func (s forecastSource) Series(t0, w int) (lp.ExogenousSeries, error) {
	return s.fc.series(t0, w), nil
}

func runMonthly(cfg *config.Config, fc *forecastFile) {
	logger := log.New(os.Stdout, "[MONTHLY] ", log.LstdFlags)

	grid, err := timegrid.New(fc.Start, fc.resolution(), len(fc.LoadKW))
	if err != nil {
		logger.Printf("failed to build time grid: %v", err)
		return
	}
	series := fc.series(0, len(fc.LoadKW))

	opt := dispatch.NewMonthlyOptimizer(cfg.Battery(), cfg.Tariff(), cfg.GridLimits())
	logger.Printf("Solving %d steps starting %s...", grid.Len(), fc.Start.Format("2006-01-02"))

	result, err := opt.SolveMonth(grid, series, cfg.Battery().SOCMin*cfg.Battery().EnergyCapacityKWh)
	if err != nil {
		logger.Printf("Error during monthly solve: %v", err)
		return
	}

	tr := &trajectory.Trajectory{}
	for t := 0; t < grid.Len(); t++ {
		importCost, exportRevenue := cfg.Tariff().EnergyCost(result.Window.GridImportKW[t], result.Window.GridExportKW[t], series.PeakBand[t], grid.StepHours())
		tr.Append(trajectory.Step{
			Time:            grid.Time(t),
			ChargeKW:        result.Window.ChargeKW[t],
			DischargeKW:     result.Window.DischargeKW[t],
			GridImportKW:    result.Window.GridImportKW[t],
			GridExportKW:    result.Window.GridExportKW[t],
			CurtailKW:       result.Window.CurtailKW[t],
			EnergyKWh:       result.Window.EnergyKWh[t],
			PriceImport:     series.PriceImport[t],
			StepCost:        importCost - exportRevenue,
			StepDegradation: result.Window.DP[t],
		})
	}

	printSummaryTable(tr, result)
}

func printSummaryTable(tr *trajectory.Trajectory, result *dispatch.MonthResult) {
	fmt.Println("\n========================================")
	fmt.Println("MONTHLY DISPATCH RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Total steps: %d\n\n", len(tr.Steps))

	fmt.Println("┌─────────────────────┬──────────┬──────────┬────────────┬────────────┬──────────┬────────────┬──────────┐")
	fmt.Println("│      Timestamp      │ Chr (kW) │ Dis (kW) │ Imprt (kW) │ Exprt (kW) │ SOC(kWh) │ Price(/kWh)│Cost(unit)│")
	fmt.Println("├─────────────────────┼──────────┼──────────┼────────────┼────────────┼──────────┼────────────┼──────────┤")

	limit := len(tr.Steps)
	if limit > 24 {
		limit = 24
	}
	for _, s := range tr.Steps[:limit] {
		fmt.Printf("│ %19s │  %6.2f  │  %6.2f  │   %6.2f   │   %6.2f   │  %6.2f  │   %6.3f   │ %7.3f  │\n",
			s.Time.Format("2006-01-02 15:04"), s.ChargeKW, s.DischargeKW, s.GridImportKW, s.GridExportKW,
			s.EnergyKWh, s.PriceImport, s.StepCost)
	}
	if len(tr.Steps) > limit {
		fmt.Printf("│ ... %d more steps omitted ...                                                                   │\n", len(tr.Steps)-limit)
	}
	fmt.Println("└─────────────────────┴──────────┴──────────┴────────────┴────────────┴──────────┴────────────┴──────────┘")

	fmt.Println("\n========================================")
	fmt.Println("SUMMARY")
	fmt.Println("========================================")
	fmt.Printf("Energy cost:        %.2f\n", result.Window.EnergyCost)
	fmt.Printf("Power tariff cost:  %.2f (exact)\n", result.ExactPowerTariff)
	fmt.Printf("Degradation cost:   %.2f\n", result.Window.DegradationCost)
	fmt.Printf("Total cost:         %.2f\n", result.TotalCost)
	fmt.Printf("Peak import:        %.2f kW\n", result.Window.PeakWindowKW)
	fmt.Println("========================================")
}

func runRolling(cfg *config.Config, fc *forecastFile, runID string) {
	logger := log.New(os.Stdout, "[ROLLING] ", log.LstdFlags)

	c := rolling.NewController(cfg.Battery(), cfg.Tariff(), cfg.GridLimits(), cfg.RollingWindowSteps)
	c.StepSize = cfg.RollingStepSize
	c.DaysPerMonth = cfg.RollingDaysPerMonth
	c.MaxConsecutiveFaults = cfg.RollingMaxConsecutiveFaults
	c.Logger = logger

	state := &battery.State{
		SOCkWh:      cfg.Battery().SOCMin * cfg.Battery().EnergyCapacityKWh,
		MonthAnchor: time.Date(fc.Start.Year(), fc.Start.Month(), 1, 0, 0, 0, 0, fc.Start.Location()),
	}

	if cfg.ModbusAddress != "" {
		seedFromTelemetry(cfg, state, logger)
	}

	srv := server.New(c, cfg.HealthCheckPort)
	if srv != nil {
		if err := srv.Start(); err != nil {
			logger.Printf("dashboard server failed to start: %v", err)
		} else {
			logger.Printf("dashboard listening on :%d", cfg.HealthCheckPort)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	resultCh := make(chan rollingOutcome, 1)
	go func() {
		tr, err := c.Run(forecastSource{fc: fc}, state)
		resultCh <- rollingOutcome{tr: tr, err: err}
	}()

	logger.Printf("Rolling-horizon controller started (window=%d steps). Press Ctrl+C to stop...", cfg.RollingWindowSteps)

	var outcome rollingOutcome
	select {
	case <-sigChan:
		logger.Printf("Shutdown signal received; waiting for the rolling run to finish...")
		outcome = <-resultCh
	case outcome = <-resultCh:
	}
	cancel()

	if srv != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		srv.Stop(stopCtx)
	}

	if outcome.err != nil {
		logger.Printf("rolling run ended with error: %v", outcome.err)
		return
	}
	logger.Printf("rolling run complete: %d steps, cumulative cost %.2f, %d faults",
		len(outcome.tr.Steps), outcome.tr.CumulativeCost, c.FaultCount())

	if cfg.PostgresConnString != "" {
		persistTrajectory(cfg, runID, outcome.tr, logger)
	}
}

type rollingOutcome struct {
	tr  *trajectory.Trajectory
	err error
}

func persistTrajectory(cfg *config.Config, runID string, tr *trajectory.Trajectory, logger *log.Logger) {
	store, err := storage.Open(cfg.PostgresConnString)
	if err != nil {
		logger.Printf("failed to open storage: %v", err)
		return
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.ApplySchema(ctx); err != nil {
		logger.Printf("failed to apply schema: %v", err)
		return
	}
	if err := store.SaveSteps(ctx, runID, tr.Steps); err != nil {
		logger.Printf("failed to persist trajectory: %v", err)
		return
	}
	logger.Printf("persisted %d steps under run_id=%s", len(tr.Steps), runID)
}

func seedFromTelemetry(cfg *config.Config, state *battery.State, logger *log.Logger) {
	client, err := telemetry.Dial(cfg.ModbusAddress, cfg.ModbusTimeout)
	if err != nil {
		logger.Printf("telemetry unavailable, starting from configured defaults: %v", err)
		return
	}
	defer client.Close()

	reading, err := client.Read()
	if err != nil {
		logger.Printf("telemetry read failed, starting from configured defaults: %v", err)
		return
	}
	seeded := telemetry.SeedState(cfg.Battery().EnergyCapacityKWh, reading, state.MonthPeakKW, state.CumDegradation)
	*state = seeded
	logger.Printf("seeded battery state from telemetry: soc=%.2fkWh grid=%.2fkW pv=%.2fkW", state.SOCkWh, reading.GridKW, reading.PVKW)
}

func runInfo(cfg *config.Config) {
	if cfg.ModbusAddress == "" {
		fmt.Println("No modbus_address configured; telemetry is disabled.")
		return
	}
	client, err := telemetry.Dial(cfg.ModbusAddress, cfg.ModbusTimeout)
	if err != nil {
		fmt.Println("Error connecting to telemetry:", err)
		return
	}
	defer client.Close()

	reading, err := client.Read()
	if err != nil {
		fmt.Println("Error reading telemetry:", err)
		return
	}
	fmt.Printf("Plant reading at %s:\n", reading.Timestamp.Format(time.RFC3339))
	fmt.Printf("  SOC:          %.1f%%\n", reading.SOCFraction*100)
	fmt.Printf("  Battery:      %.2f kW (positive = charging)\n", reading.BatteryKW)
	fmt.Printf("  Grid:         %.2f kW (positive = importing)\n", reading.GridKW)
	fmt.Printf("  PV:           %.2f kW\n", reading.PVKW)
}

func showHelp() {
	fmt.Println("dispatch - optimize battery/solar dispatch against a grid connection")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Solves a linear program that schedules battery charge/discharge and grid")
	fmt.Println("  import/export against time-varying energy prices, a progressive power")
	fmt.Println("  tariff, and battery degradation cost. Runs either a one-shot monthly solve")
	fmt.Println("  or a rolling-horizon controller that re-solves a short window at every step.")
	fmt.Println()
	fmt.Println("  Key Features:")
	fmt.Println("  - Big-M bounded-variable simplex solver with dual-variable recovery")
	fmt.Println("  - Progressive/bracketed power tariff (exact step-function cost)")
	fmt.Println("  - LFP cyclic + calendar battery degradation cost")
	fmt.Println("  - Rolling-horizon control with a peak-penalty incentive and safe-mode fallback")
	fmt.Println("  - Live Modbus telemetry seeding and a WebSocket dashboard feed")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  dispatch [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Solve one calendar month and print the decision table")
	fmt.Println("  dispatch -monthly -config=config.json -forecast=january.json")
	fmt.Println()
	fmt.Println("  # Run the rolling-horizon controller over a forecast")
	fmt.Println("  dispatch -rolling -config=config.json -forecast=forecast.json")
	fmt.Println()
	fmt.Println("  # Show a live telemetry reading")
	fmt.Println("  dispatch -info -config=config.json")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  dispatch -help")
}
