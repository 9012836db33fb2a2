// swingtrader runs the options swing-break engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/swing-trader/internal/alerts"
	"github.com/Rajchodisetti/swing-trader/internal/broker"
	"github.com/Rajchodisetti/swing-trader/internal/config"
	"github.com/Rajchodisetti/swing-trader/internal/engine"
	"github.com/Rajchodisetti/swing-trader/internal/market"
	"github.com/Rajchodisetti/swing-trader/internal/observ"
	"github.com/Rajchodisetti/swing-trader/internal/ops"
	"github.com/Rajchodisetti/swing-trader/internal/server"
	"github.com/Rajchodisetti/swing-trader/internal/storage"
	"github.com/Rajchodisetti/swing-trader/internal/transport"
)

var (
	configPath string
	envPath    string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "swingtrader",
		Short:         "Options swing-break decision engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return observ.SetLevel(logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "dotenv file with secrets")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Root, error) {
	if err := config.LoadDotEnv(envPath); err != nil {
		return config.Root{}, fmt.Errorf("load %s: %w", envPath, err)
	}
	path := configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		observ.Warn("config_missing", map[string]any{"path": path})
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// brokers holds the order broker and the optional extras a concrete
// implementation offers.
type brokers struct {
	broker  broker.Broker
	prices  engine.PriceSink
	history broker.HistoryProvider
}

func newBroker(cfg config.Root) brokers {
	if cfg.Broker.Mode != "live" {
		paper := broker.NewPaper(1_000_000, 0)
		observ.Log("broker_mode", map[string]any{"mode": "paper"})
		return brokers{broker: paper, prices: paper}
	}
	oa := broker.NewOpenAlgo(cfg.Broker, cfg.Strategy.Name)
	var b broker.Broker = broker.NewRetrying(oa, cfg.Orders.MaxRetries, cfg.Orders.RetryDelay())
	if cfg.Broker.DryRun {
		b = broker.NewDryRun(b)
	}
	observ.Log("broker_mode", map[string]any{"mode": "live", "dry_run": cfg.Broker.DryRun, "host": cfg.Broker.Host})
	return brokers{broker: b, history: oa}
}

func runCmd() *cobra.Command {
	var (
		expiry string
		atm    int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trade the strike universe around an ATM strike",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			expiry = strings.ToUpper(expiry)
			if _, err := market.ParseExpiry(expiry); err != nil {
				return err
			}
			if atm <= 0 {
				return errors.New("--atm must be a positive strike")
			}
			session, err := engine.SessionFrom(cfg.Risk)
			if err != nil {
				return err
			}
			atm = market.RoundATM(float64(atm), cfg.Strategy.StrikeInterval)
			symbols := market.Universe(cfg.Strategy.Underlying, expiry, atm, cfg.Strategy.StrikeInterval, cfg.Strategy.StrikeScanRange)

			b := newBroker(cfg)
			store, err := storage.NewStore(cfg.Storage.Dir, cfg.Storage.StateFile)
			if err != nil {
				return err
			}
			jrnl, err := storage.NewJournal(filepath.Join(cfg.Storage.Dir, cfg.Storage.JournalDir), session)
			if err != nil {
				return err
			}
			tg := alerts.NewTelegram(cfg.Notify)
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = tg.Drain(ctx)
				_ = tg.Close()
			}()

			var feed transport.Client
			if cfg.Feed.WSURL != "" {
				feed = transport.NewWebSocketClient(transport.ConfigFrom(cfg, symbols, session.Loc))
			} else {
				observ.Warn("feed_not_configured", map[string]any{"hint": "set feed.ws_url or OPENALGO_WS_URL"})
			}

			eng, err := engine.New(engine.Deps{
				Config:  cfg,
				Symbols: symbols,
				Broker:  b.broker,
				Feed:    feed,
				Store:   store,
				Journal: jrnl,
				Sender:  tg,
				Prices:  b.prices,
				History: b.history,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Server.Enabled {
				srv := server.New(cfg.Server.Addr, eng, eng.Machine())
				srv.Start()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			observ.Log("swingtrader_start", map[string]any{
				"strategy": cfg.Strategy.Name, "expiry": expiry, "atm": atm, "symbols": len(symbols),
				"mode": cfg.Broker.Mode, "dry_run": cfg.Broker.DryRun,
			})
			tg.Send(alerts.Message{
				Kind: "STARTUP",
				Text: fmt.Sprintf("swing-trader starting: %s %s ATM %d (%d symbols, %s)", cfg.Strategy.Underlying, expiry, atm, len(symbols), cfg.Broker.Mode),
				At:   time.Now(),
			})
			return eng.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&expiry, "expiry", "", "option expiry code, e.g. 30DEC25")
	cmd.Flags().IntVar(&atm, "atm", 0, "at-the-money strike")
	_ = cmd.MarkFlagRequired("expiry")
	_ = cmd.MarkFlagRequired("atm")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the startup health checks once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			b := newBroker(cfg)
			var probe ops.FeedProbe
			if cfg.Feed.WSURL != "" {
				probe = transport.NewWebSocketClient(transport.ConfigFrom(cfg, nil, cfg.Risk.Location()))
			}
			rep := ops.NewChecker(b.broker, probe).Run(cmd.Context())
			for _, r := range rep.Results {
				status := "ok"
				if !r.OK {
					status = fmt.Sprintf("FAIL (%s, %s): %s", r.Class, r.ErrType, r.Error)
				}
				fmt.Printf("%-14s %-8s %s\n", r.Name, r.Latency.Round(time.Millisecond), status)
			}
			if f, failed := rep.Failure(); failed {
				return fmt.Errorf("check %s failed", f.Name)
			}
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	var (
		barsPath string
		warmup   int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded one-minute bars against the paper broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(barsPath)
			if err != nil {
				return fmt.Errorf("read bars: %w", err)
			}
			var bars []market.Bar
			if err := json.Unmarshal(raw, &bars); err != nil {
				return fmt.Errorf("decode %s: %w", barsPath, err)
			}
			if len(bars) == 0 {
				return errors.New("no bars to replay")
			}

			paper := broker.NewPaper(1_000_000, 0)
			eng, err := engine.New(engine.Deps{Config: cfg, Broker: paper, Prices: paper})
			if err != nil {
				return err
			}
			first := bars[0].Timestamp
			eng.SetClock(func() time.Time { return first })

			warm, live := splitWarmup(bars, warmup)
			eng.Warmup(warm)
			if _, err := eng.Start(cmd.Context()); err != nil {
				return err
			}
			res, err := eng.Replay(cmd.Context(), live)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&barsPath, "bars", "", "JSON array of one-minute bars")
	cmd.Flags().IntVar(&warmup, "warmup", 0, "minutes of bars used only to seed swing detection")
	_ = cmd.MarkFlagRequired("bars")
	return cmd
}

// splitWarmup separates the first minutes of bars, which only seed the
// detectors, from the bars that are traded.
func splitWarmup(bars []market.Bar, minutes int) (warm, live []market.Bar) {
	if minutes <= 0 {
		return nil, bars
	}
	cut := bars[0].Timestamp.Add(time.Duration(minutes) * time.Minute)
	for _, b := range bars {
		if b.Timestamp.Before(cut) {
			warm = append(warm, b)
		} else {
			live = append(live, b)
		}
	}
	return warm, live
}
