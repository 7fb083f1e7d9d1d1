// Command engine is the kline-engine process entrypoint: a cobra root
// command whose subcommands start one subsystem each (or all of them,
// for development), replacing the teacher's single flat main with one
// process per concern, per the commands spec.md §6 calls for.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ndrandal/kline-engine/internal/archive"
	"github.com/ndrandal/kline-engine/internal/backtest"
	"github.com/ndrandal/kline-engine/internal/bus"
	"github.com/ndrandal/kline-engine/internal/config"
	"github.com/ndrandal/kline-engine/internal/exchange"
	"github.com/ndrandal/kline-engine/internal/indicatornode"
	"github.com/ndrandal/kline-engine/internal/integrity"
	"github.com/ndrandal/kline-engine/internal/model"
	"github.com/ndrandal/kline-engine/internal/producer"
	"github.com/ndrandal/kline-engine/internal/store"
	"github.com/ndrandal/kline-engine/internal/strategy"
	"github.com/ndrandal/kline-engine/internal/strategy/strategies/bollinger"
	"github.com/ndrandal/kline-engine/internal/strategy/strategies/dualma"
)

// strategyName selects which registered strategy the "strategy" and
// "all" commands run live.
var strategyName string

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	rootCmd := &cobra.Command{
		Use:   "engine",
		Short: "kline-engine runs the producer, indicator, strategy, and repair processes.",
	}
	config.Register(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVar(&strategyName, "strategy", "dualma", "Strategy to run live (dualma, bollinger)")

	rootCmd.AddCommand(producerCmd(), indicatorCmd(), strategyCmd(), repairCmd(), allCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// shutdownContext returns a context cancelled on SIGINT/SIGTERM,
// mirroring the teacher's graceful-shutdown wiring in cmd/feedsim.
func shutdownContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("engine: received signal %v, shutting down...", sig)
		cancel()
	}()
	return ctx, cancel
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st, err := store.NewMongoStore(ctx, cfg.MongoURI)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	return st, nil
}

func newBus(cfg *config.Config) (bus.Bus, error) {
	if cfg.UseRedis {
		opt, err := redis.ParseURL(cfg.RedisURI)
		if err != nil {
			return nil, fmt.Errorf("parse redis uri: %w", err)
		}
		return bus.NewRedisBus(redis.NewClient(opt)), nil
	}
	return bus.NewLocalBus(cfg.BusSubscriberBuffer), nil
}

func newExchange(cfg *config.Config) exchange.Exchange {
	sim := exchange.NewSimExchange(cfg.SimSeed)
	return exchange.NewResilient(sim, cfg.ExchangeRatePerSec, cfg.ExchangeBurst)
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// buildStrategyRegistry registers the two illustrative strategies under
// the names the --strategy flag selects between.
func buildStrategyRegistry() *strategy.Registry {
	reg := strategy.NewRegistry()
	reg.Register("dualma", func(params map[string]float64) (strategy.Strategy, error) {
		return dualma.New(int(params["fast_period"]), int(params["slow_period"])), nil
	})
	reg.Register("bollinger", func(params map[string]float64) (strategy.Strategy, error) {
		return bollinger.New(params["touch_threshold"]), nil
	})
	return reg
}

func producerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "producer",
		Short: "Run the bar producer against the configured exchange.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromFlags()
			ctx, cancel := shutdownContext()
			defer cancel()

			st, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			b, err := newBus(cfg)
			if err != nil {
				return err
			}
			p := producer.New(newExchange(cfg), st, b, producer.Config{
				Symbols:       cfg.Symbols,
				Timeframes:    cfg.Timeframes,
				MarketType:    model.MarketType(cfg.MarketType),
				FetchInterval: time.Duration(cfg.FetchIntervalSec) * time.Second,
				FlushInterval: time.Duration(cfg.FlushIntervalSec) * time.Second,
				BufferSize:    cfg.BufferSize,
			})

			if err := p.Bootstrap(ctx); err != nil {
				log.Printf("producer: startup bootstrap: %v", err)
			}
			return p.Run(ctx)
		},
	}
}

func indicatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indicator",
		Short: "Run the incremental indicator node.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromFlags()
			ctx, cancel := shutdownContext()
			defer cancel()

			st, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			b, err := newBus(cfg)
			if err != nil {
				return err
			}
			return indicatornode.New(b, st).Run(ctx)
		},
	}
}

func strategyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategy",
		Short: "Run a strategy's live runtime against bus-published bars and indicators.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromFlags()
			ctx, cancel := shutdownContext()
			defer cancel()

			st, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			b, err := newBus(cfg)
			if err != nil {
				return err
			}

			strat, err := buildStrategyRegistry().Build(strategyName, nil)
			if err != nil {
				return err
			}

			rt := strategy.NewRuntime(strat, b, st, cfg.Symbols)
			return rt.Run(ctx, cfg.Timeframes[0])
		},
	}
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Run the data-integrity repair scheduler.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromFlags()
			if !cfg.RepairEnabled {
				log.Println("repair: disabled by configuration, exiting")
				return nil
			}
			ctx, cancel := shutdownContext()
			defer cancel()

			st, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			svc := integrity.New(st, newExchange(cfg))
			runRepairLoop(ctx, svc, cfg)
			return nil
		},
	}
}

// runRepairLoop sweeps every configured (symbol,timeframe) pair through
// CheckAndRepair once immediately and then on every repair interval,
// until ctx is cancelled.
func runRepairLoop(ctx context.Context, svc *integrity.Service, cfg *config.Config) {
	ticker := time.NewTicker(time.Duration(cfg.RepairIntervalSec) * time.Second)
	defer ticker.Stop()

	mt := model.MarketType(cfg.MarketType)
	barWindow := time.Duration(cfg.BarGapWindowSec) * time.Second

	runOnce := func() {
		for _, symbol := range cfg.Symbols {
			for _, tf := range cfg.Timeframes {
				report, err := svc.CheckAndRepair(ctx, symbol, tf, mt, barWindow, cfg.IndicatorGapCount, true)
				if err != nil {
					log.Printf("repair: %s/%s: %v", symbol, tf, err)
					continue
				}
				if report.BarsFilled > 0 || report.IndicatorsFilled > 0 {
					log.Printf("repair: %s/%s filled %d bars, %d indicators (%d skipped)",
						symbol, tf, report.BarsFilled, report.IndicatorsFilled, report.IndicatorsSkipped)
				}
			}
		}
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run producer, indicator, strategy, and repair together in one process (development mode).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromFlags()
			ctx, cancel := shutdownContext()
			defer cancel()

			st, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			b, err := newBus(cfg)
			if err != nil {
				return err
			}
			ex := newExchange(cfg)

			p := producer.New(ex, st, b, producer.Config{
				Symbols:       cfg.Symbols,
				Timeframes:    cfg.Timeframes,
				MarketType:    model.MarketType(cfg.MarketType),
				FetchInterval: time.Duration(cfg.FetchIntervalSec) * time.Second,
				FlushInterval: time.Duration(cfg.FlushIntervalSec) * time.Second,
				BufferSize:    cfg.BufferSize,
			})
			node := indicatornode.New(b, st)

			strat, err := buildStrategyRegistry().Build(strategyName, nil)
			if err != nil {
				return err
			}
			rt := strategy.NewRuntime(strat, b, st, cfg.Symbols)

			svc := integrity.New(st, ex)

			// Constructed per the anti-singleton redesign even though this
			// dev command has no HTTP surface to submit tasks through; a
			// caller that embeds the engine wires CreateTask against these.
			btMgr := backtest.NewManager("backtest", b, cfg.BacktestMaxTasks, cfg.BacktestTTL, int64(cfg.BacktestConcurrency))
			optMgr := backtest.NewManager("optimization", b, cfg.OptimizationMaxTasks, cfg.OptimizationTTL, int64(cfg.OptimizationConcurrency))
			log.Printf("engine: back-test managers ready (max %d/%d concurrent tasks)",
				btMgr.Stats().MaxConcurrent, optMgr.Stats().MaxConcurrent)

			if cfg.S3Bucket != "" {
				s3Client, err := newS3Client(ctx, cfg)
				if err != nil {
					log.Printf("engine: s3 client unavailable, task archival disabled: %v", err)
				} else {
					maxAge := time.Duration(cfg.ArchiveAfterHours) * time.Hour
					interval := maxAge / 4
					if interval < time.Minute {
						interval = time.Minute
					}
					go archive.New(btMgr, s3Client, cfg.S3Bucket, cfg.S3Prefix+"/backtest", interval, maxAge).Run(ctx)
					go archive.New(optMgr, s3Client, cfg.S3Bucket, cfg.S3Prefix+"/optimization", interval, maxAge).Run(ctx)
				}
			}

			if err := p.Bootstrap(ctx); err != nil {
				log.Printf("engine: startup bootstrap: %v", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return p.Run(gctx) })
			g.Go(func() error { return node.Run(gctx) })
			g.Go(func() error { return rt.Run(gctx, cfg.Timeframes[0]) })
			if cfg.RepairEnabled {
				g.Go(func() error { runRepairLoop(gctx, svc, cfg); return nil })
			}

			if err := g.Wait(); err != nil && ctx.Err() == nil {
				return err
			}
			log.Println("engine: all processes stopped")
			return nil
		},
	}
}
