package integrity

import (
	"context"
	"log"
	"time"

	"github.com/ndrandal/kline-engine/internal/model"
	"golang.org/x/sync/errgroup"
)

// AllReport aggregates CheckAndRepair results across every
// symbol/timeframe pair in one pass.
type AllReport struct {
	Reports    []Report
	TotalGaps  int
	TotalFixed int
}

// CheckAndRepairAll runs CheckAndRepair concurrently across every
// (symbol,timeframe) pair, mirroring the originating system's
// sequential sweep but fanned out the way the producer fans out its
// per-key fetches.
func (s *Service) CheckAndRepairAll(ctx context.Context, symbols, timeframes []string, mt model.MarketType, barWindow time.Duration, indicatorLookback int, autoFix bool) (AllReport, error) {
	log.Printf("integrity: starting data integrity check: %d symbols x %d timeframes, auto_fix=%v", len(symbols), len(timeframes), autoFix)

	type pair struct{ symbol, timeframe string }
	pairs := make([]pair, 0, len(symbols)*len(timeframes))
	for _, sym := range symbols {
		for _, tf := range timeframes {
			pairs = append(pairs, pair{sym, tf})
		}
	}

	reports := make([]Report, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pairs {
		i, p := i, p
		g.Go(func() error {
			r, err := s.CheckAndRepair(gctx, p.symbol, p.timeframe, mt, barWindow, indicatorLookback, autoFix)
			if err != nil {
				log.Printf("integrity: check %s/%s: %v", p.symbol, p.timeframe, err)
				reports[i] = Report{Symbol: p.symbol, Timeframe: p.timeframe}
				return nil
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AllReport{}, err
	}

	out := AllReport{Reports: reports}
	for _, r := range reports {
		out.TotalGaps += r.BarGaps + r.IndicatorGaps
		out.TotalFixed += r.BarsFilled + r.IndicatorsFilled
		if r.BarGaps > 0 || r.IndicatorGaps > 0 {
			log.Printf("integrity: %s/%s: %d bar gap(s) (%d filled), %d indicator gap(s) (%d filled, %d skipped)",
				r.Symbol, r.Timeframe, r.BarGaps, r.BarsFilled, r.IndicatorGaps, r.IndicatorsFilled, r.IndicatorsSkipped)
		}
	}
	log.Printf("integrity: check complete: %d total gap(s), %d filled", out.TotalGaps, out.TotalFixed)
	return out, nil
}

// RunScheduled runs CheckAndRepairAll once immediately and then every
// interval until ctx is cancelled.
func (s *Service) RunScheduled(ctx context.Context, symbols, timeframes []string, mt model.MarketType, barWindow time.Duration, indicatorLookback int, interval time.Duration) {
	if interval <= 0 {
		log.Println("integrity: periodic repair disabled")
		return
	}

	if _, err := s.CheckAndRepairAll(ctx, symbols, timeframes, mt, barWindow, indicatorLookback, true); err != nil {
		log.Printf("integrity: initial repair pass failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CheckAndRepairAll(ctx, symbols, timeframes, mt, barWindow, indicatorLookback, true); err != nil {
				log.Printf("integrity: scheduled repair pass failed: %v", err)
			}
		}
	}
}
