package backtest

import "time"

// defaultMinInterval and defaultMaxUpdates mirror the originating
// tracker's defaults: an item threshold of totalItems/100 and at least
// half a second between throttled updates.
const (
	defaultMinInterval = 500 * time.Millisecond
	defaultMaxUpdates  = 100
)

// ProgressTracker throttles a noisy per-item progress signal (e.g. one
// update per processed bar) by time and item count, so a million-bar
// back-test doesn't flood its subscriber.
// Mirrors the originating system's adaptive tracker: an update fires
// once the minimum interval has elapsed AND (the item threshold was
// crossed OR the rounded percentage moved), with completion always
// delivered immediately regardless of throttling.
type ProgressTracker struct {
	totalItems  int
	threshold   int
	minInterval time.Duration
	callback    func(progress int)

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time

	processed    int
	lastUpdateAt time.Time
	lastProgress int
}

// NewProgressTracker creates a tracker over totalItems. maxUpdates sets
// the item threshold (totalItems/maxUpdates, at least 1); reaching it,
// or moving the rounded percentage, makes an Update fire once
// minInterval has passed since the last one, and the final 100% call
// fires regardless of the interval. The number of callbacks is not
// capped at maxUpdates: with a short minInterval every percentage step
// fires.
func NewProgressTracker(totalItems int, minInterval time.Duration, maxUpdates int, callback func(progress int)) *ProgressTracker {
	if totalItems < 1 {
		totalItems = 1
	}
	if maxUpdates < 1 {
		maxUpdates = 1
	}
	threshold := totalItems / maxUpdates
	if threshold < 1 {
		threshold = 1
	}
	return &ProgressTracker{
		totalItems:  totalItems,
		threshold:   threshold,
		minInterval: minInterval,
		callback:    callback,
		now:         time.Now,
	}
}

// Update records that items more have been processed, invoking the
// callback and returning (progress, true) if the update conditions are
// met; otherwise returns (0, false).
func (p *ProgressTracker) Update(items int) (int, bool) {
	p.processed += items
	progress := p.processed * 100 / p.totalItems
	if progress > 100 {
		progress = 100
	}

	now := p.now()
	timePassed := now.Sub(p.lastUpdateAt) >= p.minInterval
	thresholdReached := p.threshold > 0 && p.processed%p.threshold == 0
	progressChanged := progress > p.lastProgress
	complete := p.processed >= p.totalItems

	shouldUpdate := (timePassed && (thresholdReached || progressChanged)) || complete
	if !shouldUpdate {
		return 0, false
	}

	p.lastUpdateAt = now
	p.lastProgress = progress
	if p.callback != nil {
		p.callback(progress)
	}
	return progress, true
}

// SetProgress directly advances progress to a given value (used by
// coarse stages that don't track individual items), firing the
// callback only on a forward move.
func (p *ProgressTracker) SetProgress(progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress <= p.lastProgress {
		return
	}
	p.lastProgress = progress
	p.lastUpdateAt = p.now()
	if p.callback != nil {
		p.callback(progress)
	}
}

// Progress returns the last progress value delivered to the callback.
func (p *ProgressTracker) Progress() int { return p.lastProgress }

// IsComplete reports whether every item has been processed.
func (p *ProgressTracker) IsComplete() bool { return p.processed >= p.totalItems }

// stage is one named progress range within a StageProgressTracker.
type stage struct {
	name       string
	start, end int
	tracker    *ProgressTracker
}

// StageProgressTracker composes several disjoint progress ranges (e.g.
// "load data" 0-20%, "run strategy" 20-95%, "compute metrics" 95-100%)
// into one monotonically increasing global percentage, matching the
// originating system's back-test progress breakdown.
type StageProgressTracker struct {
	callback func(progress int)
	stages   []stage
	global   int
}

// NewStageProgressTracker creates an empty multi-stage tracker.
func NewStageProgressTracker(callback func(progress int)) *StageProgressTracker {
	return &StageProgressTracker{callback: callback}
}

// AddStage registers a named [start,end] progress range and, if
// totalItems > 0, returns a ProgressTracker whose fine-grained updates
// are mapped into that range and forwarded to the stage tracker's own
// callback.
func (s *StageProgressTracker) AddStage(name string, start, end, totalItems int) *ProgressTracker {
	st := stage{name: name, start: start, end: end}
	if totalItems > 0 {
		stageRange := end - start
		st.tracker = NewProgressTracker(totalItems, defaultMinInterval, defaultMaxUpdates, func(stageProgress int) {
			s.report(start + stageRange*stageProgress/100)
		})
	}
	s.stages = append(s.stages, st)
	return st.tracker
}

// StageTracker returns the fine-grained tracker registered for name, or
// nil if that stage has none.
func (s *StageProgressTracker) StageTracker(name string) *ProgressTracker {
	for _, st := range s.stages {
		if st.name == name {
			return st.tracker
		}
	}
	return nil
}

// SetStageProgress sets progress (0-100) within a named stage that has
// no fine-grained item tracker of its own.
func (s *StageProgressTracker) SetStageProgress(name string, progress int) {
	for _, st := range s.stages {
		if st.name != name {
			continue
		}
		stageRange := st.end - st.start
		s.report(st.start + stageRange*progress/100)
		return
	}
}

// report forwards progress to the callback only on a forward move,
// matching ProgressTracker's own monotonic-only delivery.
func (s *StageProgressTracker) report(progress int) {
	if progress <= s.global {
		return
	}
	s.global = progress
	if s.callback != nil {
		s.callback(progress)
	}
}

// Progress returns the last global percentage delivered.
func (s *StageProgressTracker) Progress() int { return s.global }

// backtestStages mirror the originating system's fixed allocation for a
// single back-test run: load data, init strategy, run the bar loop,
// then compute metrics.
const (
	stageDataLoading  = "data_loading"
	stageStrategyInit = "strategy_init"
	stageExecution    = "backtest_execution"
	stageResults      = "result_calculation"
)

// NewBacktestProgressTracker builds the standard four-stage tracker for
// a back-test of totalBars bars: data loading 0-20%, strategy init
// 20-25%, bar-by-bar execution 25-95%, result computation 95-100%.
func NewBacktestProgressTracker(totalBars int, callback func(progress int)) *StageProgressTracker {
	t := NewStageProgressTracker(callback)
	t.AddStage(stageDataLoading, 0, 20, 0)
	t.AddStage(stageStrategyInit, 20, 25, 0)
	t.AddStage(stageExecution, 25, 95, totalBars)
	t.AddStage(stageResults, 95, 100, 0)
	return t
}
