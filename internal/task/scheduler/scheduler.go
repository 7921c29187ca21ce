package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"smmpulse/internal/clock"
	"smmpulse/internal/eventbus"
	"smmpulse/internal/observability/metrics"
	logx "smmpulse/pkg/logx"
)

type jobState struct {
	job     Job
	state   State
	paused  bool
	nextRun time.Time

	lastRun      time.Time
	lastDuration time.Duration
	lastErr      string
	lastSummary  string
	runs         uint64
	failures     uint64
	skips        uint64

	cancel context.CancelFunc
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	clk clock.Clock
	bus eventbus.Bus

	jobs  map[string]*jobState
	order []string

	// Job contexts derive from base so Stop can cancel every run.
	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, clk clock.Clock, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		log:        log.With(logx.String("comp", "scheduler")),
		cfg:        cfg,
		loc:        loc,
		clk:        clk,
		bus:        bus,
		jobs:       map[string]*jobState{},
		base:       base,
		cancelBase: cancel,
	}, nil
}

// LoadLocation resolves an IANA timezone name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler: timezone %q: %w", name, err)
	}
	return loc, nil
}

func (s *Service) Location() *time.Location { return s.loc }

// Register adds job. Its first run is computed from the current time.
func (s *Service) Register(job Job) error {
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return errors.New("scheduler: job id required")
	}
	if job.Task == nil {
		return fmt.Errorf("scheduler: job %s: task required", id)
	}
	trig, err := job.Trigger.Compile()
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", id, err)
	}
	job.ID = id
	job.Trigger = trig

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	st := &jobState{job: job, state: StateIdle, paused: job.Paused}
	st.nextRun = trig.Next(s.clk.Now(), s.loc)
	s.jobs[id] = st
	s.order = append(s.order, id)
	metrics.JobRunning.WithLabelValues(id).Set(0)
	s.log.Info("job registered",
		logx.String("job", id),
		logx.String("trigger", trig.String()),
		logx.Time("next", st.nextRun),
		logx.Bool("paused", st.paused),
	)
	return nil
}

// Run drives the tick loop until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", s.jobCount()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.tick(s.clk.Now())
		}
	}
}

func (s *Service) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// tick fires every job whose next run is due at now. It never blocks on
// job work.
func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for _, id := range s.order {
		st := s.jobs[id]
		if st.nextRun.IsZero() || now.Before(st.nextRun) {
			continue
		}
		scheduled := st.nextRun
		st.nextRun = s.advance(st.job.Trigger, scheduled, now)

		if st.paused {
			continue
		}
		if st.state == StateRunning {
			st.skips++
			metrics.JobRuns.WithLabelValues(id, "skipped").Inc()
			s.log.Warn("job.skipped", logx.String("job", id), logx.Time("scheduled", scheduled), logx.String("reason", "previous run still in flight"))
			s.publish(EventJobSkipped, JobEvent{JobID: id, Started: now})
			continue
		}
		st.state = StateDue
		s.launchLocked(st, false)
	}
}

// advance returns the next firing after now. Interval triggers step from
// the scheduled time so the period does not drift with tick latency.
func (s *Service) advance(t Trigger, scheduled, now time.Time) time.Time {
	if t.Kind != TriggerInterval {
		return t.Next(now, s.loc)
	}
	next := scheduled.Add(t.Interval)
	missed := 0
	for !next.After(now) {
		next = next.Add(t.Interval)
		missed++
	}
	if missed > 0 {
		s.log.Debug("interval firings missed", logx.Int("missed", missed))
	}
	return next
}

// RunManually starts id now. It returns false with ErrAlreadyRunning when a
// run is in flight. Paused jobs can still be run by hand.
func (s *Service) RunManually(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, ErrStopped
	}
	st, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if st.state == StateRunning {
		return false, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.launchLocked(st, true)
	return true, nil
}

func (s *Service) Pause(id string) error  { return s.setPaused(id, true) }
func (s *Service) Resume(id string) error { return s.setPaused(id, false) }

func (s *Service) setPaused(id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if st.paused == paused {
		return nil
	}
	st.paused = paused
	if !paused {
		// Resume from now rather than replaying what was skipped.
		st.nextRun = st.job.Trigger.Next(s.clk.Now(), s.loc)
	}
	s.log.Info("job pause changed", logx.String("job", id), logx.Bool("paused", paused), logx.Time("next", st.nextRun))
	return nil
}

func (s *Service) launchLocked(st *jobState, manual bool) {
	id := st.job.ID
	runID := uuid.NewString()
	started := s.clk.Now()

	ctx, cancel := context.WithCancel(s.base)
	if st.job.Timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, st.job.Timeout)
		inner := cancel
		cancel = func() { tcancel(); inner() }
	}
	st.state = StateRunning
	st.cancel = cancel
	st.lastRun = started
	metrics.JobRunning.WithLabelValues(id).Set(1)

	s.log.Info("job.started", logx.String("job", id), logx.String("run_id", runID), logx.Bool("manual", manual))
	s.publish(EventJobStarted, JobEvent{RunID: runID, JobID: id, Manual: manual, Started: started})

	task := st.job.Task
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		res, err := s.execute(ctx, id, runID, task)
		s.finish(id, runID, manual, started, res, err)
	}()
}

// execute runs task with panic capture.
func (s *Service) execute(ctx context.Context, id, runID string, task Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job.panic",
				logx.String("job", id),
				logx.String("run_id", runID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task(ctx)
}

func (s *Service) finish(id, runID string, manual bool, started time.Time, res Result, err error) {
	dur := s.clk.Now().Sub(started)
	ev := JobEvent{RunID: runID, JobID: id, Manual: manual, Started: started, Duration: dur, Summary: res.Summary}

	s.mu.Lock()
	st := s.jobs[id]
	st.cancel = nil
	st.runs++
	st.lastDuration = dur
	st.lastSummary = res.Summary
	if err != nil {
		// Failed reads as idle to the trigger loop; it only marks the last outcome.
		st.state = StateFailed
		st.failures++
		st.lastErr = err.Error()
		ev.Error = err.Error()
	} else {
		st.state = StateIdle
		st.lastErr = ""
	}
	next := st.nextRun
	s.mu.Unlock()

	metrics.JobRunning.WithLabelValues(id).Set(0)
	metrics.JobDuration.WithLabelValues(id).Observe(dur.Seconds())

	fields := []logx.Field{
		logx.String("job", id),
		logx.String("run_id", runID),
		logx.Bool("manual", manual),
		logx.Duration("duration", dur),
		logx.Time("next", next),
	}
	if res.Summary != "" {
		fields = append(fields, logx.String("summary", res.Summary))
	}
	fields = append(fields, res.Fields...)

	if err != nil {
		metrics.JobRuns.WithLabelValues(id, "failed").Inc()
		s.log.Error("job.failed", append(fields, logx.Err(err))...)
		s.publish(EventJobFailed, ev)
	} else {
		metrics.JobRuns.WithLabelValues(id, "ok").Inc()
		s.log.Info("job.completed", fields...)
		s.publish(EventJobCompleted, ev)
	}
	s.record(HistoryItem{RunID: runID, JobID: id, Manual: manual, Started: started, Duration: dur, Summary: res.Summary, Error: ev.Error})
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clk.Now(), Data: ev})
}

func (s *Service) record(h HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, h)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]HistoryItem(nil), s.history[over:]...)
	}
}

// History returns finished runs, newest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	for i, h := range s.history {
		out[len(out)-1-i] = h
	}
	return out
}

// Jobs lists every job in registration order.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.infoLocked(s.jobs[id]))
	}
	return out
}

func (s *Service) Job(id string) (JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return s.infoLocked(st), nil
}

func (s *Service) infoLocked(st *jobState) JobInfo {
	return JobInfo{
		ID:           st.job.ID,
		Trigger:      st.job.Trigger.String(),
		State:        st.state,
		Paused:       st.paused,
		NextRun:      st.nextRun,
		LastRun:      st.lastRun,
		LastDuration: st.lastDuration,
		LastError:    st.lastErr,
		LastSummary:  st.lastSummary,
		Runs:         st.runs,
		Failures:     st.failures,
		Skips:        st.skips,
	}
}

// Stop prevents new runs, cancels running jobs and waits for them up to
// the configured stop timeout or ctx, whichever ends first.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	var running []string
	for _, id := range s.order {
		if s.jobs[id].state == StateRunning {
			running = append(running, id)
		}
	}
	s.mu.Unlock()

	s.log.Info("stop requested", logx.Strings("running", running))
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	still := s.runningIDs()
	s.log.Warn("scheduler stop timed out", logx.Strings("running", still), logx.Duration("took", time.Since(start)))
	return fmt.Errorf("scheduler: stop timed out with %d running jobs: %s", len(still), strings.Join(still, ", "))
}

func (s *Service) runningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, st := range s.jobs {
		if st.state == StateRunning {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
