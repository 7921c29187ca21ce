package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"smmpulse/internal/clock"
	"smmpulse/internal/eventbus"
	logx "smmpulse/pkg/logx"
)

func kyiv(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Kyiv")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return loc
}

func newTestService(t *testing.T, clk clock.Clock, bus eventbus.Bus) *Service {
	t.Helper()
	s, err := New(Config{Timezone: "Europe/Kyiv", StopTimeout: time.Second}, clk, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func idle(s *Service, id string) func() bool {
	return func() bool {
		info, err := s.Job(id)
		return err == nil && info.State != StateRunning && info.Runs > 0
	}
}

func noop(context.Context) (Result, error) { return Result{}, nil }

func TestCronNextRun(t *testing.T) {
	t.Parallel()

	loc := kyiv(t)
	tests := []struct {
		name string
		trig Trigger
		now  time.Time
		want time.Time
	}{
		{"before same day", Daily(20, 0), time.Date(2024, 3, 10, 19, 59, 0, 0, loc), time.Date(2024, 3, 10, 20, 0, 0, 0, loc)},
		{"just after rolls to tomorrow", Daily(20, 0), time.Date(2024, 3, 10, 20, 0, 1, 0, loc), time.Date(2024, 3, 11, 20, 0, 0, 0, loc)},
		{"exactly at is strictly after", Daily(20, 0), time.Date(2024, 3, 10, 20, 0, 0, 0, loc), time.Date(2024, 3, 11, 20, 0, 0, 0, loc)},
		{"weekly by name", Weekly("monday", 9, 0), time.Date(2024, 3, 10, 12, 0, 0, 0, loc), time.Date(2024, 3, 11, 9, 0, 0, 0, loc)},
		{"weekly by number", Weekly("1", 9, 0), time.Date(2024, 3, 11, 9, 0, 0, 0, loc), time.Date(2024, 3, 18, 9, 0, 0, 0, loc)},
		{"monthly", Monthly(1, 9, 0), time.Date(2024, 3, 10, 12, 0, 0, 0, loc), time.Date(2024, 4, 1, 9, 0, 0, 0, loc)},
		{"utc input evaluated in loc", Daily(20, 0), time.Date(2024, 3, 10, 17, 59, 0, 0, time.UTC), time.Date(2024, 3, 10, 20, 0, 0, 0, loc)},
		{"trigger location wins", Trigger{Kind: TriggerCron, Cron: CronSpec{Hour: 20}, Location: time.UTC}, time.Date(2024, 3, 10, 19, 0, 0, 0, time.UTC), time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			trig, err := tt.trig.Compile()
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := trig.Next(tt.now, loc); !got.Equal(tt.want) {
				t.Fatalf("Next(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestTriggerCompileRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		trig Trigger
	}{
		{"no kind", Trigger{}},
		{"unknown kind", Trigger{Kind: "once"}},
		{"short interval", Every(500 * time.Millisecond)},
		{"hour", Daily(24, 0)},
		{"minute", Daily(1, 60)},
		{"dom", Monthly(32, 0, 0)},
		{"dow number", Weekly("7", 0, 0)},
		{"dow name", Weekly("someday", 0, 0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.trig.Compile(); err == nil {
				t.Fatalf("Compile(%+v) succeeded, want error", tt.trig)
			}
		})
	}
}

func TestIntervalAdvancesFromScheduledTime(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	s := newTestService(t, clk, nil)
	if err := s.Register(Job{ID: "collect", Trigger: Every(time.Hour), Task: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	late := t0.Add(time.Hour + 700*time.Millisecond)
	clk.Set(late)
	s.tick(late)
	waitFor(t, "first run", idle(s, "collect"))

	info, _ := s.Job("collect")
	if want := t0.Add(2 * time.Hour); !info.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", info.NextRun, want)
	}

	// A long stall skips the missed slots instead of firing them all.
	stalled := t0.Add(5*time.Hour + time.Minute)
	s.tick(stalled)
	waitFor(t, "second run", func() bool {
		info, _ := s.Job("collect")
		return info.Runs == 2 && info.State == StateIdle
	})
	info, _ = s.Job("collect")
	if want := t0.Add(6 * time.Hour); !info.NextRun.Equal(want) {
		t.Fatalf("NextRun after stall = %v, want %v", info.NextRun, want)
	}
}

func TestRunningJobIsNeverStartedTwice(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := newTestService(t, clk, bus)

	release := make(chan struct{})
	var starts atomic.Int32
	err := s.Register(Job{ID: "slow", Trigger: Every(time.Minute), Task: func(ctx context.Context) (Result, error) {
		starts.Add(1)
		<-release
		return Result{Summary: "done"}, nil
	}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.tick(t0.Add(time.Minute))
	waitFor(t, "start", func() bool { return starts.Load() == 1 })

	s.tick(t0.Add(2 * time.Minute))
	if ok, err := s.RunManually("slow"); ok || !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("RunManually = %v, %v; want false, ErrAlreadyRunning", ok, err)
	}
	close(release)
	waitFor(t, "finish", idle(s, "slow"))

	if got := starts.Load(); got != 1 {
		t.Fatalf("starts = %d, want 1", got)
	}
	info, _ := s.Job("slow")
	if info.Skips != 1 || info.LastSummary != "done" {
		t.Fatalf("info = %+v", info)
	}

	if ok, err := s.RunManually("slow"); !ok || err != nil {
		t.Fatalf("RunManually after finish = %v, %v", ok, err)
	}
	waitFor(t, "manual run", func() bool { return starts.Load() == 2 })

	var types []string
	for len(types) < 3 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("events so far %v", types)
		}
	}
	want := []string{EventJobStarted, EventJobSkipped, EventJobCompleted}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s := newTestService(t, clock.NewFake(time.Now()), nil)
	var calls atomic.Int32
	err := s.Register(Job{ID: "boom", Trigger: Daily(3, 0), Task: func(ctx context.Context) (Result, error) {
		if calls.Add(1) == 1 {
			panic("kaboom")
		}
		return Result{}, nil
	}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := s.RunManually("boom"); err != nil {
		t.Fatalf("RunManually: %v", err)
	}
	waitFor(t, "panic run", idle(s, "boom"))
	info, _ := s.Job("boom")
	if info.State != StateFailed || info.Failures != 1 || !strings.Contains(info.LastError, "kaboom") {
		t.Fatalf("info = %+v", info)
	}

	if _, err := s.RunManually("boom"); err != nil {
		t.Fatalf("RunManually after panic: %v", err)
	}
	waitFor(t, "recovery run", func() bool {
		info, _ := s.Job("boom")
		return info.Runs == 2 && info.State == StateIdle
	})
	if hist := s.History(); len(hist) != 2 || hist[1].Error == "" || hist[0].Error != "" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	s := newTestService(t, clk, nil)
	var runs atomic.Int32
	task := func(context.Context) (Result, error) { runs.Add(1); return Result{}, nil }
	if err := s.Register(Job{ID: "j", Trigger: Every(time.Minute), Task: task}); err != nil {
		t.Fatal(err)
	}

	if err := s.Pause("j"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	s.tick(t0.Add(time.Minute))
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("paused job ran")
	}

	clk.Set(t0.Add(90 * time.Second))
	if err := s.Resume("j"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	info, _ := s.Job("j")
	if want := t0.Add(150 * time.Second); !info.NextRun.Equal(want) {
		t.Fatalf("NextRun after resume = %v, want %v", info.NextRun, want)
	}
	s.tick(info.NextRun)
	waitFor(t, "run after resume", func() bool { return runs.Load() == 1 })

	if err := s.Pause("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Pause(missing) = %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	s := newTestService(t, clock.NewFake(time.Now()), nil)
	if err := s.Register(Job{ID: "a", Trigger: Daily(1, 0), Task: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(Job{ID: "a", Trigger: Daily(1, 0), Task: noop}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("duplicate = %v", err)
	}
	if err := s.Register(Job{ID: "b", Trigger: Daily(1, 0)}); err == nil {
		t.Fatalf("missing task accepted")
	}
	if err := s.Register(Job{ID: "c", Trigger: Daily(25, 0), Task: noop}); err == nil {
		t.Fatalf("bad trigger accepted")
	}
	if ok, err := s.RunManually("nope"); ok || !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("RunManually(nope) = %v, %v", ok, err)
	}
	if _, err := New(Config{Timezone: "Mars/Olympus"}, nil, logx.Nop(), nil); err == nil {
		t.Fatalf("bad timezone accepted")
	}
}

func TestStopCancelsRunningJobs(t *testing.T) {
	t.Parallel()

	s := newTestService(t, clock.NewFake(time.Now()), nil)
	started := make(chan struct{})
	err := s.Register(Job{ID: "long", Trigger: Every(time.Hour), Task: func(ctx context.Context) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunManually("long"); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ok, err := s.RunManually("long"); ok || !errors.Is(err, ErrStopped) {
		t.Fatalf("RunManually after stop = %v, %v", ok, err)
	}
}

func TestStopIsBounded(t *testing.T) {
	t.Parallel()

	s, err := New(Config{StopTimeout: 50 * time.Millisecond}, clock.NewFake(time.Now()), logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	err = s.Register(Job{ID: "stuck", Trigger: Every(time.Hour), Task: func(context.Context) (Result, error) {
		close(started)
		<-release
		return Result{}, nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunManually("stuck"); err != nil {
		t.Fatal(err)
	}
	<-started

	begin := time.Now()
	err = s.Stop(context.Background())
	if err == nil || !strings.Contains(err.Error(), "stuck") {
		t.Fatalf("Stop = %v, want timeout naming stuck", err)
	}
	if took := time.Since(begin); took > time.Second {
		t.Fatalf("Stop took %v", took)
	}
}
