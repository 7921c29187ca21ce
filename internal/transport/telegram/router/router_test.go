package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"smmpulse/internal/collector"
	"smmpulse/internal/storage"
	"smmpulse/internal/task/scheduler"
	kit "smmpulse/internal/transport"
	logx "smmpulse/pkg/logx"
)

const owner = int64(1001)

type fakeSender struct {
	mu      sync.Mutex
	replies []string
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return kit.MessageRef{}, nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

type fakeJobs struct {
	jobs    []scheduler.JobInfo
	running map[string]bool
	paused  map[string]bool
	panicky bool
}

func (f *fakeJobs) Jobs() []scheduler.JobInfo { return f.jobs }
func (f *fakeJobs) Location() *time.Location  { return time.UTC }

func (f *fakeJobs) find(id string) error {
	for _, j := range f.jobs {
		if j.ID == id {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, id)
}

func (f *fakeJobs) RunManually(id string) (bool, error) {
	if f.panicky {
		panic("boom")
	}
	if err := f.find(id); err != nil {
		return false, err
	}
	if f.running[id] {
		return false, fmt.Errorf("%w: %s", scheduler.ErrAlreadyRunning, id)
	}
	f.running[id] = true
	return true, nil
}

func (f *fakeJobs) Pause(id string) error {
	if err := f.find(id); err != nil {
		return err
	}
	f.paused[id] = true
	return nil
}

func (f *fakeJobs) Resume(id string) error {
	if err := f.find(id); err != nil {
		return err
	}
	delete(f.paused, id)
	return nil
}

type fakeStatus struct{ run collector.CollectionRun }

func (f fakeStatus) Last() collector.CollectionRun { return f.run }

type fakeAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (f *fakeAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
	return nil
}

type harness struct {
	r      *Router
	sender *fakeSender
	jobs   *fakeJobs
	audit  *fakeAudit
}

func newHarness(run collector.CollectionRun) *harness {
	next := time.Date(2024, 1, 15, 20, 0, 0, 0, time.UTC)
	h := &harness{
		sender: &fakeSender{},
		jobs: &fakeJobs{
			jobs: []scheduler.JobInfo{
				{ID: "collect_data", Trigger: "every 1h0m0s", State: scheduler.StateRunning, NextRun: next},
				{ID: "daily_report", Trigger: "cron 0 20 * * *", State: scheduler.StateIdle, NextRun: next, LastRun: next.Add(-24 * time.Hour), LastError: "boom"},
			},
			running: map[string]bool{},
			paused:  map[string]bool{},
		},
		audit: &fakeAudit{},
	}
	h.r = New(Config{OwnerChatID: owner}, Deps{Sender: h.sender, Jobs: h.jobs, Status: fakeStatus{run}, Audit: h.audit}, logx.Nop())
	return h
}

func (h *harness) send(chat int64, text string) string {
	h.r.Handle(context.Background(), kit.Message{ChatID: chat, FromID: 7, FromUsername: "op", Text: text})
	return h.sender.last()
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/jobs", "jobs", nil, true},
		{"/Run@smm_bot collect_data", "run", []string{"collect_data"}, true},
		{"  /pause   daily_report ", "pause", []string{"daily_report"}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
		{"", "", nil, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			name, args, ok := parseCommand(tt.in)
			if name != tt.name || ok != tt.ok || strings.Join(args, ",") != strings.Join(tt.args, ",") {
				t.Fatalf("parseCommand(%q) = %q, %v, %v", tt.in, name, args, ok)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"jobs", "/jobs", "collect_data [running] every 1h0m0s"},
		{"jobs next", "/jobs", "next 2024-01-15 20:00"},
		{"jobs last failure", "/jobs", "failed: boom"},
		{"run", "/run daily_report", "daily_report started"},
		{"run busy", "/run collect_data", "already running"},
		{"run unknown", "/run nope", "unknown job"},
		{"run usage", "/run", "usage: /run <job>"},
		{"pause", "/pause daily_report", "daily_report paused"},
		{"resume", "/resume daily_report", "daily_report resumed"},
		{"unknown command shows help", "/frobnicate", "/run <job> - run a job now"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(collector.CollectionRun{})
			h.jobs.running["collect_data"] = true
			if got := h.send(owner, tt.text); !strings.Contains(got, tt.want) {
				t.Fatalf("reply to %q = %q, want it to contain %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestForeignChatIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(collector.CollectionRun{})
	if got := h.send(999, "/run daily_report"); got != "" {
		t.Fatalf("foreign chat got reply %q", got)
	}
	if h.jobs.running["daily_report"] {
		t.Fatalf("foreign chat started a job")
	}
	if len(h.audit.entries) != 0 {
		t.Fatalf("foreign chat audited: %+v", h.audit.entries)
	}
}

func TestAuditRecordsOperatorActions(t *testing.T) {
	t.Parallel()

	h := newHarness(collector.CollectionRun{})
	h.send(owner, "/pause daily_report")
	h.send(owner, "/run nope")
	h.send(owner, "/jobs")

	if len(h.audit.entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(h.audit.entries))
	}
	ok, failed := h.audit.entries[0], h.audit.entries[1]
	if ok.Action != "pause" || ok.Target != "daily_report" || !ok.OK || ok.ActorID != 7 {
		t.Fatalf("pause entry = %+v", ok)
	}
	if failed.OK || failed.Error == "" {
		t.Fatalf("failed entry = %+v", failed)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	end := time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC)
	run := collector.CollectionRun{
		ID: "r1", Created: 4, Skipped: 1, Start: end.Add(-2 * time.Second), End: end,
		Errors: []collector.ItemError{{ID: "p3", Reason: "negative like_count"}},
	}
	h := newHarness(run)
	got := h.send(owner, "/status")
	for _, want := range []string{"Last collection 2024-01-15 18:00", "created 4", "p3: negative like_count", "Running: collect_data"} {
		if !strings.Contains(got, want) {
			t.Fatalf("status = %q, want it to contain %q", got, want)
		}
	}

	empty := newHarness(collector.CollectionRun{})
	if got := empty.send(owner, "/status"); !strings.HasPrefix(got, "No collection yet.") {
		t.Fatalf("empty status = %q", got)
	}
}

func TestHandlerPanicIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(collector.CollectionRun{})
	h.jobs.panicky = true
	if got := h.send(owner, "/run daily_report"); !strings.Contains(got, "panic: boom") {
		t.Fatalf("reply = %q", got)
	}
}
