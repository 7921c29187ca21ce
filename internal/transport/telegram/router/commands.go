package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smmpulse/internal/task/scheduler"
)

var errUsage = errors.New("usage")

func (r *Router) registerBuiltins() {
	r.Register(Command{Name: "help", Description: "list commands", Handle: r.cmdHelp})
	r.Register(Command{Name: "jobs", Description: "list jobs and next runs", Handle: r.cmdJobs})
	r.Register(Command{Name: "run", Usage: "/run <job>", Description: "run a job now", Audited: true, Handle: r.cmdRun})
	r.Register(Command{Name: "pause", Usage: "/pause <job>", Description: "pause a job", Audited: true, Handle: r.cmdPause})
	r.Register(Command{Name: "resume", Usage: "/resume <job>", Description: "resume a job", Audited: true, Handle: r.cmdResume})
	r.Register(Command{Name: "status", Description: "last collection summary", Handle: r.cmdStatus})
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range r.Commands() {
		usage := r.cmds[c.Command].Usage
		if usage == "" {
			usage = "/" + c.Command
		}
		fmt.Fprintf(&b, "%s - %s\n", usage, c.Description)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

const timeLayout = "2006-01-02 15:04"

func (r *Router) cmdJobs(ctx context.Context, req *Request) error {
	loc := r.deps.Jobs.Location()
	jobs := r.deps.Jobs.Jobs()
	if len(jobs) == 0 {
		return req.Reply(ctx, "No jobs registered.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Jobs (%s):\n", loc)
	for _, j := range jobs {
		state := string(j.State)
		if j.Paused {
			state += ", paused"
		}
		fmt.Fprintf(&b, "• %s [%s] %s\n", j.ID, state, j.Trigger)
		if !j.NextRun.IsZero() && !j.Paused {
			fmt.Fprintf(&b, "  next %s\n", j.NextRun.In(loc).Format(timeLayout))
		}
		if !j.LastRun.IsZero() {
			outcome := "ok"
			if j.LastError != "" {
				outcome = "failed: " + j.LastError
			}
			fmt.Fprintf(&b, "  last %s (%s) %s\n", j.LastRun.In(loc).Format(timeLayout), j.LastDuration.Round(time.Millisecond), outcome)
		}
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func jobArg(req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "", fmt.Errorf("%w: /%s <job>", errUsage, req.Command)
	}
	return req.Args[0], nil
}

func (r *Router) cmdRun(ctx context.Context, req *Request) error {
	id, err := jobArg(req)
	if err != nil {
		return err
	}
	if _, err := r.deps.Jobs.RunManually(id); err != nil {
		return err
	}
	return req.Reply(ctx, "▶️ "+id+" started")
}

func (r *Router) cmdPause(ctx context.Context, req *Request) error {
	id, err := jobArg(req)
	if err != nil {
		return err
	}
	if err := r.deps.Jobs.Pause(id); err != nil {
		return err
	}
	return req.Reply(ctx, "⏸ "+id+" paused")
}

func (r *Router) cmdResume(ctx context.Context, req *Request) error {
	id, err := jobArg(req)
	if err != nil {
		return err
	}
	if err := r.deps.Jobs.Resume(id); err != nil {
		return err
	}
	return req.Reply(ctx, "⏵ "+id+" resumed")
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	var b strings.Builder
	last := r.deps.Status.Last()
	if last.ID == "" {
		b.WriteString("No collection yet.")
	} else {
		loc := r.deps.Jobs.Location()
		fmt.Fprintf(&b, "Last collection %s\n%s", last.End.In(loc).Format(timeLayout), last.Summary())
		for i, e := range last.Errors {
			if i == 5 {
				fmt.Fprintf(&b, "\n… %d more", len(last.Errors)-i)
				break
			}
			fmt.Fprintf(&b, "\n- %s: %s", e.ID, e.Reason)
		}
	}
	var running []string
	for _, j := range r.deps.Jobs.Jobs() {
		if j.State == scheduler.StateRunning {
			running = append(running, j.ID)
		}
	}
	if len(running) > 0 {
		fmt.Fprintf(&b, "\nRunning: %s", strings.Join(running, ", "))
	}
	return req.Reply(ctx, b.String())
}
