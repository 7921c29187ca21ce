// Package router serves operator chat commands: /jobs, /run, /pause,
// /resume and /status. Only the configured owner chat is answered.
package router

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"smmpulse/internal/collector"
	"smmpulse/internal/storage"
	"smmpulse/internal/task/scheduler"
	kit "smmpulse/internal/transport"
	logx "smmpulse/pkg/logx"
)

// JobsPort is the scheduler surface the commands drive.
type JobsPort interface {
	Jobs() []scheduler.JobInfo
	RunManually(id string) (bool, error)
	Pause(id string) error
	Resume(id string) error
	Location() *time.Location
}

type StatusPort interface {
	Last() collector.CollectionRun
}

type AuditPort interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	OwnerChatID int64
	// Timeout bounds one command. Default 15s.
	Timeout time.Duration
}

type Deps struct {
	Sender kit.Sender
	Jobs   JobsPort
	Status StatusPort
	Audit  AuditPort // optional
}

type Request struct {
	Msg     kit.Message
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	sender kit.Sender
}

// Reply answers in the chat (and forum topic) the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, kit.ChatTarget{ChatID: r.Msg.ChatID, ThreadID: r.Msg.ThreadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Command struct {
	Name        string
	Usage       string
	Description string
	// Audited commands are recorded in the audit table.
	Audited bool
	Handle  HandlerFunc
}

type Router struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	cmds map[string]Command
}

func New(cfg Config, deps Deps, log logx.Logger) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{cfg: cfg, deps: deps, log: log, cmds: map[string]Command{}}
	r.registerBuiltins()
	return r
}

func (r *Router) Register(c Command) {
	r.cmds[c.Name] = c
}

// Commands lists registered commands for the platform menu, by name.
func (r *Router) Commands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Run handles messages from in until ctx is done or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan kit.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			r.Handle(ctx, m)
		}
	}
}

// parseCommand splits "/run@my_bot collect_data" into ("run", ["collect_data"]).
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func (r *Router) Handle(ctx context.Context, m kit.Message) {
	name, args, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	if r.cfg.OwnerChatID == 0 || m.ChatID != r.cfg.OwnerChatID {
		r.log.Debug("command from foreign chat ignored", logx.Int64("chat_id", m.ChatID), logx.String("cmd", name))
		return
	}
	req := &Request{
		Msg:     m,
		Command: name,
		Args:    args,
		ReqID:   uuid.NewString(),
		sender:  r.deps.Sender,
	}
	req.Logger = r.log.With(logx.String("req_id", req.ReqID))

	cmd, found := r.cmds[name]
	if !found {
		cmd = r.cmds["help"]
	}
	h := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(r.cfg.Timeout))
	err := h(ctx, req)
	if cmd.Audited {
		r.audit(ctx, req, err)
	}
	if err != nil {
		_ = req.Reply(ctx, "❌ "+userError(err))
	}
}

func (r *Router) audit(ctx context.Context, req *Request, err error) {
	if r.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		ActorID: req.Msg.FromID,
		Actor:   req.Msg.FromUsername,
		Action:  req.Command,
		Target:  strings.Join(req.Args, " "),
		OK:      err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := r.deps.Audit.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}

func userError(err error) string {
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		return "unknown job. See /jobs"
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return "job is already running"
	case errors.Is(err, scheduler.ErrStopped):
		return "scheduler is stopping"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	}
	return err.Error()
}
