package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"smmpulse/internal/clock"
	"smmpulse/internal/eventbus"
	rtsup "smmpulse/internal/runtime/supervisor"
	kit "smmpulse/internal/transport"
	logx "smmpulse/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoTarget  = errors.New("notifier: no target chat")
)

type job struct {
	n   kit.Notification
	key string
}

// Service is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	clk    clock.Clock

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     chan job
	accepting bool
	sup       *rtsup.Supervisor
	sendWG    sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, sender kit.Sender, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Service{
		log:    log,
		sender: sender,
		bus:    bus,
		clk:    clk,
		dedup:  map[string]time.Time{},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.Apply(cfg)
	return s
}

// Apply replaces pacing, retry and dedup settings. The queue size only
// changes on the next Start.
func (s *Service) Apply(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}

	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	s.mu.Unlock()
}

// Start launches the send worker. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	q := make(chan job, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.Go0("notifier.worker", func(c context.Context) { s.workerLoop(c, q) })
}

// Stop refuses new notifications and drains the queue until ctx is done.
// Whatever is still queued then is dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)

	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("notifier drain cut short", logx.Int("pending", len(q)), logx.Err(err))
		_ = sup.Stop(context.Background())
	}
	s.mu.Lock()
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()
}

// Notify queues n. It returns nil for a suppressed duplicate.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	if n.Target.ChatID == 0 {
		n.Target = s.cfg.Target
	}
	q, window, maxEntries := s.queue, s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if n.Target.ChatID == 0 {
		return ErrNoTarget
	}
	key := dedupKey(n)
	if window > 0 && !s.dedupAllow(key, window, maxEntries) {
		s.publish("notifier.deduped", n, key, nil)
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		s.publish("notifier.queued", n, key, nil)
		return nil
	default:
		s.publish("notifier.dropped", n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// SendText adapts the notifier to the log chat sink.
func (s *Service) SendText(ctx context.Context, text string) error {
	return s.Notify(ctx, kit.Notification{Key: "log:" + text, Priority: kit.PriorityWarn, Text: text})
}

var _ logx.ChatSender = (*Service)(nil)

// History returns recently sent notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(key, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.clk.Now(), Key: key, Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, n kit.Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	now := s.clk.Now()
	ev := NotificationEvent{Key: key, ChatID: n.Target.ChatID, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := prefixFor(j.n.Priority) + j.n.Text
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.sender.SendText(cctx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.appendHistory(j.key, text)
			s.publish("notifier.sent", j.n, j.key, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		if err := s.clk.Sleep(ctx, s.retryDelay(cfg, attempt)); err != nil {
			return
		}
	}
	s.log.Warn("notification dropped after retries", logx.String("key", j.key), logx.Int("attempts", attempts), logx.Err(lastErr))
	s.publish("notifier.failed", j.n, j.key, lastErr)
}

func prefixFor(p kit.Priority) string {
	switch {
	case p >= kit.PriorityAlert:
		return "🚨 "
	case p >= kit.PriorityWarn:
		return "⚠️ "
	default:
		return ""
	}
}

func dedupKey(n kit.Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d|", n.Target.ChatID, n.Target.ThreadID)
	if n.Key != "" {
		_, _ = h.Write([]byte(n.Key))
	} else {
		_, _ = h.Write([]byte(n.Text))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key is outside its suppression window and,
// if so, opens a new one.
func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := s.clk.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldest string
			at     time.Time
		)
		for k, until := range s.dedup {
			if oldest == "" || until.Before(at) {
				oldest, at = k, until
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// retryDelay is base*2^(attempt-1) with 0.7-1.3 jitter, capped.
func (s *Service) retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	s.rngMu.Lock()
	j := 0.7 + s.rng.Float64()*0.6
	s.rngMu.Unlock()
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
