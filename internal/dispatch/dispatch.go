// Package dispatch turns scheduler events into chat notifications for every
// subscriber of the account that posted.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"postwatch/internal/metrics"
	"postwatch/internal/notifier"
	"postwatch/internal/poller"
	"postwatch/internal/social"
	"postwatch/internal/storage"
	"postwatch/internal/transport"
	logx "postwatch/pkg/logx"
	"postwatch/pkg/tgui"
)

const (
	// maxPostText bounds the post body so author, link and markup still fit
	// into a single Telegram message.
	maxPostText = 3500

	errorWarnThrottle = 5 * time.Second
	lookupTimeout     = 5 * time.Second
)

// Subscriptions lists who follows an account.
type Subscriptions interface {
	Subscriptions(ctx context.Context, platform social.Platform, handle string) ([]storage.Subscription, error)
}

// Notifier enqueues outgoing messages without blocking.
type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// Source is the event surface of a poll scheduler.
type Source interface {
	Platform() social.Platform
	OnPost(fn func(poller.PostEvent)) (unsubscribe func())
	OnError(fn func(poller.ErrorEvent)) (unsubscribe func())
}

type Dispatcher struct {
	log    logx.Logger
	subs   Subscriptions
	notify Notifier

	mu       sync.Mutex
	unsub    []func()
	lastWarn map[string]time.Time
	now      func() time.Time
}

func New(subs Subscriptions, notify Notifier, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		log:      log.With(logx.String("comp", "dispatch")),
		subs:     subs,
		notify:   notify,
		lastWarn: map[string]time.Time{},
		now:      time.Now,
	}
}

// Attach subscribes to src's post and error events until Close.
func (d *Dispatcher) Attach(src Source) {
	a := src.OnPost(d.HandlePost)
	b := src.OnError(d.HandleError)
	d.mu.Lock()
	d.unsub = append(d.unsub, a, b)
	d.mu.Unlock()
	d.log.Debug("attached", logx.String("platform", string(src.Platform())))
}

// Close detaches from every source.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	unsub := d.unsub
	d.unsub = nil
	d.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
}

// HandlePost fans a new post out to the account's subscribers.
// It runs on the scheduler's goroutine, so every step is bounded.
func (d *Dispatcher) HandlePost(ev poller.PostEvent) {
	if ev.Post.URI == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	subs, err := d.subs.Subscriptions(ctx, ev.Platform, ev.Handle)
	if err != nil {
		d.log.Warn("subscription lookup failed", logx.String("handle", ev.Handle), logx.Err(err))
		return
	}
	if len(subs) == 0 {
		d.log.Debug("post without subscribers", logx.String("handle", ev.Handle), logx.String("uri", ev.Post.URI))
		return
	}

	msg := FormatPost(ev.Handle, &ev.Post)
	var queued int
	for _, sub := range subs {
		err := d.notify.Notify(ctx, transport.Notification{
			Channel: "telegram",
			Target:  transport.ChatTarget{ChatID: sub.ChatID, ThreadID: sub.ThreadID},
			Key:     ev.Post.URI,
			Text:    msg.Text,
			Options: msg.Opt,
		})
		switch {
		case err == nil:
			queued++
		case errors.Is(err, notifier.ErrQueueFull), errors.Is(err, notifier.ErrStopped):
			d.log.Warn("notification not queued", logx.Int64("chat_id", sub.ChatID), logx.String("uri", ev.Post.URI), logx.Err(err))
		case errors.Is(err, notifier.ErrDisabled):
			return
		default:
			d.log.Error("notify failed", logx.Int64("chat_id", sub.ChatID), logx.Err(err))
		}
	}
	d.log.Info("post dispatched",
		logx.String("platform", string(ev.Platform)),
		logx.String("handle", ev.Handle),
		logx.String("uri", ev.Post.URI),
		logx.Int("subscribers", len(subs)),
		logx.Int("queued", queued),
	)
}

// HandleError logs a failed poll, at most once per handle per throttle window.
func (d *Dispatcher) HandleError(ev poller.ErrorEvent) {
	metrics.RecordPollError(string(ev.Platform))

	key := string(ev.Platform) + ":" + ev.Handle
	now := d.now()
	d.mu.Lock()
	last := d.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < errorWarnThrottle {
		d.mu.Unlock()
		return
	}
	d.lastWarn[key] = now
	d.mu.Unlock()

	d.log.Warn("poll failed",
		logx.String("platform", string(ev.Platform)),
		logx.String("handle", ev.Handle),
		logx.Int("failures", ev.Failures),
		logx.Err(ev.Err),
	)
}

// FormatPost renders a post as a Telegram HTML message.
func FormatPost(handle string, p *social.Post) tgui.Message {
	author := p.Author
	if author == "" {
		author = handle
	}
	b := tgui.New().Preview()
	b.Line(tgui.Esc(platformEmoji(p.Platform)), tgui.B(author), tgui.Code("@"+handle))
	if text := social.Truncate(p.Text, maxPostText); text != "" {
		b.Blank().Text(text)
	}
	if p.URL != "" {
		b.Blank().Line(tgui.Link("Open post", p.URL))
	}
	return b.Build()
}

func platformEmoji(p social.Platform) string {
	switch p {
	case social.PlatformBluesky:
		return "🦋"
	case social.PlatformFediverse:
		return "🐘"
	default:
		return "📣"
	}
}
