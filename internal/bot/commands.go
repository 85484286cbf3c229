package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postwatch/internal/dispatch"
	"postwatch/internal/social"
	"postwatch/internal/storage"
	"postwatch/pkg/tgui"
)

var (
	errUsage           = errors.New("bad usage")
	errPlatformOff     = errors.New("platform not enabled")
	errInvalidHandle   = errors.New("invalid handle")
	errNotSubscribed   = errors.New("not subscribed")
	errAlreadyFollowed = errors.New("already following")
	errNotTracked      = errors.New("account not tracked")
)

func (b *Bot) builtinCommands() []Command {
	return []Command{
		{
			Name:        "follow",
			Aliases:     []string{"sub", "subscribe"},
			Description: "follow an account in this chat",
			Usage:       "/follow <fediverse|bluesky> <handle>",
			Audit:       true,
			Handle:      b.cmdFollow,
		},
		{
			Name:        "unfollow",
			Aliases:     []string{"unsub", "unsubscribe"},
			Description: "stop following an account in this chat",
			Usage:       "/unfollow <fediverse|bluesky> <handle>",
			Audit:       true,
			Handle:      b.cmdUnfollow,
		},
		{
			Name:        "following",
			Aliases:     []string{"list"},
			Description: "list accounts followed in this chat",
			Usage:       "/following",
			Handle:      b.cmdFollowing,
		},
		{
			Name:        "pollnow",
			Description: "poll an account immediately",
			Usage:       "/pollnow <fediverse|bluesky> <handle>",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Timeout:     time.Minute,
			Handle:      b.cmdPollNow,
		},
		{
			Name:        "pollstats",
			Description: "scheduler and delivery statistics",
			Usage:       "/pollstats",
			Access:      AccessOwnerOnly,
			Handle:      b.cmdPollStats,
		},
		{
			Name:        "help",
			Aliases:     []string{"start"},
			Description: "show help",
			Usage:       "/help",
			Handle:      b.cmdHelp,
		},
	}
}

// target resolves "<platform> <handle>" arguments. Errors are reported to
// the chat before being returned.
func (b *Bot) target(ctx context.Context, req *Request, usage string) (Scheduler, string, error) {
	if len(req.Args) != 2 {
		b.reply(ctx, req.Chat, "Usage: "+usage)
		return nil, "", errUsage
	}
	p, ok := social.ParsePlatform(req.Args[0])
	if !ok {
		b.reply(ctx, req.Chat, fmt.Sprintf("Unknown platform %q. Use fediverse or bluesky.", req.Args[0]))
		return nil, "", errUsage
	}
	sched := b.scheds[p]
	if sched == nil {
		b.reply(ctx, req.Chat, fmt.Sprintf("%s is not enabled on this bot.", p))
		return nil, "", errPlatformOff
	}
	handle := social.NormalizeHandle(req.Args[1])
	if handle == "" {
		b.reply(ctx, req.Chat, "Usage: "+usage)
		return nil, "", errUsage
	}
	return sched, handle, nil
}

func (b *Bot) cmdFollow(ctx context.Context, req *Request) error {
	sched, handle, err := b.target(ctx, req, "/follow <fediverse|bluesky> <handle>")
	if err != nil {
		return err
	}
	p := sched.Platform()

	_, tracked := sched.AccountActivity(handle)
	added := false
	if !tracked {
		if !sched.AddAccount(handle) {
			b.reply(ctx, req.Chat, fmt.Sprintf("%q is not a valid %s handle.", handle, p))
			return errInvalidHandle
		}
		added = true
	}

	ok, err := b.store.AddSubscription(ctx, storage.Subscription{
		Platform:  p,
		Handle:    handle,
		ChatID:    req.Chat.ChatID,
		ThreadID:  req.Chat.ThreadID,
		CreatedBy: req.FromID,
	})
	if err != nil {
		if added {
			sched.RemoveAccount(handle)
		}
		b.reply(ctx, req.Chat, "Could not save the subscription, try again later.")
		return fmt.Errorf("add subscription: %w", err)
	}
	if !ok {
		b.reply(ctx, req.Chat, fmt.Sprintf("Already following %s here.", handle))
		return errAlreadyFollowed
	}
	b.reply(ctx, req.Chat, fmt.Sprintf("Following %s on %s. New posts will show up here.", handle, p))
	return nil
}

func (b *Bot) cmdUnfollow(ctx context.Context, req *Request) error {
	sched, handle, err := b.target(ctx, req, "/unfollow <fediverse|bluesky> <handle>")
	if err != nil {
		return err
	}
	p := sched.Platform()

	removed, err := b.store.RemoveSubscription(ctx, p, handle, req.Chat.ChatID, req.Chat.ThreadID)
	if err != nil {
		b.reply(ctx, req.Chat, "Could not remove the subscription, try again later.")
		return fmt.Errorf("remove subscription: %w", err)
	}
	if !removed {
		b.reply(ctx, req.Chat, fmt.Sprintf("Not following %s here.", handle))
		return errNotSubscribed
	}

	// Keep polling while any other chat still follows the account.
	rest, err := b.store.Subscriptions(ctx, p, handle)
	if err != nil {
		req.Logger.Warn("remaining subscription lookup failed; account stays tracked")
	} else if len(rest) == 0 {
		sched.RemoveAccount(handle)
	}
	b.reply(ctx, req.Chat, fmt.Sprintf("Unfollowed %s.", handle))
	return nil
}

func (b *Bot) cmdFollowing(ctx context.Context, req *Request) error {
	subs, err := b.store.ChatSubscriptions(ctx, req.Chat.ChatID, req.Chat.ThreadID)
	if err != nil {
		return fmt.Errorf("chat subscriptions: %w", err)
	}
	if len(subs) == 0 {
		b.reply(ctx, req.Chat, "Nothing followed here yet. Use /follow <platform> <handle>.")
		return nil
	}
	mb := tgui.New().Title("📋", fmt.Sprintf("Following (%d)", len(subs)))
	for _, s := range subs {
		line := []tgui.H{tgui.Esc("•"), tgui.Code(s.Handle), tgui.I(string(s.Platform))}
		if sched := b.scheds[s.Platform]; sched != nil {
			if act, ok := sched.AccountActivity(s.Handle); ok {
				line = append(line, tgui.Esc("every "+shortDuration(act.PollInterval)))
			}
		}
		mb.Line(line...)
	}
	m := mb.Build()
	b.replyOpt(ctx, req.Chat, m.Text, m.Opt)
	return nil
}

func (b *Bot) cmdPollNow(ctx context.Context, req *Request) error {
	sched, handle, err := b.target(ctx, req, "/pollnow <fediverse|bluesky> <handle>")
	if err != nil {
		return err
	}
	if _, ok := sched.AccountActivity(handle); !ok {
		b.reply(ctx, req.Chat, fmt.Sprintf("%s is not tracked. /follow it first.", handle))
		return errNotTracked
	}
	post, err := sched.PollNow(ctx, handle)
	if err != nil {
		b.reply(ctx, req.Chat, "Poll failed: "+err.Error())
		return err
	}
	if post == nil {
		b.reply(ctx, req.Chat, fmt.Sprintf("%s has no posts yet.", handle))
		return nil
	}
	m := dispatch.FormatPost(handle, post)
	b.replyOpt(ctx, req.Chat, m.Text, m.Opt)
	return nil
}

func (b *Bot) cmdPollStats(ctx context.Context, req *Request) error {
	mb := tgui.New().Title("📊", "Poll stats")
	for _, p := range b.platforms() {
		st := b.scheds[p].Stats()
		state := "stopped"
		if st.Running {
			state = "running"
		}
		mb.Blank().Line(tgui.B(string(p)), tgui.I(state))
		mb.KV("accounts", fmt.Sprint(st.AccountCount))
		mb.KV("avg interval", shortDuration(st.AverageInterval))
		mb.KV("in backoff", fmt.Sprint(st.FailedAccounts))
	}
	if b.notif != nil {
		ns := b.notif.Stats()
		mb.Blank().Line(tgui.B("delivery"))
		mb.KV("sent", fmt.Sprint(ns.Sent))
		mb.KV("failed", fmt.Sprint(ns.Failed))
		mb.KV("deduped", fmt.Sprint(ns.Deduped))
		mb.KV("dropped", fmt.Sprint(ns.Dropped))
		mb.KV("pending", fmt.Sprint(ns.Pending))
	}
	m := mb.Build()
	b.replyOpt(ctx, req.Chat, m.Text, m.Opt)
	return nil
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	owner := isOwner(req.FromID, b.ownersSnapshot())
	mb := tgui.New().Title("🔔", "postwatch")
	mb.Text("Get new Fediverse and Bluesky posts in this chat.").Blank()

	b.mu.RLock()
	cmds := append([]*Command(nil), b.ordered...)
	b.mu.RUnlock()
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		mb.Line(tgui.Code(c.Usage), tgui.Esc("- "+c.Description))
	}
	m := mb.Build()
	b.replyOpt(ctx, req.Chat, m.Text, m.Opt)
	return nil
}

// shortDuration renders 90s as "1m30s" and 2h0m0s as "2h".
func shortDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	s := d.Round(time.Second).String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
