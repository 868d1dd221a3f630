package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"snapbot/internal/notify"
	"snapbot/internal/transport"
	"snapbot/internal/transport/telegram/router"
)

// ChatSinks builds the sink a chat-started operation reports to.
type ChatSinks interface {
	ForChat(chat transport.ChatTarget) notify.Sink
}

const pruneTimeout = 5 * time.Minute

// Commands returns the /snapshot command group. Everything that touches
// the cluster or the schedule is owner-only.
func Commands(svc *Service, sinks ChatSinks) []router.Command {
	h := &handlers{svc: svc, sinks: sinks}
	return []router.Command{
		{
			Route:       "snapshot run",
			Aliases:     []string{"snap"},
			Description: "take a snapshot now",
			Usage:       "/snapshot run <target> <repository>",
			Access:      router.AccessOwnerOnly,
			Handle:      h.run,
		},
		{
			Route:       "snapshot schedule",
			Description: "schedule a recurring snapshot",
			Usage:       `/snapshot schedule <target> <repository> "<cron>"`,
			Access:      router.AccessOwnerOnly,
			Handle:      h.schedule,
		},
		{
			Route:       "snapshot delete",
			Description: "delete a scheduled snapshot",
			Usage:       "/snapshot delete <target> <repository>",
			Access:      router.AccessOwnerOnly,
			Handle:      h.delete,
		},
		{
			Route:       "snapshot list",
			Description: "list scheduled snapshots",
			Usage:       "/snapshot list",
			Handle:      h.list,
		},
		{
			Route:       "snapshot prune",
			Description: "delete snapshots older than N days",
			Usage:       "/snapshot prune <target> <repository> [days]",
			Access:      router.AccessOwnerOnly,
			Timeout:     pruneTimeout,
			Handle:      h.prune,
		},
		{
			Route:       "snapshot status",
			Description: "active timers and snapshots in progress",
			Usage:       "/snapshot status",
			Handle:      h.status,
		},
	}
}

type handlers struct {
	svc   *Service
	sinks ChatSinks
}

func (h *handlers) sinkFor(req *router.Request) notify.Sink {
	if h.sinks == nil {
		return notify.SinkFunc(req.Reply)
	}
	return h.sinks.ForChat(req.Chat)
}

func usage(ctx context.Context, req *router.Request, u string) error {
	_ = req.Reply(ctx, "Usage: "+u)
	return nil
}

func (h *handlers) run(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return usage(ctx, req, "/snapshot run <target> <repository>")
	}
	_, err := h.svc.Run(WithTrigger(ctx, TriggerChat), req.Args[0], req.Args[1], h.sinkFor(req))
	return err
}

func (h *handlers) schedule(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 3 {
		return usage(ctx, req, `/snapshot schedule <target> <repository> "<cron>"`)
	}
	target, repo := req.Args[0], req.Args[1]
	cronExpr := strings.Join(req.Args[2:], " ")
	sink := h.sinkFor(req)

	_ = sink.Send(ctx, fmt.Sprintf("Scheduling %s %s %q", target, repo, cronExpr))
	if err := h.svc.Schedule(ctx, target, repo, cronExpr); err != nil {
		_ = sink.Send(ctx, fmt.Sprintf("Failed scheduling %s %s: %v", target, repo, err))
		return err
	}
	return sink.Send(ctx, fmt.Sprintf("Scheduled %s %s %q", target, repo, cronExpr))
}

func (h *handlers) delete(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return usage(ctx, req, "/snapshot delete <target> <repository>")
	}
	target, repo := req.Args[0], req.Args[1]
	sink := h.sinkFor(req)

	err := h.svc.Unschedule(ctx, target, repo)
	switch {
	case err == nil:
		return sink.Send(ctx, fmt.Sprintf("Deleted scheduled snapshot %s %s", target, repo))
	case errors.Is(err, ErrNotScheduled):
		return sink.Send(ctx, fmt.Sprintf("Failed deletion of snapshot %s %s", target, repo))
	default:
		_ = sink.Send(ctx, fmt.Sprintf("Failed deletion of snapshot %s %s: %v", target, repo, err))
		return err
	}
}

func (h *handlers) list(ctx context.Context, req *router.Request) error {
	out, err := h.svc.List(ctx)
	if err != nil {
		_ = req.Replyf(ctx, "Failed listing schedules: %v", err)
		return err
	}
	return req.Reply(ctx, strings.TrimRight(out, "\n"))
}

func (h *handlers) prune(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 || len(req.Args) > 3 {
		return usage(ctx, req, "/snapshot prune <target> <repository> [days]")
	}
	raw := req.Flags["days"]
	if len(req.Args) == 3 {
		raw = req.Args[2]
	}
	days := 0
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return req.Replyf(ctx, "days must be a positive number, got %q", raw)
		}
		days = n
	}

	res, err := h.svc.Prune(ctx, req.Args[0], req.Args[1], days, h.sinkFor(req))
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	if res.Failed > 0 {
		return req.Replyf(ctx, "%d deletions failed; see logs", res.Failed)
	}
	return nil
}

func (h *handlers) status(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, h.svc.Status().String())
}
