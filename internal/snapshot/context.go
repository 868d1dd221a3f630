package snapshot

import "context"

const (
	TriggerChat     = "chat"
	TriggerSchedule = "schedule"
)

type triggerKey struct{}

// WithTrigger tags ctx with what started an operation; it shows up in
// logs, events and status output.
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFrom returns the tag set by WithTrigger, or TriggerChat.
func TriggerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(triggerKey{}).(string); ok && v != "" {
		return v
	}
	return TriggerChat
}
