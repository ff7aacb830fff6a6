package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quotewire/quotewire/internal/slogging"
)

// AnalyticsRelay streams calculation progress from the external analytics
// collaborator onto dashboard channels. The relay forwards events verbatim;
// all calculation happens in the collaborator.
type AnalyticsRelay struct {
	source AnalyticsSource
	router *ChannelRouter
}

// NewAnalyticsRelay creates a relay backed by the given source
func NewAnalyticsRelay(source AnalyticsSource, router *ChannelRouter) *AnalyticsRelay {
	return &AnalyticsRelay{source: source, router: router}
}

// Start subscribes the requesting connection to the dashboard channel and
// relays the bounded progress stream onto it. The stream ends when the
// source closes its channel or ctx is cancelled.
func (r *AnalyticsRelay) Start(ctx context.Context, dashboardType, connectionID string) error {
	r.router.Subscribe(DashboardChannel(dashboardType), connectionID)

	events, err := r.source.Run(ctx, dashboardType)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				msg := AnalyticsProgressMessage{
					Type:          MessageTypeAnalyticsProgress,
					DashboardType: dashboardType,
					Stage:         event.Stage,
					Percent:       event.Percent,
					Data:          event.Data,
					Timestamp:     time.Now().UTC(),
				}
				payload, err := json.Marshal(msg)
				if err != nil {
					slogging.Get().Error("Failed to marshal analytics progress for %s: %v", dashboardType, err)
					continue
				}
				// Progress goes to every dashboard subscriber on every instance
				r.router.Publish(ctx, DashboardChannel(dashboardType), payload, "")
			}
		}
	}()
	return nil
}
