package dashboard

import (
	"context"
	"io"
	"time"

	"github.com/stellarlinkco/citypulse/internal/logging"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

// ReconnectDelay is how long Watch waits before redialing a dropped socket.
const ReconnectDelay = 2 * time.Second

const clearScreen = "\033[H\033[2J"

// Subscriber is the part of relay.Client the watcher needs.
type Subscriber interface {
	Subscribe(ctx context.Context, fn func(relay.Event)) error
}

// Watch renders the dashboard to w after every relay event, reconnecting
// until ctx is cancelled.
func Watch(ctx context.Context, sub Subscriber, w io.Writer, clear bool) error {
	log := logging.For("dashboard")
	feed := NewFeed(nil)

	for {
		err := sub.Subscribe(ctx, func(ev relay.Event) {
			feed.Apply(ev)
			if clear {
				io.WriteString(w, clearScreen)
			}
			if err := Render(w, feed.Packets()); err != nil {
				log.WithError(err).Warn("render failed")
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).Warnf("relay socket closed, retrying in %s", ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ReconnectDelay):
		}
	}
}
