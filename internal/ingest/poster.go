package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/stellarlinkco/citypulse/internal/logging"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

// Poster delivers drafts to the relay service.
type Poster interface {
	Post(ctx context.Context, d relay.Draft) error
}

// Creator is the relay client call the poster wraps.
type Creator interface {
	Create(ctx context.Context, d relay.Draft) (relay.Packet, error)
}

// RelayPoster posts through a circuit breaker so a down relay service fails
// the rest of a run fast. Rejections (4xx) do not count as failures.
type RelayPoster struct {
	client Creator
	cb     *gobreaker.CircuitBreaker
}

func NewRelayPoster(client Creator) *RelayPoster {
	log := logging.For("ingest")
	return &RelayPoster{
		client: client,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "relay-post",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				var se *relay.StatusError
				return errors.As(err, &se) && se.Code < http.StatusInternalServerError
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithField("breaker", name).Warnf("circuit %s -> %s", from, to)
			},
		}),
	}
}

func (p *RelayPoster) Post(ctx context.Context, d relay.Draft) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return p.client.Create(ctx, d)
	})
	return err
}

// State exposes the breaker state for status output.
func (p *RelayPoster) State() string {
	return p.cb.State().String()
}
