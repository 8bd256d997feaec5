package supervisor

import (
	"context"
	"time"

	"github.com/votong/wsbridge/internal/bridge"
	"github.com/votong/wsbridge/internal/gateway"
	"github.com/votong/wsbridge/internal/platform/correlation"
	"github.com/votong/wsbridge/internal/queue"
	"github.com/votong/wsbridge/internal/reactor"
)

// PipelineOptions configures the production components built for every cycle.
type PipelineOptions struct {
	Counter        gateway.Counter
	HostID         string
	Channel        string
	PrivateChannel string
	ConnectTimeout time.Duration
	HealthCheck    time.Duration
	Gateway        gateway.Options
}

// PipelineFactory builds the gateway, the queue relay feeding it and the bridge feeding the
// relay: pub/sub -> queue -> broadcast. Every component logs with the cycle ID of ctx.
func PipelineFactory(opts PipelineOptions) Factory {
	return func(ctx context.Context, r *reactor.Reactor) Components {
		log := correlation.Logger(ctx)

		gwOpts := opts.Gateway
		gwOpts.Logger = log
		gw := gateway.New(r, opts.Counter, opts.HostID, gwOpts)
		relay := queue.NewRelay(r, gw.Broadcast, queue.WithLogger(log))
		br := bridge.New(r, relay, bridge.Options{
			Channel:             opts.Channel,
			PrivateChannel:      opts.PrivateChannel,
			ConnectTimeout:      opts.ConnectTimeout,
			HealthCheckInterval: opts.HealthCheck,
			Logger:              log,
		})
		return Components{Gateway: gw, Relay: relay, Bridge: br}
	}
}
