package relay

import (
	"context"
	"time"

	"github.com/jwillz7667/realtime-relay/pkg/realtime"
)

// dialTimeout bounds the model websocket handshake.
const dialTimeout = 15 * time.Second

// NewModelDialer builds the production [ModelDialer] from the relay's
// OpenAI settings. The model id is substituted per dial so observer-driven
// model switches reuse the same credentials and endpoint.
func NewModelDialer(cfg realtime.Config) ModelDialer {
	return func(ctx context.Context, model string) (ModelConn, <-chan realtime.Event, error) {
		dialCfg := cfg
		dialCfg.Model = model

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		client, err := realtime.Dial(dialCtx, dialCfg)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Events(), nil
	}
}
