package stage

import (
	"context"
	"errors"
	"strconv"

	"github.com/banshee-data/autofocus/internal/serialmux"
)

// ButtonHandler receives each hand-switch code in arrival order.
type ButtonHandler func(code int)

// ConsumeButtons claims button events until ctx ends or the line closes and
// hands each code to h. It never takes the request lock, so h may itself
// issue stage commands. Malformed events are logged and skipped.
func (c *Client) ConsumeButtons(ctx context.Context, h ButtonHandler) error {
	for {
		line, err := c.mux.Await(ctx, ButtonEventID)
		if err != nil {
			if errors.Is(err, serialmux.ErrClosed) {
				return ErrClosed
			}
			return err
		}
		if len(line.Args) == 0 {
			c.logf("button event without a code: %q", line.Raw)
			continue
		}
		code, err := strconv.Atoi(line.Args[0])
		if err != nil {
			c.logf("malformed button event %q: %v", line.Raw, err)
			continue
		}
		h(code)
	}
}
