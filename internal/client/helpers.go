package client

import (
	"context"
	"fmt"
)

// FollowThread connects to the realtime endpoint, waits for the server to
// acknowledge the connection and joins threadID. An empty threadID connects
// without joining. The caller owns the returned connection.
// callbacks.OnConnected, if set, is still invoked.
func (c *Client) FollowThread(ctx context.Context, threadID string, callbacks RealtimeCallbacks) (*Realtime, error) {
	connected := make(chan struct{})
	onConnected := callbacks.OnConnected
	callbacks.OnConnected = func(userID string) {
		select {
		case <-connected:
		default:
			close(connected)
		}
		if onConnected != nil {
			onConnected(userID)
		}
	}

	rt, err := c.ConnectRealtime(ctx, callbacks)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	select {
	case <-connected:
	case <-rt.Done():
		return nil, fmt.Errorf("connect: connection closed before acknowledgement")
	case <-ctx.Done():
		rt.Close()
		return nil, ctx.Err()
	}

	if threadID == "" {
		return rt, nil
	}
	if err := rt.JoinThread(threadID); err != nil {
		rt.Close()
		return nil, fmt.Errorf("join thread: %w", err)
	}
	return rt, nil
}
