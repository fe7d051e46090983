package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// StreamEvents opens the realtime websocket and delivers events on the
// returned channel until ctx is cancelled or the server closes the
// connection. kinds narrows the subscription; empty subscribes to all.
//
// The channel is closed when the stream ends; callers who need the close
// reason should wrap ctx with a cause.
func (c *Client) StreamEvents(ctx context.Context, kinds ...string) (<-chan Event, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("sdk: bad base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	if len(kinds) > 0 {
		q := u.Query()
		q.Set("kinds", strings.Join(kinds, ","))
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if c.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Code: "STREAM_HANDSHAKE_FAILED", StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("sdk: websocket dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		for {
			_, raw, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			var evt Event
			if jerr := json.Unmarshal(raw, &evt); jerr != nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
