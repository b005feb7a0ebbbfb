package realtime

import (
	"context"

	"github.com/r3labs/sse/v2"
	backoff "gopkg.in/cenkalti/backoff.v1"
)

// stream is a single transport connection attempt. Run blocks until the
// stream ends: nil for a server-side close, an error for a transport failure
// or context cancellation. Reconnecting is the Client's job, never the
// stream's.
type stream interface {
	Run(ctx context.Context, onOpen func(), onEvent func(id, name string, data []byte)) error
}

type streamFactory func(url string, headers map[string]string) stream

var _ stream = (*sseStream)(nil)

// sseStream adapts an r3labs SSE client to the stream interface. A fresh
// sse.Client is built per attempt so the transport handle is replaced, not
// mutated, on every reconnect.
type sseStream struct {
	url     string
	headers map[string]string
}

func newSSEStream(url string, headers map[string]string) stream {
	return &sseStream{url: url, headers: headers}
}

func (s *sseStream) Run(ctx context.Context, onOpen func(), onEvent func(id, name string, data []byte)) error {
	client := sse.NewClient(s.url)
	client.Headers = s.headers
	// One connection per Run; the outer state machine owns retries.
	client.ReconnectStrategy = &backoff.StopBackOff{}
	client.OnConnect(func(*sse.Client) { onOpen() })

	return client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		onEvent(string(msg.ID), string(msg.Event), msg.Data)
	})
}
