package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"

	"example.com/didcommh2/v2/internal/http2"
)

const (
	defaultChunkSize = 16 * 1024
	serverName       = "didcomm-h2"
)

var errStreamGone = errors.New("stream no longer open")

// connectionSpecific headers are forbidden in HTTP/2 responses.
var connectionSpecific = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"content-length":    true,
}

// Emitter writes response envelopes onto the streams of one server connection.
type Emitter struct {
	conn      *Conn
	chunkSize int
}

// Emit writes env as the response of streamID. It fails with ErrStreamCanceled when
// the stream was reset or the connection went away first.
func (em *Emitter) Emit(ctx context.Context, streamID uint32, env *ResponseEnvelope) error {
	c := em.conn
	streaming := env.Streaming()
	fields := responseHeaders(env, streaming)
	endAfterHead := !streaming && len(env.Body) == 0

	err := c.execute(ctx, func() error {
		if _, ok := c.contexts[streamID]; !ok {
			return errStreamGone
		}
		if err := c.engine.SendHeaders(streamID, fields, endAfterHead); err != nil {
			c.finishStream(streamID)
			return err
		}
		if !streaming && len(env.Body) > 0 {
			if err := c.engine.SendData(streamID, env.Body, true); err != nil {
				c.finishStream(streamID)
				return err
			}
		}
		if !streaming {
			c.finishStream(streamID)
		}
		return nil
	})
	if err != nil {
		return canceled(err)
	}
	if !streaming {
		return nil
	}
	return em.stream(ctx, streamID, env)
}

func (em *Emitter) stream(ctx context.Context, streamID uint32, env *ResponseEnvelope) error {
	c := em.conn
	send := func(data []byte, end bool) error {
		return c.execute(ctx, func() error {
			if _, ok := c.contexts[streamID]; !ok {
				return errStreamGone
			}
			err := c.engine.SendData(streamID, data, end)
			if err != nil || end {
				c.finishStream(streamID)
			}
			return err
		})
	}
	if len(env.Body) > 0 {
		if err := send(env.Body, false); err != nil {
			return canceled(err)
		}
	}
	buf := make([]byte, em.chunkSize)
	for {
		n, rerr := env.Stream.Read(buf)
		if n > 0 {
			if err := send(append([]byte(nil), buf[:n]...), false); err != nil {
				return canceled(err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			if err := send(nil, true); err != nil {
				return canceled(err)
			}
			return nil
		}
		if rerr != nil {
			_ = c.execute(context.Background(), func() error {
				if _, ok := c.contexts[streamID]; ok {
					c.engine.ResetStream(streamID, http2.ErrCodeInternalError)
					c.finishStream(streamID)
				}
				return nil
			})
			return fmt.Errorf("reading response body: %w", rerr)
		}
	}
}

func responseHeaders(env *ResponseEnvelope, streaming bool) []hpack.HeaderField {
	status := env.Status
	if status == 0 {
		status = http.StatusOK
	}
	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(status)}}
	for _, hf := range toHpack(env.Header) {
		if connectionSpecific[hf.Name] || strings.HasPrefix(hf.Name, ":") {
			continue
		}
		fields = append(fields, hf)
	}
	if !streaming {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(env.Body))})
	}
	if env.HeaderValue("server") == "" {
		fields = append(fields, hpack.HeaderField{Name: "server", Value: serverName})
	}
	if env.HeaderValue("date") == "" {
		fields = append(fields, hpack.HeaderField{Name: "date", Value: time.Now().UTC().Format(http.TimeFormat)})
	}
	return fields
}
