package session

import (
	"context"
	"errors"

	"nhooyr.io/websocket"
)

type FrameType int

const (
	TextFrame FrameType = iota
	BinaryFrame
)

type Frame struct {
	Type FrameType
	Data []byte
}

// Conn is the message transport a session runs over.
type Conn interface {
	Read(ctx context.Context) (Frame, error)
	Write(ctx context.Context, f Frame) error
	Close(reason string) error
}

type wsConn struct {
	c *websocket.Conn
}

// WebSocket adapts an accepted websocket connection. Pings are answered by
// the websocket library while a read is in flight.
func WebSocket(c *websocket.Conn, readLimit int64) Conn {
	if readLimit > 0 {
		c.SetReadLimit(readLimit)
	}
	return &wsConn{c: c}
}

func (w *wsConn) Read(ctx context.Context) (Frame, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	if typ == websocket.MessageBinary {
		return Frame{Type: BinaryFrame, Data: data}, nil
	}
	return Frame{Type: TextFrame, Data: data}, nil
}

func (w *wsConn) Write(ctx context.Context, f Frame) error {
	typ := websocket.MessageText
	if f.Type == BinaryFrame {
		typ = websocket.MessageBinary
	}
	return w.c.Write(ctx, typ, f.Data)
}

func (w *wsConn) Close(reason string) error {
	err := w.c.Close(websocket.StatusNormalClosure, reason)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
