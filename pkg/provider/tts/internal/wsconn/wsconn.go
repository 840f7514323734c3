// Package wsconn implements the WebSocket plumbing shared by the streaming TTS
// providers: an ordered write queue, an optional keepalive, and a read loop
// that decodes frames into tts.Event values.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/phonerelay/pkg/provider/tts"
	"github.com/coder/websocket"
)

var (
	// ErrClosed is returned by Send after the connection was closed.
	ErrClosed = errors.New("connection closed")

	// ErrConnectionLost is returned by Send once the connection failed.
	ErrConnectionLost = errors.New("connection lost")
)

// Decoder converts one received frame into an event. ok=false drops the frame.
type Decoder func(typ websocket.MessageType, data []byte) (ev tts.Event, ok bool)

// Options configures a Conn.
type Options struct {
	// Header is sent with the handshake request.
	Header http.Header

	// Decode converts received frames into events. Required.
	Decode Decoder

	// KeepAlive, if positive, sends KeepAliveMsg whenever no frame was
	// written for that long.
	KeepAlive    time.Duration
	KeepAliveMsg []byte

	// Name prefixes log lines and errors (e.g., "deepgram-tts").
	Name string
}

// Conn is a live provider connection. It is safe for concurrent use.
type Conn struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	opts   Options

	out    chan []byte
	events chan tts.Event

	done      chan struct{}
	writeDone chan struct{}
	readDone  chan struct{}
	once      sync.Once
}

// Dial opens the connection and starts its read and write loops. The loops
// stop when ctx is cancelled or Close is called.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	if opts.Decode == nil {
		return nil, fmt.Errorf("%s: decoder must not be nil", opts.Name)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: opts.Header})
	if err != nil {
		return nil, fmt.Errorf("%s: dial: %w", opts.Name, err)
	}
	// Synthesized audio for one reply easily exceeds the 32 KiB default.
	conn.SetReadLimit(1 << 20)

	loopCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		conn:      conn,
		cancel:    cancel,
		opts:      opts,
		out:       make(chan []byte, 256),
		events:    make(chan tts.Event, 256),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	go c.readLoop(loopCtx)
	go c.writeLoop(loopCtx)
	return c, nil
}

// Send queues a text frame. Frames are written in call order. Send waits
// while the queue is full, but fails as soon as the write loop has stopped.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%s: %w", c.opts.Name, ErrClosed)
	case <-c.writeDone:
		return fmt.Errorf("%s: %w", c.opts.Name, ErrConnectionLost)
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", c.opts.Name, ErrClosed)
	case <-c.writeDone:
		return fmt.Errorf("%s: %w", c.opts.Name, ErrConnectionLost)
	}
}

// Events returns the decoded event channel. It is closed when the read loop
// exits.
func (c *Conn) Events() <-chan tts.Event { return c.events }

// Close writes the queued frames and then final (if non-nil), then closes the
// connection. Safe to call more than once.
func (c *Conn) Close(final []byte) error {
	c.once.Do(func() {
		close(c.done)
		<-c.writeDone
		if final != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.conn.Write(ctx, websocket.MessageText, final)
			cancel()
		}
		c.cancel()
		<-c.readDone
		c.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

func (c *Conn) writeLoop(ctx context.Context) {
	defer close(c.writeDone)

	var tick <-chan time.Time
	if c.opts.KeepAlive > 0 && c.opts.KeepAliveMsg != nil {
		t := time.NewTicker(c.opts.KeepAlive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case msg := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				if ctx.Err() == nil {
					slog.Warn(c.opts.Name+": write failed", "err", err)
				}
				return
			}
		case <-tick:
			if err := c.conn.Write(ctx, websocket.MessageText, c.opts.KeepAliveMsg); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.out:
					if c.conn.Write(ctx, websocket.MessageText, msg) != nil {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop also stops the write loop when the connection fails, so Send
// does not wait on a queue nobody drains.
func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.readDone)
	defer close(c.events)
	defer c.cancel()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Warn(c.opts.Name+": connection lost", "err", err)
			}
			return
		}
		ev, ok := c.opts.Decode(typ, data)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
