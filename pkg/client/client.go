// Package client implements the gorelay client side: the connection a
// front end talks through and the local block list applied to what it
// receives.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
	"github.com/NicolasHaas/gorelay/pkg/transport"
)

// DefaultPort is the relay's well-known port, used when addr has none.
const DefaultPort = "1500"

// Handler receives every relayed envelope that survives the block list.
type Handler func(env protocol.Envelope)

// Client is a registered connection to a relay.
type Client struct {
	conn     *transport.Connection
	username string
	blocked  *Blocklist

	listenOnce sync.Once
	done       chan struct{}
	err        error // why Listen stopped, valid after done
}

// Options tunes Dial. The zero value is usable.
type Options struct {
	Blocklist    *Blocklist    // nil means an empty in-memory list
	WriteTimeout time.Duration // bound on each send (0 = none)
}

// Dial connects to addr and registers username. A missing port defaults
// to DefaultPort.
func Dial(ctx context.Context, addr, username string, opts Options) (*Client, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("client: username must not be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}

	c := &Client{
		conn:     transport.NewConnection(nc, opts.WriteTimeout),
		username: username,
		blocked:  opts.Blocklist,
		done:     make(chan struct{}),
	}
	if c.blocked == nil {
		c.blocked = NewBlocklist()
	}

	if err := c.conn.Send(protocol.Register(username)); err != nil {
		_ = c.conn.Close()
		return nil, fmt.Errorf("client: register: %w", err)
	}
	return c, nil
}

// Username returns the registered name.
func (c *Client) Username() string { return c.username }

// Blocklist returns the list consulted by Listen.
func (c *Client) Blocklist() *Blocklist { return c.blocked }

// Send writes one envelope to the server.
func (c *Client) Send(env protocol.Envelope) error {
	return c.conn.Send(env)
}

// Say sends text as a chat line in the "[user]: text" form.
func (c *Client) Say(text string) error {
	return c.Send(protocol.Chat(protocol.UnregisteredID, "["+c.username+"]: "+text))
}

// Notice sends text as a chat line without the name prefix.
func (c *Client) Notice(text string) error {
	return c.Send(protocol.Chat(protocol.UnregisteredID, text))
}

// Ban blocks name locally and tells the room.
func (c *Client) Ban(name string) error {
	c.blocked.Add(name)
	return c.Notice(c.username + " has banned " + strings.TrimSpace(name))
}

// Unban lifts a local block and tells the room.
func (c *Client) Unban(name string) error {
	c.blocked.Remove(name)
	return c.Notice(c.username + " has unbanned " + strings.TrimSpace(name))
}

// Logout sends LOGOUT and closes the connection.
func (c *Client) Logout() error {
	err := c.Send(protocol.Logout(protocol.UnregisteredID))
	if cerr := c.conn.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

// Listen starts a goroutine that reads relayed envelopes and hands those
// from non-blocked senders to h. It stops when the connection ends; Done
// is closed then and Err reports why. Only the first call has an effect.
func (c *Client) Listen(h Handler) {
	c.listenOnce.Do(func() {
		go c.receive(h)
	})
}

func (c *Client) receive(h Handler) {
	defer close(c.done)
	for {
		env, err := c.conn.Receive()
		if err != nil {
			if c.conn.Closed() {
				slog.Debug("connection closed")
				return
			}
			slog.Debug("receive failed", "err", err)
			c.err = err
			return
		}
		if env.Sender != "" && c.blocked.Blocked(env.Sender) {
			slog.Debug("dropped message from blocked sender", "sender", env.Sender)
			continue
		}
		if h != nil {
			h(env)
		}
	}
}

// Done returns a channel that's closed when Listen has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the receive error that stopped Listen, or nil if the
// connection was closed locally. Only meaningful after Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the connection without sending LOGOUT.
func (c *Client) Close() error {
	return c.conn.Close()
}
