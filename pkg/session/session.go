// Package session holds the data model shared across the link and
// Minecraft-facing halves of the proxy: session identity, protocol mode,
// packet direction, and the per-client bookkeeping the multiplexer tracks.
package session

import (
	"fmt"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
)

// ID is the 128-bit identifier assigned to a client connection the moment
// the external proxy accepts it, carried on every poem item exchanged over
// the link for the lifetime of that connection.
type ID uuid.UUID

func NewID() ID { return ID(uuid.New()) }

func (id ID) String() string { return uuid.UUID(id).String() }

// Mode is the Minecraft connection state machine stage, mirroring the
// states mc_protocol.py keys its packet tables on.
type Mode int

const (
	ModeInit Mode = iota
	ModeStatus
	ModeLogin
	ModePlay
)

func (m Mode) String() string {
	switch m {
	case ModeInit:
		return "init"
	case ModeStatus:
		return "status"
	case ModeLogin:
		return "login"
	case ModePlay:
		return "play"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Direction distinguishes packets flowing client->server from server->client.
type Direction int

const (
	Upstream Direction = iota
	Downstream
)

// Item is one packet captured off a client connection, queued for
// transmission to the peer proxy as part of a poem.
type Item struct {
	Session   ID
	Direction Direction
	Name      string
	Payload   []byte
}

// Client tracks one session's multiplexed state on either side of the
// link: its protocol mode, current dimension, and a FIFO of items held
// until Drain (the external side drains it when the peer's release_queue
// arrives), backed by github.com/gammazero/deque for O(1) push/pop on
// both ends.
type Client struct {
	ID        ID
	Mode      Mode
	Dimension int32

	queue deque.Deque[Item]
}

func NewClient(id ID) *Client {
	return &Client{ID: id, Mode: ModeInit}
}

// Enqueue appends an item awaiting the next flush.
func (c *Client) Enqueue(item Item) { c.queue.PushBack(item) }

// Drain removes and returns every currently queued item, in FIFO order.
func (c *Client) Drain() []Item {
	n := c.queue.Len()
	if n == 0 {
		return nil
	}
	out := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, c.queue.PopFront())
	}
	return out
}

// Pending reports how many items are queued awaiting flush.
func (c *Client) Pending() int { return c.queue.Len() }
