package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is one connection to the daemon, used by the panel and by hooks.
type Client struct {
	ID string

	conn    net.Conn
	scanner *bufio.Scanner
	sendMu  sync.Mutex
}

// NewClientID returns a unique client id such as "panel-<uuid>".
func NewClientID(kind string) string {
	return kind + "-" + uuid.NewString()
}

// Dial connects to the daemon socket, retrying briefly while the daemon starts.
func Dial(socketPath, clientID string, attempts int) (*Client, error) {
	if attempts < 1 {
		attempts = 1
	}
	var conn net.Conn
	var err error
	for i := 0; i < attempts; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", socketPath, err)
	}
	return newClient(conn, clientID), nil
}

func newClient(conn net.Conn, clientID string) *Client {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Client{ID: clientID, conn: conn, scanner: scanner}
}

// Send writes one message. The client id is filled in when empty.
func (c *Client) Send(msg Message) error {
	if msg.ClientID == "" {
		msg.ClientID = c.ID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// SendPayload builds and sends a message.
func (c *Client) SendPayload(t MessageType, payload any) error {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Subscribe registers for count pushes. The daemon answers with current counts.
func (c *Client) Subscribe() error {
	return c.Send(Message{Type: MsgSubscribe})
}

// Receive blocks for the next message. It returns io.EOF when the daemon closes
// the connection.
func (c *Client) Receive() (Message, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	var msg Message
	if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// Request sends msg and waits for the next reply, up to timeout.
// Only use on connections that are not subscribed, where every line is a reply.
func (c *Client) Request(msg Message, timeout time.Duration) (Message, error) {
	if err := c.Send(msg); err != nil {
		return Message{}, err
	}
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	return c.Receive()
}

func (c *Client) Close() error {
	c.Send(Message{Type: MsgUnsubscribe})
	return c.conn.Close()
}
