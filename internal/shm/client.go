package shm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrSHMResponseTimeout is returned when the server doesn't reply within the
// client's configured timeout (default 4s, per spec §5).
var ErrSHMResponseTimeout = errors.New("shm: response timed out")

// DefaultTimeout is the client's default wait for a server reply.
const DefaultTimeout = 4 * time.Second

// Client is a worker's connection to the node's shared-state [Server].
type Client struct {
	conn      *net.UnixConn
	server    *net.UnixAddr
	replyPath string
	connID    string
	timeout   time.Duration
}

// Dial registers a new connection with the shared-state server listening at
// serverPath. The client's own reply socket is created under socketDir.
func Dial(serverPath, socketDir string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	replyPath := filepath.Join(socketDir, "shmc-"+uuid.NewString()+".sock")

	os.Remove(replyPath)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: replyPath, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("shm: client listen: %w", err)
	}

	c := &Client{
		conn:      conn,
		server:    &net.UnixAddr{Name: serverPath, Net: "unixgram"},
		replyPath: replyPath,
		timeout:   timeout,
	}

	resp, err := c.roundTrip(Request{Action: ActionConnect, Socket: replyPath})
	if err != nil {
		conn.Close()
		os.Remove(replyPath)
		return nil, err
	}
	if !resp.Succeeded || resp.ConnID == "" {
		conn.Close()
		os.Remove(replyPath)
		return nil, fmt.Errorf("shm: connect rejected: %s", resp.RCode)
	}
	c.connID = resp.ConnID
	return c, nil
}

// Close disconnects from the server and removes the client's reply socket.
func (c *Client) Close() error {
	b, _ := json.Marshal(Request{ConnID: c.connID, Action: ActionDisconnect})
	c.conn.WriteToUnix(b, c.server)
	err := c.conn.Close()
	os.Remove(c.replyPath)
	return err
}

// Do issues a request and waits for the response (except DISCONNECT, which
// never replies). backlogging defaults to true if nil.
func (c *Client) Do(action Action, key string, opts ...ReqOption) (Response, error) {
	req := Request{ConnID: c.connID, Action: action, Key: key}
	for _, o := range opts {
		o(&req)
	}
	return c.roundTrip(req)
}

// ReqOption customizes a [Request] built by [Client.Do].
type ReqOption func(*Request)

func WithType(t ContainerType) ReqOption     { return func(r *Request) { r.Type = t } }
func WithValue(v any) ReqOption {
	return func(r *Request) {
		b, _ := json.Marshal(v)
		r.Value = b
	}
}
func WithValueKey(k string) ReqOption        { return func(r *Request) { r.ValueKey = k } }
func WithBacklogging(enabled bool) ReqOption { return func(r *Request) { r.Backlogging = &enabled } }

func (c *Client) roundTrip(req Request) (Response, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := c.conn.WriteToUnix(b, c.server); err != nil {
		return Response{}, fmt.Errorf("shm: send: %w", err)
	}
	if req.Action == ActionDisconnect {
		return Response{}, nil
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	buf := make([]byte, maxDatagram)
	n, err := c.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Response{}, ErrSHMResponseTimeout
		}
		return Response{}, fmt.Errorf("shm: recv: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return Response{}, fmt.Errorf("shm: decode response: %w", err)
	}
	return resp, nil
}
