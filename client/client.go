package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/0xRadioAc7iv/go-hamtkv/internal"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/protocol"
)

var ErrNotFound = errors.New("key not found")

// ServerError is a reply the server sent instead of a result.
type ServerError struct {
	Command string
	Reply   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Reply)
}

// Client is one connection. It is not safe for concurrent use.
type Client struct {
	conn net.Conn
}

func Connect(opts ...Option) (*Client, error) {
	cfg := internal.DefaultConfig()

	for _, opt := range opts {
		opt(cfg)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn}, nil
}

func (c *Client) Ping() error {
	return c.expect("ping", "", "", "PONG!")
}

// Get returns the value of key or ErrNotFound.
func (c *Client) Get(key string) (string, error) {
	res, err := c.checked("get", key, "")
	if err != nil {
		return "", err
	}
	if res == "nil" {
		return "", ErrNotFound
	}
	return res, nil
}

func (c *Client) Set(key, value string) error {
	return c.expect("set", key, value, "ok")
}

func (c *Client) Delete(key string) error {
	return c.expect("delete", key, "", "ok")
}

func (c *Client) Exists(key string) (bool, error) {
	res, err := c.checked("exists", key, "")
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(res)
}

func (c *Client) Count() (int, error) {
	res, err := c.checked("count", "", "")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(res)
}

// Ratio is the server's committed disk space over live data.
func (c *Client) Ratio() (float64, error) {
	res, err := c.checked("ratio", "", "")
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(res, 64)
}

// GC asks for one garbage collection round of up to budget bytes and
// returns the bytes rewritten.
func (c *Client) GC(budget uint64) (uint64, error) {
	res, err := c.checked("gc", strconv.FormatUint(budget, 10), "")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(res, 10, 64)
}

func (c *Client) Sync() error {
	return c.expect("sync", "", "", "ok")
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute sends a raw command and returns the reply unchanged.
func (c *Client) Execute(cmd, key, value string) (string, error) {
	return c.sendCommand(cmd, key, value)
}

func (c *Client) expect(cmd, key, value, want string) error {
	res, err := c.checked(cmd, key, value)
	if err != nil {
		return err
	}
	if res != want {
		return &ServerError{Command: cmd, Reply: res}
	}
	return nil
}

// checked sends a command and turns error replies into a *ServerError.
func (c *Client) checked(cmd, key, value string) (string, error) {
	res, err := c.sendCommand(cmd, key, value)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(res, "Error") || strings.HasPrefix(res, "Invalid Command") {
		return "", &ServerError{Command: cmd, Reply: res}
	}
	return res, nil
}

func (c *Client) sendCommand(cmd, key, value string) (string, error) {
	payload, err := protocol.EncodeCommand(cmd, key, value)
	if err != nil {
		return "", err
	}

	if _, err := c.conn.Write(payload); err != nil {
		return "", err
	}

	return protocol.DecodeResponse(c.conn)
}
