// Package kvclient implements the §6.3 client black box: a minimal RESP2
// client for a Valkey/Redis-compatible server, surfacing server error
// replies (including MOVED/CLUSTERDOWN redirection signals) as plain Go
// errors for the worker engine to classify by substring.
package kvclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Options configures a Connect call.
type Options struct {
	// Addresses is the seed address list; the first entry is dialed.
	// A cluster-aware client would use the rest for topology discovery,
	// but this client relies on the server's own MOVED replies instead
	// of maintaining a local slot map (see DESIGN.md).
	Addresses []string
	TLS       bool
	// ReadFromReplica is accepted for interface parity with §6.3 but has
	// no effect on a non-cluster-aware client: GET always goes to
	// whichever node Addresses[0] names.
	ReadFromReplica bool
	RequestTimeout  time.Duration
	IsCluster       bool
}

// Client is a single connection to one server node.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Connect dials addr and returns a ready-to-use Client.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if len(opts.Addresses) == 0 {
		return nil, errors.New("kvclient: no addresses configured")
	}
	addr := opts.Addresses[0]

	dialer := &net.Dialer{Timeout: opts.RequestTimeout}
	var conn net.Conn
	var err error
	if opts.TLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: hostOf(addr)}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("kvclient: connect %s: %w", addr, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), timeout: opts.RequestTimeout}, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (c *Client) deadline() {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

func (c *Client) do(argv ...string) (interface{}, error) {
	c.deadline()
	if err := writeCommand(c.conn, argv...); err != nil {
		return nil, fmt.Errorf("kvclient: write %s: %w", argv[0], err)
	}
	reply, err := readReply(c.r)
	if err != nil {
		var re *replyError
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, fmt.Errorf("kvclient: read reply for %s: %w", argv[0], err)
	}
	return reply, nil
}

// Set issues SET key value.
func (c *Client) Set(key, value string) error {
	_, err := c.do("SET", key, value)
	return err
}

// Get issues GET key. found is false on a nil bulk reply (key absent).
func (c *Client) Get(key string) (value string, found bool, err error) {
	reply, err := c.do("GET", key)
	if err != nil {
		return "", false, err
	}
	if reply == nil {
		return "", false, nil
	}
	s, ok := reply.(string)
	if !ok {
		return "", false, fmt.Errorf("kvclient: GET returned non-string reply %T", reply)
	}
	return s, true, nil
}

// HSet issues HSET key field1 value1 field2 value2 ...
func (c *Client) HSet(key string, fields map[string]string) error {
	argv := make([]string, 0, 2+2*len(fields))
	argv = append(argv, "HSET", key)
	for f, v := range fields {
		argv = append(argv, f, v)
	}
	_, err := c.do(argv...)
	return err
}

// HGet issues HGET key field. found is false on a nil bulk reply.
func (c *Client) HGet(key, field string) (value string, found bool, err error) {
	reply, err := c.do("HGET", key, field)
	if err != nil {
		return "", false, err
	}
	if reply == nil {
		return "", false, nil
	}
	s, ok := reply.(string)
	if !ok {
		return "", false, fmt.Errorf("kvclient: HGET returned non-string reply %T", reply)
	}
	return s, true, nil
}

// MSet issues MSET key1 value1 key2 value2 ...
func (c *Client) MSet(kv map[string]string) error {
	argv := make([]string, 0, 1+2*len(kv))
	argv = append(argv, "MSET")
	for k, v := range kv {
		argv = append(argv, k, v)
	}
	_, err := c.do(argv...)
	return err
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// IsMoved reports whether err is a MOVED cluster redirection signal, via
// case-insensitive substring match on its message per §4.2/§8.
func IsMoved(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "MOVED")
}

// IsClusterDown reports whether err is a CLUSTERDOWN signal.
func IsClusterDown(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "CLUSTERDOWN")
}
