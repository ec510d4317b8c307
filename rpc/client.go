package rpc

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/ocapkernel/kernel/kerr"
)

// Client is a JSON-RPC 2.0 client for the daemon's unix socket, one
// request per line, matching Server's wire protocol exactly.
type Client struct {
	conn   net.Conn
	reader *bufio.Scanner
	nextID int64
}

// Dial connects to the daemon's console socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, kerr.Wrap(err, "connecting to "+socketPath)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Client{conn: conn, reader: scanner}, nil
}

// DialRetry retries Dial once after a 100ms delay on failure, matching the
// source daemon's documented (if racy, per SPEC_FULL.md's open question)
// reconnect-on-connect-failure behavior for the shutdown RPC.
func DialRetry(socketPath string) (*Client, error) {
	c, err := Dial(socketPath)
	if err == nil {
		return c, nil
	}
	time.Sleep(100 * time.Millisecond)
	return Dial(socketPath)
}

func (c *Client) Close() error { return c.conn.Close() }

// Call issues method(params) and decodes the reply's result into result (if
// non-nil), returning the RPC-level error (if any) as a Go error.
func (c *Client) Call(method string, params any, result any) error {
	id := atomic.AddInt64(&c.nextID, 1)
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return kerr.Wrap(err, "encoding params")
		}
		raw = b
	}
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	b, err := json.Marshal(req)
	if err != nil {
		return kerr.Wrap(err, "encoding request")
	}
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return kerr.Wrap(err, "writing request")
	}
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return kerr.Wrap(err, "reading response")
		}
		return kerr.NewTimeout("connection closed before a response arrived")
	}
	var resp Response
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return kerr.Wrap(err, "decoding response")
	}
	if resp.Error != nil {
		return &callError{code: resp.Error.Code, message: resp.Error.Message}
	}
	if result == nil {
		return nil
	}
	b2, err := json.Marshal(resp.Result)
	if err != nil {
		return kerr.Wrap(err, "re-encoding result")
	}
	return json.Unmarshal(b2, result)
}

// callError is a plain RPC error surfaced to CLI callers, which print
// "Error: <message> (code <n>)" per spec.md §7.
type callError struct {
	code    int
	message string
}

func (e *callError) Error() string { return e.message }
func (e *callError) Code() int     { return e.code }
