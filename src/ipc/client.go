package ipc

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// Client is the CLI side of the IPC protocol.
type Client struct {
	path string
}

// NewClient targets the daemon socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Request performs one request/response exchange on a fresh connection.
func (c *Client) Request(req Request) (*Response, error) {
	conn, err := dialLocal(c.path, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", c.path, err)
	}
	defer conn.Close()
	return exchange(conn, req)
}

func exchange(conn net.Conn, req Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(requestTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// AttachConn is an established streaming attach: output frames are read
// with Read, input goes through Send.
type AttachConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Attach opens a connection and switches it to streaming mode for the
// session. The caller owns the returned AttachConn and must Close it.
func (c *Client) Attach(sessionID, clientID string) (*AttachConn, error) {
	conn, err := dialLocal(c.path, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", c.path, err)
	}
	req := Request{Action: ActionSessionAttach, SessionID: sessionID, ClientID: clientID, ClientType: "pc"}
	data, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(requestTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send attach: %w", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read attach response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode attach response: %w", err)
	}
	if !resp.OK {
		conn.Close()
		return nil, fmt.Errorf("attach refused: %s", resp.Error)
	}
	conn.SetDeadline(time.Time{})
	return &AttachConn{conn: conn, reader: reader}, nil
}

// Read blocks for the next stream frame.
func (a *AttachConn) Read() (*StreamFrame, error) {
	line, err := a.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var frame StreamFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// Send writes one stream frame.
func (a *AttachConn) Send(frame StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = a.conn.Write(append(data, '\n'))
	return err
}

// Close detaches and closes the connection.
func (a *AttachConn) Close() error {
	_ = a.Send(StreamFrame{Type: StreamDetach})
	return a.conn.Close()
}
