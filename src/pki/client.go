package pki

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNotFound is returned when the directory has no usable entry for an
// identity. For QUERY this includes an identity whose prekeys ran out.
var ErrNotFound = errors.New("pki: identity not found")

// Client performs one-shot requests against a PKI server. The zero value is
// not usable; create one with NewClient.
type Client struct {
	addr string
}

// NewClient returns a client for the server at addr. A bare host gets the
// well-known port appended.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, DefaultPort)
	}
	return &Client{addr: addr}
}

// Publish registers the local identity with its listening port and prekeys.
func (c *Client) Publish(id string, port uint16, keys [][]byte) error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeU32(conn, RequestPublish); err != nil {
		return err
	}
	if err := writeString(conn, id); err != nil {
		return err
	}
	if err := writeU16(conn, port); err != nil {
		return err
	}
	if err := writeU32(conn, uint32(len(keys))); err != nil {
		return err
	}
	for _, key := range keys {
		if err := writeBytes(conn, key); err != nil {
			return err
		}
	}

	var status [1]byte
	if _, err := conn.Read(status[:]); err != nil {
		return err
	}
	if status[0] == 0 {
		return errors.New("pki: publish rejected")
	}
	return nil
}

// Query resolves an identity and consumes one of its prekeys.
func (c *Client) Query(id string) (*QueryResponse, error) {
	return c.query(RequestQuery, id)
}

// Addr resolves an identity's address without consuming a prekey.
func (c *Client) Addr(id string) (*QueryResponse, error) {
	return c.query(RequestAddr, id)
}

func (c *Client) query(reqType uint32, id string) (*QueryResponse, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeU32(conn, reqType); err != nil {
		return nil, err
	}
	if err := writeString(conn, id); err != nil {
		return nil, err
	}

	r := bufio.NewReader(conn)
	success, err := readU8(r)
	if err != nil {
		return nil, err
	}
	if success == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	resp := &QueryResponse{Success: true}
	ip, err := readU32(r)
	if err != nil {
		return nil, err
	}
	resp.IP = u32ToIP(ip)
	if resp.Port, err = readU16(r); err != nil {
		return nil, err
	}
	if reqType == RequestQuery {
		if resp.PreKey, err = readBytes(r); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Resolve maps an identity to a dialable address, satisfying the
// transport's resolver interface.
func (c *Client) Resolve(id string) (string, error) {
	resp, err := c.Addr(id)
	if err != nil {
		return "", err
	}
	return resp.NetAddr(), nil
}

// NetAddr formats the response as a dialable host:port.
func (q *QueryResponse) NetAddr() string {
	return fmt.Sprintf("%s:%d", q.IP.String(), q.Port)
}
