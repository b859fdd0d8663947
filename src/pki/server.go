package pki

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

type record struct {
	ip      net.IP
	port    uint16
	prekeys [][]byte
}

// Server is the in-memory PKI directory.
type Server struct {
	logger   *logrus.Entry
	listener net.Listener

	mu  sync.Mutex
	dir map[string]*record
}

// NewServer creates a server; call Serve to start accepting.
func NewServer(logger *logrus.Entry) *Server {
	return &Server{
		logger: logger,
		dir:    make(map[string]*record),
	}
}

// Serve listens on bindAddr and processes one request per connection,
// blocking until the listener fails.
func (s *Server) Serve(bindAddr string) error {
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	s.listener = l
	s.logger.WithField("addr", l.Addr().String()).Info("PKI listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.process(conn)
	}
}

// Close stops the listener.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) process(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	reqType, err := readU32(r)
	if err != nil {
		s.logger.WithError(err).Debug("PKI read failed")
		return
	}

	switch reqType {
	case RequestPublish:
		err = s.handlePublish(conn, r)
	case RequestQuery, RequestAddr:
		err = s.handleQuery(conn, r, reqType == RequestQuery)
	default:
		err = fmt.Errorf("%w: type %d", ErrBadRequest, reqType)
	}

	if err != nil {
		s.logger.WithError(err).Debug("PKI request failed")
	}
}

func (s *Server) handlePublish(conn net.Conn, r *bufio.Reader) error {
	id, err := readString(r)
	if err != nil {
		return err
	}
	port, err := readU16(r)
	if err != nil {
		return err
	}
	count, err := readU32(r)
	if err != nil {
		return err
	}
	keys := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readBytes(r)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	// the reachable IP is the source of this connection
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return err
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return fmt.Errorf("%w: non-IPv4 publisher %s", ErrBadRequest, host)
	}

	s.mu.Lock()
	s.dir[id] = &record{ip: ip, port: port, prekeys: keys}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"id":   id,
		"addr": fmt.Sprintf("%s:%d", ip, port),
		"keys": len(keys),
	}).Debug("Published")

	_, err = conn.Write([]byte{1})
	return err
}

func (s *Server) handleQuery(conn net.Conn, r *bufio.Reader, consumeKey bool) error {
	id, err := readString(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rec, ok := s.dir[id]
	var prekey []byte
	if ok && consumeKey {
		if len(rec.prekeys) == 0 {
			ok = false
		} else {
			prekey = rec.prekeys[0]
			rec.prekeys = rec.prekeys[1:]
		}
	}
	s.mu.Unlock()

	if !ok {
		_, err = conn.Write([]byte{0})
		return err
	}

	if _, err = conn.Write([]byte{1}); err != nil {
		return err
	}
	if err = writeU32(conn, ipToU32(rec.ip)); err != nil {
		return err
	}
	if err = writeU16(conn, rec.port); err != nil {
		return err
	}
	if consumeKey {
		return writeBytes(conn, prekey)
	}
	return nil
}

func ipToU32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func u32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
