// Package transport implements the Association: the framed byte-stream
// connection to one E2 Node. The concrete Association speaks a 4-byte
// big-endian length-prefix framing over plain TCP, the E2AP fallback where
// SCTP is unavailable. Listen and Dial apply no TLS or other
// association-level security.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/snappy"
)

// ErrClosed is returned by Send/Recv once the association has been closed.
var ErrClosed = errors.New("transport: association closed")

// ErrFrameTooLarge guards against a corrupt or hostile length prefix
// claiming an unreasonable frame size.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

// MaxFrameBytes bounds a single frame; E2AP PDUs are small control/
// indication messages, not bulk transfers.
const MaxFrameBytes = 16 << 20

// Association is one framed connection to an E2 Node.
type Association interface {
	// Send writes one frame, blocking until it is handed to the OS socket.
	Send(frame []byte) error
	// Recv blocks for the next frame, or returns ctx.Err(), ErrClosed, or
	// the read error (such as io.EOF) that ended the peer's stream.
	Recv(ctx context.Context) ([]byte, error)
	// RemoteAddr identifies the peer for logging and node correlation.
	RemoteAddr() string
	// Close tears down the underlying connection.
	Close() error
}

// tcpAssociation implements Association over a length-prefixed TCP stream,
// optionally snappy-compressing each frame's payload before the length
// prefix is written — compression here is purely a transport-wire concern,
// transparent to the Codec layer above it.
type tcpAssociation struct {
	conn       net.Conn
	reader     *bufio.Reader
	compressed bool

	writeMu sync.Mutex

	recvCh chan []byte
	errCh  chan error
	once   sync.Once
	closed chan struct{}
}

// NewAssociation wraps conn as a framed Association and starts its
// background reader goroutine.
func NewAssociation(conn net.Conn, compressed bool) Association {
	a := &tcpAssociation{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		compressed: compressed,
		recvCh:     make(chan []byte, 16),
		errCh:      make(chan error, 1),
		closed:     make(chan struct{}),
	}
	go a.readLoop()
	return a
}

func (a *tcpAssociation) readLoop() {
	for {
		frame, err := a.readFrame()
		if err != nil {
			select {
			case a.errCh <- err:
			default:
			}
			close(a.recvCh)
			return
		}
		select {
		case a.recvCh <- frame:
		case <-a.closed:
			return
		}
	}
}

func (a *tcpAssociation) readFrame() ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(a.reader, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(a.reader, payload); err != nil {
		return nil, err
	}
	if a.compressed {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("transport: snappy decode: %w", err)
		}
		return decoded, nil
	}
	return payload, nil
}

func (a *tcpAssociation) Send(frame []byte) error {
	payload := frame
	if a.compressed {
		payload = snappy.Encode(nil, frame)
	}
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	if _, err := a.conn.Write(lengthBuf[:]); err != nil {
		return err
	}
	_, err := a.conn.Write(payload)
	return err
}

func (a *tcpAssociation) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-a.recvCh:
		if !ok {
			select {
			case err := <-a.errCh:
				return nil, err
			default:
				return nil, ErrClosed
			}
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.closed:
		return nil, ErrClosed
	}
}

func (a *tcpAssociation) RemoteAddr() string {
	return a.conn.RemoteAddr().String()
}

func (a *tcpAssociation) Close() error {
	var err error
	a.once.Do(func() {
		close(a.closed)
		err = a.conn.Close()
	})
	return err
}

// Listener accepts inbound E2 Node connections.
type Listener struct {
	ln         net.Listener
	compressed bool
}

// Listen binds addr and returns a Listener producing Associations.
func Listen(addr string, compressed bool) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, compressed: compressed}, nil
}

// Accept blocks for the next inbound association.
func (l *Listener) Accept() (Association, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewAssociation(conn, l.compressed), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Dial opens an outbound association, retrying with exponential backoff
// until ctx is cancelled. This is the initiator-side counterpart to
// Listener, used when the termination core connects out to an E2 Node
// rather than waiting to be connected to.
func Dial(ctx context.Context, addr string, compressed bool) (Association, error) {
	var conn net.Conn
	operation := func() error {
		dialer := net.Dialer{Timeout: 5 * time.Second}
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	boff := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, boff); err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewAssociation(conn, compressed), nil
}
