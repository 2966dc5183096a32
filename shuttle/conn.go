package shuttle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

var (
	ErrConnectFailed = errors.New("shuttle connect failed")
	ErrTimeout       = errors.New("shuttle timeout")
	ErrDisconnected  = errors.New("shuttle disconnected")
	ErrClosed        = errors.New("shuttle connection closed")
)

// Transport moves whole frames. *Conn is the TCP implementation.
type Transport interface {
	Send(frame []byte) error
	Recv(timeout time.Duration) ([]byte, error)
	Close() error
}

const writeTimeout = 2 * time.Second

// Conn is a framed TCP connection to one shuttle.
type Conn struct {
	addr string
	nc   net.Conn
	rd   frameReader

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens the TCP connection.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	c := &Conn{addr: addr, nc: nc, closed: make(chan struct{})}
	c.rd.r = nc
	return c, nil
}

func (c *Conn) Addr() string { return c.addr }

func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.nc.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Recv returns the next complete frame. Only one goroutine may call it.
func (c *Conn) Recv(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}
	frame, err := c.rd.next()
	if err == nil {
		return frame, nil
	}
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, ErrTimeout
	}
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: peer closed", ErrDisconnected)
	}
	return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// frameReader accumulates stream bytes and cuts them with ScanFrames.
// Unlike bufio.Scanner it survives read deadlines.
type frameReader struct {
	r   io.Reader
	buf []byte
	tmp [512]byte
}

func (fr *frameReader) next() ([]byte, error) {
	for {
		adv, tok, _ := ScanFrames(fr.buf, false)
		if tok != nil {
			frame := append([]byte(nil), tok...)
			fr.buf = fr.buf[adv:]
			return frame, nil
		}
		if adv > 0 {
			fr.buf = fr.buf[adv:]
			continue
		}
		n, err := fr.r.Read(fr.tmp[:])
		fr.buf = append(fr.buf, fr.tmp[:n]...)
		if err != nil {
			return nil, err
		}
	}
}
