package comm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// ErrTimeoutUnsupported is generated when NewTimeout is handed a
// ReadWriter whose concrete type cannot carry deadlines.
var ErrTimeoutUnsupported = errors.New("comm: underlying connection does not support deadlines")

// ErrTerminatorNotFound is generated when the termination byte is not
// found in a response.
var ErrTerminatorNotFound = errors.New("comm: termination byte not found")

type terminator struct {
	rw     io.ReadWriter
	tx, rx byte
}

// NewTerminator wraps a ReadWriter such that writes have tx appended and
// reads scan until rx, which is stripped.
func NewTerminator(rw io.ReadWriter, tx, rx byte) io.ReadWriter {
	return &terminator{rw: rw, tx: tx, rx: rx}
}

func (t *terminator) Write(b []byte) (int, error) {
	n, err := t.rw.Write(append(b, t.tx))
	if n > 0 {
		// do not report the terminator byte to the caller
		n--
	}
	return n, err
}

func (t *terminator) Read(b []byte) (int, error) {
	buf, err := bufio.NewReader(t.rw).ReadBytes(t.rx)
	if err != nil {
		return 0, err
	}
	if !bytes.HasSuffix(buf, []byte{t.rx}) {
		return copy(b, buf), ErrTerminatorNotFound
	}
	return copy(b, buf[:len(buf)-1]), nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

type timeout struct {
	rw io.ReadWriter
	d  deadliner
	t  time.Duration
}

// NewTimeout wraps a ReadWriter such that every Read and Write refreshes
// a deadline of t from now.  The underlying type must support deadlines
// (net.Conn does) or ErrTimeoutUnsupported is returned.
func NewTimeout(rw io.ReadWriter, t time.Duration) (io.ReadWriter, error) {
	inner := rw
	if term, ok := rw.(*terminator); ok {
		inner = term.rw
	}
	d, ok := inner.(deadliner)
	if !ok {
		return nil, ErrTimeoutUnsupported
	}
	return &timeout{rw: rw, d: d, t: t}, nil
}

func (t *timeout) Write(b []byte) (int, error) {
	t.d.SetDeadline(time.Now().Add(t.t))
	return t.rw.Write(b)
}

func (t *timeout) Read(b []byte) (int, error) {
	t.d.SetDeadline(time.Now().Add(t.t))
	return t.rw.Read(b)
}

// TCPSetup opens a new TCP connection and sets a timeout on connect,
// read, and write.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
