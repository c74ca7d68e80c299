/*Package comm provides connection pooling and io wrappers for talking to
beamline hardware.

Drivers hold a Pool and lease a connection per roundtrip:

	conn, err := dev.pool.Get()
	if err != nil {
		return err
	}
	defer func() { dev.pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(conn, '\r', '\r')
	wrap, err = comm.NewTimeout(wrap, 3*time.Second)
	...

Connections are created lazily by a CreationFunc and reclaimed after the
pool has been idle for its timeout, so a crate controller is not held
open between scans.
*/
package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc returns a new "connection" to something.  Use a closure to
// encapsulate the address and options needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds one or more connections to a device.  Connections are closed
// if they go unused for the idle timeout and re-opened as needed.  It is
// concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out
	timeout time.Duration           // idle time after which all connections are freed
	conns   chan io.ReadWriteCloser // buffer of idle connections
	timer   *time.Timer             // fires to reclaim idle connections
	maker   CreationFunc

	reclaiming bool
	mu         sync.Mutex
}

// NewPool creates a new Pool of up to maxSize connections which frees them
// after they have all been idle for timeout.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	p.timer.Stop() // nothing to reclaim yet
	return p
}

// Get retrieves a connection from the pool, creating one if none are idle
// and the pool is not exhausted, or blocking until one is returned if it
// is.  When done, return it with Put, or Destroy it if it has gone bad
// (e.g., every call errors).  If the error from Get is non-nil the
// connection must not be returned to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) > 0 {
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	if p.onLease == p.maxSize {
		// all given out, wait for one to come back
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	c, err := p.maker()
	if err == nil {
		p.onLease++
	}
	return c, err
}

// Put restores a connection to the pool for reuse.  Put must not take
// p.mu; Get blocks on the conns channel while holding it, waiting for
// exactly this send.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.conns <- rwc
	p.onLease--
	if len(p.conns) == p.maxSize {
		p.startReclaim()
	}
}

// Destroy immediately closes and forgets a connection.  Use instead of Put
// when the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.onLease--
}

// ReturnWithError Puts the connection back if err is nil or unrelated to
// the transport, and Destroys it on io errors so the next Get starts
// fresh.  It exists so drivers can clean up with a single deferred call.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if rw == nil {
		return
	}
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections owned by the pool, idle or leased.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently leased out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// startReclaim spawns a goroutine that closes every idle connection after
// the idle timeout elapses.
func (p *Pool) startReclaim() {
	p.mu.Lock()
	if p.reclaiming {
		p.mu.Unlock()
		return
	}
	p.reclaiming = true
	p.mu.Unlock()
	p.timer.Reset(p.timeout)
	go func() {
		<-p.timer.C
		p.mu.Lock()
		defer p.mu.Unlock()
		for len(p.conns) > 0 {
			c := <-p.conns
			c.Close()
		}
		p.reclaiming = false
	}()
}
