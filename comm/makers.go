package comm

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// BackingOffTCPConnMaker returns a CreationFunc that dials addr with an
// exponential backoff.  Crate controllers and terminal servers do not
// like being connection thrashed, so retries start gentle.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var (
			conn       io.ReadWriteCloser
			wasTimeout bool
		)
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			if err != nil {
				errS := strings.ToLower(err.Error())
				if strings.Contains(errS, "refused") {
					return err
				}
				// a timeout will not improve on retry within our window;
				// swallow it here and report after backoff gives up
				wasTimeout = true
				return nil
			}
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err == nil && !wasTimeout {
			return conn, nil
		}
		if wasTimeout {
			return nil, fmt.Errorf("connection timeout to %s", addr)
		}
		return nil, err
	}
}

// SerialConnMaker returns a CreationFunc that opens the serial port
// described by conf.
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}
