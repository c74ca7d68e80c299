/*Package scaler speaks to the counting crate that services the USAXS
photodiode channels, and provides an in-memory simulator with the same
interfaces for dry runs and tests.

The crate protocol is a simple framed telegram: a start byte, an opcode,
a 16-bit register address, optional data, a CRC-16/XMODEM, and an end
byte.  Bytes that collide with the framing are escaped before
transmission.  Scalar registers carry IEEE-754 doubles; the enumeration
opcode returns a comma-joined label list.
*/
package scaler

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/snksoft/crc"
)

const (
	// telStart is the start of telegram byte
	telStart = 0x02

	// telEnd is the end of telegram byte
	telEnd = 0x03

	// escapeMarker is the byte inserted before an escaped special
	// character
	escapeMarker = 0x5E

	// escapeShift is the amount special characters are shifted up;
	// specials max out at 0x5E so this never overflows a byte
	escapeShift = 0x40
)

// opcodes
const (
	opRead    = 0x01
	opWrite   = 0x02
	opTrigger = 0x04
	opEnum    = 0x05
	opAck     = 0x06
	opNack    = 0x15
)

var (
	// dataOrder is the byte order of register payloads
	dataOrder = binary.BigEndian

	// specials is the byte set that must be escaped inside a frame
	specials = []byte{telStart, telEnd, escapeMarker}

	crcTable = crc.NewTable(crc.XMODEM)

	// ErrFrameIncomplete is generated when a telegram lacks its start or
	// end byte
	ErrFrameIncomplete = errors.New("scaler: telegram start or end byte not found")

	// ErrCRCMismatch is generated when a received telegram fails its CRC
	// check; crate state is unknown and the caller should retry the whole
	// operation
	ErrCRCMismatch = errors.New("scaler: CRC mismatch, data lost in transmission")
)

// message is a telegram before framing / after unframing.
type message struct {
	Op   byte
	Reg  uint16
	Data []byte
}

func escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if bytes.IndexByte(specials, b) >= 0 {
			out = append(out, escapeMarker, b+escapeShift)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	shiftNext := false
	for _, b := range data {
		if b == escapeMarker && !shiftNext {
			shiftNext = true
			continue
		}
		if shiftNext {
			b -= escapeShift
			shiftNext = false
		}
		out = append(out, b)
	}
	return out
}

// encodeFrame produces a wire telegram: the opcode, register, and data
// are escaped together with the CRC over the raw body, then wrapped in
// the start and end bytes.
func encodeFrame(m message) []byte {
	body := make([]byte, 0, 3+len(m.Data))
	body = append(body, m.Op)
	body = append(body, byte(m.Reg>>8), byte(m.Reg))
	body = append(body, m.Data...)

	crcBytes := crcHelper(body)

	out := []byte{telStart}
	out = append(out, escape(body)...)
	out = append(out, escape(crcBytes)...)
	out = append(out, telEnd)
	return out
}

// decodeFrame renders a raw byte stream back into a message, verifying
// the CRC.
func decodeFrame(raw []byte) (message, error) {
	iStart := bytes.IndexByte(raw, telStart)
	iEnd := bytes.IndexByte(raw, telEnd)
	if iStart < 0 || iEnd < 0 || iEnd < iStart {
		return message{}, ErrFrameIncomplete
	}
	body := unescape(raw[iStart+1 : iEnd])
	if len(body) < 5 { // op + reg + crc
		return message{}, ErrFrameIncomplete
	}
	crcRecv := body[len(body)-2:]
	body = body[:len(body)-2]
	if !bytes.Equal(crcRecv, crcHelper(body)) {
		return message{}, ErrCRCMismatch
	}
	return message{
		Op:   body[0],
		Reg:  uint16(body[1])<<8 | uint16(body[2]),
		Data: body[3:],
	}, nil
}

// crcHelper computes the two-byte CRC value in a concurrent safe way
// and one line.
func crcHelper(buf []byte) []byte {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	crcBytes := make([]byte, 2)
	dataOrder.PutUint16(crcBytes, crcTable.CRC16(crcUint))
	return crcBytes
}

// floatBytes packs a register value for the wire.
func floatBytes(v float64) []byte {
	out := make([]byte, 8)
	dataOrder.PutUint64(out, math.Float64bits(v))
	return out
}

// bytesFloat unpacks a register value from the wire.
func bytesFloat(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("scaler: register payload is %d bytes, expected 8", len(b))
	}
	return math.Float64frombits(dataOrder.Uint64(b)), nil
}
