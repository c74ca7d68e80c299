package scaler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/aps-usaxs/gousaxs/comm"
	"github.com/aps-usaxs/gousaxs/hw"
)

const (
	timeout = 3 * time.Second

	tcpFrameSize = 1500

	// pollInterval paces the counting-done polls during TriggerAndWait
	pollInterval = 10 * time.Millisecond
)

// crate-level registers
const (
	regPreset   uint16 = 0x0000
	regDelay    uint16 = 0x0001
	regMode     uint16 = 0x0002
	regElapsed  uint16 = 0x0003
	regCounting uint16 = 0x0004
)

// per-channel register offsets from a channel's base address
const (
	offGain      uint16 = 0x00 // current range index, read-only
	offRange     uint16 = 0x01 // requested range
	offMode      uint16 = 0x02 // sequencer mode
	offSignal    uint16 = 0x03 // raw counts from the last count
	offRangeData uint16 = 0x04 // background/backgroundError pairs follow
)

// Device is one counting crate: the shared scaler plus the amplifier
// sequencer channels that live on it.  It implements hw.Counter.  All
// roundtrips are serialized, so two operations are never in flight
// against the same crate.
type Device struct {
	pool *comm.Pool
	name string

	mu      sync.Mutex // serializes roundtrips
	trigMu  sync.Mutex // serializes whole trigger cycles
	limiter *rate.Limiter
}

// NewDevice returns a Device speaking TCP to addr.
func NewDevice(name, addr string) *Device {
	maker := comm.BackingOffTCPConnMaker(addr, timeout)
	return newDevice(name, maker)
}

// NewSerialDevice returns a Device speaking over the serial port
// described by conf.
func NewSerialDevice(name string, conf *serial.Config) *Device {
	return newDevice(name, comm.SerialConnMaker(conf))
}

func newDevice(name string, maker comm.CreationFunc) *Device {
	return &Device{
		pool:    comm.NewPool(1, 30*time.Second, maker),
		name:    name,
		limiter: rate.NewLimiter(rate.Every(pollInterval), 1),
	}
}

// Name implements hw.Counter.
func (d *Device) Name() string { return d.name }

// roundtrip sends one telegram and decodes the crate's reply.
func (d *Device) roundtrip(ctx context.Context, m message) (message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return message{}, err
	}

	conn, err := d.pool.Get()
	if err != nil {
		return message{}, err
	}
	defer func() { d.pool.ReturnWithError(conn, err) }()

	var wrap io.ReadWriter = conn
	w, terr := comm.NewTimeout(conn, timeout)
	switch terr {
	case nil:
		wrap = w
	case comm.ErrTimeoutUnsupported:
		// serial ports carry no deadlines; use them bare
	default:
		err = terr
		return message{}, err
	}
	_, err = wrap.Write(encodeFrame(m))
	if err != nil {
		return message{}, err
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return message{}, err
	}
	resp, err := decodeFrame(buf[:n])
	if err != nil {
		return message{}, err
	}
	if resp.Op == opNack {
		return resp, fmt.Errorf("scaler: %s rejected op %#x on register %#x", d.name, m.Op, m.Reg)
	}
	return resp, nil
}

// ReadReg reads a scalar register.
func (d *Device) ReadReg(ctx context.Context, reg uint16) (float64, error) {
	resp, err := d.roundtrip(ctx, message{Op: opRead, Reg: reg})
	if err != nil {
		return 0, err
	}
	return bytesFloat(resp.Data)
}

// WriteReg writes a scalar register.
func (d *Device) WriteReg(ctx context.Context, reg uint16, v float64) error {
	_, err := d.roundtrip(ctx, message{Op: opWrite, Reg: reg, Data: floatBytes(v)})
	return err
}

// EnumLabels reads the label enumeration behind reg.
func (d *Device) EnumLabels(ctx context.Context, reg uint16) ([]string, error) {
	resp, err := d.roundtrip(ctx, message{Op: opEnum, Reg: reg})
	if err != nil {
		return nil, err
	}
	return strings.Split(string(resp.Data), ","), nil
}

// Config implements hw.Counter.
func (d *Device) Config(ctx context.Context) (hw.CounterConfig, error) {
	var cfg hw.CounterConfig
	preset, err := d.ReadReg(ctx, regPreset)
	if err != nil {
		return cfg, err
	}
	delay, err := d.ReadReg(ctx, regDelay)
	if err != nil {
		return cfg, err
	}
	mode, err := d.ReadReg(ctx, regMode)
	if err != nil {
		return cfg, err
	}
	cfg.Preset = time.Duration(preset * float64(time.Second))
	cfg.Delay = time.Duration(delay * float64(time.Second))
	cfg.Mode = hw.CountMode(int(mode + 0.5))
	return cfg, nil
}

// Configure implements hw.Counter.
func (d *Device) Configure(ctx context.Context, cfg hw.CounterConfig) error {
	if err := d.WriteReg(ctx, regPreset, cfg.Preset.Seconds()); err != nil {
		return err
	}
	if err := d.WriteReg(ctx, regDelay, cfg.Delay.Seconds()); err != nil {
		return err
	}
	return d.WriteReg(ctx, regMode, float64(cfg.Mode))
}

// TriggerAndWait implements hw.Counter.  It arms the count, then polls
// the counting flag at a bounded rate until the crate reports done or
// ctx expires.  Whole trigger cycles are serialized; a second caller
// blocks until the first count completes.
func (d *Device) TriggerAndWait(ctx context.Context) error {
	d.trigMu.Lock()
	defer d.trigMu.Unlock()
	_, err := d.roundtrip(ctx, message{Op: opTrigger, Reg: regCounting})
	if err != nil {
		return err
	}
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		v, err := d.ReadReg(ctx, regCounting)
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
	}
}

// Elapsed implements hw.Counter.
func (d *Device) Elapsed(ctx context.Context) (float64, error) {
	return d.ReadReg(ctx, regElapsed)
}

// Channel returns a Setting backed by a crate register.
func (d *Device) Channel(reg uint16) hw.Setting {
	return regSetting{d: d, reg: reg}
}

// EnumChannel returns an EnumSetting backed by a crate register.
func (d *Device) EnumChannel(reg uint16) hw.EnumSetting {
	return regEnum{regSetting{d: d, reg: reg}}
}

type regSetting struct {
	d   *Device
	reg uint16
}

func (r regSetting) Get(ctx context.Context) (float64, error) {
	return r.d.ReadReg(ctx, r.reg)
}

func (r regSetting) Put(ctx context.Context, v float64) error {
	return r.d.WriteReg(ctx, r.reg, v)
}

type regEnum struct {
	regSetting
}

func (r regEnum) Labels(ctx context.Context) ([]string, error) {
	return r.d.EnumLabels(ctx, r.reg)
}
