package plc

import (
	"context"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

// ModbusDriver reaches the PLC through a Modbus/TCP gateway. Each DB is a
// window of holding registers starting at a configured base register; DB
// byte n is the high byte of register base+n/2 when n is even and the low
// byte otherwise.
type ModbusDriver struct {
	addr    string
	unitID  uint8
	timeout time.Duration
	windows map[int]uint16

	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func NewModbusDriver(addr string, unitID int, windows map[int]uint16, timeout time.Duration) *ModbusDriver {
	return &ModbusDriver{addr: addr, unitID: uint8(unitID), windows: windows, timeout: timeout}
}

func (d *ModbusDriver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := modbus.NewTCPClientHandler(d.addr)
	h.Timeout = d.timeout
	h.SlaveId = d.unitID
	if err := h.Connect(); err != nil {
		return fmt.Errorf("modbus connect %s: %w", d.addr, err)
	}
	d.handler = h
	d.client = modbus.NewClient(h)
	return nil
}

func (d *ModbusDriver) Close() error {
	if d.handler == nil {
		return nil
	}
	err := d.handler.Close()
	d.handler = nil
	d.client = nil
	return err
}

// span returns the first register and register count covering the bytes
// [start, start+size).
func (d *ModbusDriver) span(db, start, size int) (uint16, uint16, error) {
	base, ok := d.windows[db]
	if !ok {
		return 0, 0, fmt.Errorf("%w: DB%d has no register window", ErrOutOfRange, db)
	}
	if start < 0 || size <= 0 {
		return 0, 0, fmt.Errorf("%w: DB%d.%d[%d]", ErrOutOfRange, db, start, size)
	}
	first := start / 2
	last := (start + size - 1) / 2
	if int(base)+last > 0xFFFF || last-first+1 > 125 {
		return 0, 0, fmt.Errorf("%w: DB%d.%d[%d]", ErrOutOfRange, db, start, size)
	}
	return base + uint16(first), uint16(last - first + 1), nil
}

func (d *ModbusDriver) ReadDB(db, start, size int) ([]byte, error) {
	if d.client == nil {
		return nil, ErrNotConnected
	}
	reg, qty, err := d.span(db, start, size)
	if err != nil {
		return nil, err
	}
	raw, err := d.client.ReadHoldingRegisters(reg, qty)
	if err != nil {
		return nil, fmt.Errorf("modbus read DB%d.%d[%d]: %w", db, start, size, err)
	}
	off := start % 2
	if len(raw) < off+size {
		return nil, fmt.Errorf("modbus read DB%d.%d: short response %d bytes", db, start, len(raw))
	}
	return raw[off : off+size], nil
}

// WriteDB writes whole registers. A write that starts or ends in the middle
// of a register reads the register first and patches the requested bytes.
func (d *ModbusDriver) WriteDB(db, start int, data []byte) error {
	if d.client == nil {
		return ErrNotConnected
	}
	reg, qty, err := d.span(db, start, len(data))
	if err != nil {
		return err
	}
	off := start % 2
	buf := data
	if off != 0 || (off+len(data))%2 != 0 {
		cur, err := d.client.ReadHoldingRegisters(reg, qty)
		if err != nil {
			return fmt.Errorf("modbus patch read DB%d.%d: %w", db, start, err)
		}
		buf = append([]byte(nil), cur...)
		copy(buf[off:], data)
	}
	if _, err := d.client.WriteMultipleRegisters(reg, qty, buf); err != nil {
		return fmt.Errorf("modbus write DB%d.%d[%d]: %w", db, start, len(data), err)
	}
	return nil
}

func (d *ModbusDriver) Ping() error {
	if d.client == nil {
		return ErrNotConnected
	}
	for _, base := range d.windows {
		_, err := d.client.ReadHoldingRegisters(base, 1)
		return err
	}
	return nil
}

func (d *ModbusDriver) CPUInfo() (string, error) {
	if d.client == nil {
		return "", ErrNotConnected
	}
	return fmt.Sprintf("modbus gateway %s unit %d", d.addr, d.unitID), nil
}
