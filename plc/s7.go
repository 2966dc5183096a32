package plc

import (
	"context"
	"fmt"
	"time"

	"github.com/robinson/gos7"
)

// S7Driver speaks ISO-on-TCP to a Siemens S7 controller.
type S7Driver struct {
	addr    string
	rack    int
	slot    int
	timeout time.Duration

	handler *gos7.TCPClientHandler
	client  gos7.Client
}

func NewS7Driver(addr string, rack, slot int, timeout time.Duration) *S7Driver {
	return &S7Driver{addr: addr, rack: rack, slot: slot, timeout: timeout}
}

func (d *S7Driver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := gos7.NewTCPClientHandler(d.addr, d.rack, d.slot)
	h.Timeout = d.timeout
	h.IdleTimeout = 0
	if err := h.Connect(); err != nil {
		return fmt.Errorf("s7 connect %s (rack %d slot %d): %w", d.addr, d.rack, d.slot, err)
	}
	d.handler = h
	d.client = gos7.NewClient(h)
	return nil
}

func (d *S7Driver) Close() error {
	if d.handler == nil {
		return nil
	}
	err := d.handler.Close()
	d.handler = nil
	d.client = nil
	return err
}

func (d *S7Driver) ReadDB(db, start, size int) ([]byte, error) {
	if d.client == nil {
		return nil, ErrNotConnected
	}
	buf := make([]byte, size)
	if err := d.client.AGReadDB(db, start, size, buf); err != nil {
		return nil, fmt.Errorf("s7 read DB%d.%d[%d]: %w", db, start, size, err)
	}
	return buf, nil
}

func (d *S7Driver) WriteDB(db, start int, data []byte) error {
	if d.client == nil {
		return ErrNotConnected
	}
	if err := d.client.AGWriteDB(db, start, len(data), data); err != nil {
		return fmt.Errorf("s7 write DB%d.%d[%d]: %w", db, start, len(data), err)
	}
	return nil
}

func (d *S7Driver) Ping() error {
	if d.client == nil {
		return ErrNotConnected
	}
	_, err := d.client.PLCGetStatus()
	return err
}

func (d *S7Driver) CPUInfo() (string, error) {
	if d.client == nil {
		return "", ErrNotConnected
	}
	info, err := d.client.GetCPUInfo()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (serial %s)", info.ModuleTypeName, info.SerialNumber), nil
}
