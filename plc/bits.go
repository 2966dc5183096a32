package plc

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Bit addresses one bit of a DB as byte.bit.
type Bit struct {
	Byte int
	Bit  int
}

func (b Bit) String() string { return fmt.Sprintf("%d.%d", b.Byte, b.Bit) }

// ParseBitAddr parses "byte.bit" and checks that a field of size bits
// starting there stays inside the byte.
func ParseBitAddr(addr string, size int) (Bit, error) {
	byteStr, bitStr, ok := strings.Cut(strings.TrimSpace(addr), ".")
	if !ok {
		return Bit{}, fmt.Errorf("%w: %q is not byte.bit", ErrInvalidBitAddress, addr)
	}
	by, err := strconv.Atoi(byteStr)
	if err != nil || by < 0 {
		return Bit{}, fmt.Errorf("%w: byte in %q", ErrInvalidBitAddress, addr)
	}
	bit, err := strconv.Atoi(bitStr)
	if err != nil || bit < 0 || bit > 7 {
		return Bit{}, fmt.Errorf("%w: bit in %q", ErrInvalidBitAddress, addr)
	}
	if size < 1 || size > 8 || bit+size > 8 {
		return Bit{}, fmt.Errorf("%w: %d bits at %s cross the byte", ErrInvalidBitAddress, size, addr)
	}
	return Bit{Byte: by, Bit: bit}, nil
}

func fieldMask(b Bit, size int) byte {
	return byte((1<<size)-1) << b.Bit
}

// ReadBit returns the size-bit field at addr as 0..2^size-1.
func (c *Client) ReadBit(ctx context.Context, db int, addr string, size int) (int, error) {
	b, err := ParseBitAddr(addr, size)
	if err != nil {
		return 0, err
	}
	buf, err := c.ReadDB(ctx, db, b.Byte, 1)
	if err != nil {
		return 0, err
	}
	return int(buf[0]&fieldMask(b, size)) >> b.Bit, nil
}

// WriteBit read-modify-writes the containing byte in one wire slot,
// leaving the other bits as they were.
func (c *Client) WriteBit(ctx context.Context, db int, addr string, value, size int) error {
	b, err := ParseBitAddr(addr, size)
	if err != nil {
		return err
	}
	if value < 0 || value >= 1<<size {
		return fmt.Errorf("%w: %d in %d bits", ErrValueOutOfRange, value, size)
	}
	mask := fieldMask(b, size)
	return c.submit(ctx, false, func(d Driver) error {
		buf, err := d.ReadDB(db, b.Byte, 1)
		if err != nil {
			return err
		}
		next := buf[0]&^mask | byte(value<<b.Bit)&mask
		return c.writeJob(d, db, b.Byte, []byte{next})
	})
}

func (c *Client) ReadWord(ctx context.Context, db, offset int) (uint16, error) {
	buf, err := c.ReadDB(ctx, db, offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (c *Client) WriteWord(ctx context.Context, db, offset int, v uint16) error {
	return c.WriteDB(ctx, db, offset, binary.BigEndian.AppendUint16(nil, v))
}

// Watch polls the bit field until it equals target. It returns nil on a
// match, ErrReadTimeout when ctx's deadline passes and the context cause
// when ctx is cancelled.
func (c *Client) Watch(ctx context.Context, db int, addr string, size, target int, poll time.Duration) error {
	if _, err := ParseBitAddr(addr, size); err != nil {
		return err
	}
	return c.poll(ctx, poll, func() (bool, error) {
		v, err := c.ReadBit(ctx, db, addr, size)
		return v == target, err
	})
}

// WaitBitChange is Watch on a single bit with its own deadline.
func (c *Client) WaitBitChange(ctx context.Context, db int, addr string, target int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Watch(ctx, db, addr, 1, target, c.opts.PollInterval)
}

// WatchWord polls a word until it equals target.
func (c *Client) WatchWord(ctx context.Context, db, offset int, target uint16, poll time.Duration) error {
	return c.poll(ctx, poll, func() (bool, error) {
		v, err := c.ReadWord(ctx, db, offset)
		return v == target, err
	})
}

// poll runs check now and then on every tick until it matches or fails.
// The wire is free between ticks.
func (c *Client) poll(ctx context.Context, interval time.Duration, check func() (bool, error)) error {
	if interval <= 0 {
		interval = c.opts.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return waitErr(ctx)
		case <-ticker.C:
		}
	}
}
