package plc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var errMockFailure = errors.New("mock plc failure")

// MockDriver keeps DB bytes in memory. Tests and use_mock mode drive it
// directly; write hooks let a simulator react to commands.
type MockDriver struct {
	mu         sync.Mutex
	dbs        map[int][]byte
	connected  bool
	connectErr error
	pingErr    error
	failOps    int
	corrupt    bool
	onWrite    []func(db, start int, data []byte)
	onRead     []func(db, start, size int)
	reads      int
	writes     int
}

func NewMockDriver() *MockDriver {
	return &MockDriver{dbs: make(map[int][]byte)}
}

func (m *MockDriver) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *MockDriver) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) region(db, end int) []byte {
	buf := m.dbs[db]
	if len(buf) < end {
		grown := make([]byte, end)
		copy(grown, buf)
		m.dbs[db] = grown
		buf = grown
	}
	return buf
}

// fail consumes one injected failure. Caller holds mu.
func (m *MockDriver) fail() error {
	if !m.connected {
		return ErrNotConnected
	}
	if m.failOps > 0 {
		m.failOps--
		return errMockFailure
	}
	return nil
}

func (m *MockDriver) ReadDB(db, start, size int) ([]byte, error) {
	if start < 0 || size <= 0 {
		return nil, fmt.Errorf("%w: DB%d.%d[%d]", ErrOutOfRange, db, start, size)
	}
	m.mu.Lock()
	if err := m.fail(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.reads++
	buf := m.region(db, start+size)
	out := append([]byte(nil), buf[start:start+size]...)
	hooks := append([]func(int, int, int){}, m.onRead...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(db, start, size)
	}
	return out, nil
}

func (m *MockDriver) WriteDB(db, start int, data []byte) error {
	if start < 0 || len(data) == 0 {
		return fmt.Errorf("%w: DB%d.%d[%d]", ErrOutOfRange, db, start, len(data))
	}
	m.mu.Lock()
	if err := m.fail(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.writes++
	buf := m.region(db, start+len(data))
	copy(buf[start:], data)
	if m.corrupt {
		buf[start] ^= 0xFF
	}
	hooks := append([]func(int, int, []byte){}, m.onWrite...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(db, start, append([]byte(nil), data...))
	}
	return nil
}

func (m *MockDriver) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	return m.pingErr
}

func (m *MockDriver) CPUInfo() (string, error) {
	return "mock CPU", nil
}

// OnWrite registers fn to run after every successful driver write.
func (m *MockDriver) OnWrite(fn func(db, start int, data []byte)) {
	m.mu.Lock()
	m.onWrite = append(m.onWrite, fn)
	m.mu.Unlock()
}

// OnRead registers fn to run after every successful driver read.
func (m *MockDriver) OnRead(fn func(db, start, size int)) {
	m.mu.Lock()
	m.onRead = append(m.onRead, fn)
	m.mu.Unlock()
}

// FailNext makes the next n reads or writes fail.
func (m *MockDriver) FailNext(n int) {
	m.mu.Lock()
	m.failOps = n
	m.mu.Unlock()
}

// SetConnectError makes Connect fail with err; nil restores it.
func (m *MockDriver) SetConnectError(err error) {
	m.mu.Lock()
	m.connectErr = err
	m.mu.Unlock()
}

// SetPingError makes Ping fail with err; nil restores it.
func (m *MockDriver) SetPingError(err error) {
	m.mu.Lock()
	m.pingErr = err
	m.mu.Unlock()
}

// CorruptWrites flips the first byte of each write after storing it.
func (m *MockDriver) CorruptWrites(on bool) {
	m.mu.Lock()
	m.corrupt = on
	m.mu.Unlock()
}

// Peek returns a copy of DB bytes without counting as a wire read.
func (m *MockDriver) Peek(db, start, size int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.region(db, start+size)
	return append([]byte(nil), buf[start:start+size]...)
}

// Poke stores bytes without running write hooks.
func (m *MockDriver) Poke(db, start int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.region(db, start+len(data))[start:], data)
}

// SetBit sets or clears one bit without running write hooks.
func (m *MockDriver) SetBit(db int, b Bit, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.region(db, b.Byte+1)
	if on {
		buf[b.Byte] |= 1 << b.Bit
	} else {
		buf[b.Byte] &^= 1 << b.Bit
	}
}

func (m *MockDriver) GetBit(db int, b Bit) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.region(db, b.Byte+1)[b.Byte]&(1<<b.Bit) != 0
}

func (m *MockDriver) SetWord(db, offset int, v uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.BigEndian.PutUint16(m.region(db, offset+2)[offset:], v)
}

func (m *MockDriver) GetWord(db, offset int) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.BigEndian.Uint16(m.region(db, offset+2)[offset:])
}

// Counts returns the number of wire reads and writes served.
func (m *MockDriver) Counts() (reads, writes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads, m.writes
}
