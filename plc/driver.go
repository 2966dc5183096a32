// Package plc talks to the lift PLC: wire drivers, a connection-owning
// client with reconnect and bit-level I/O, and the lift DB layout.
package plc

import (
	"context"
	"errors"
)

var (
	ErrNotConnected       = errors.New("plc not connected")
	ErrInvalidBitAddress  = errors.New("invalid bit address")
	ErrValueOutOfRange    = errors.New("value does not fit bit field")
	ErrReadTimeout        = errors.New("plc read timeout")
	ErrWriteVerifyFailed  = errors.New("plc write verify failed")
	ErrReconnectExhausted = errors.New("plc reconnect attempts exhausted")
	ErrOutOfRange         = errors.New("db access out of range")
)

// Driver is one wire protocol to the PLC. Implementations are not safe for
// concurrent use; Client serializes every call.
type Driver interface {
	Connect(ctx context.Context) error
	Close() error
	ReadDB(db, start, size int) ([]byte, error)
	WriteDB(db, start int, data []byte) error
	// Ping is a cheap liveness check used before retrying a failed call.
	Ping() error
	// CPUInfo describes the controller; used to validate a fresh connection.
	CPUInfo() (string, error)
}
