// Package devio is the boundary to the device I/O layer that polls field
// devices and writes commands back to hardware. The engine fires writes and
// does not wait for delivery; retry and backoff are the I/O layer's policy.
package devio

import (
	"time"

	"github.com/google/uuid"

	"github.com/softpoint/logicd/internal/vals"
)

// Gateway is what the Modbus/S7 polling layer implements.
type Gateway interface {
	ReadPoint(id uuid.UUID) (value float64, t time.Time, err error)
	// WritePoint holds the written value against the polled value for the
	// given duration before the device reverts to its own reading; zero
	// duration means a plain one-shot write.
	WritePoint(id uuid.UUID, value float64, t time.Time, hold time.Duration) error
}

// Loopback is an in-memory gateway backed by the value store, used in tests
// and simulation runs without hardware attached.
type Loopback struct {
	Store *vals.Store
}

func (l Loopback) ReadPoint(id uuid.UUID) (float64, time.Time, error) {
	vqt, err := l.Store.Read(vals.PointRef(id))
	if err != nil {
		return 0, time.Time{}, err
	}
	return vqt.Value, vqt.Time, nil
}

func (l Loopback) WritePoint(id uuid.UUID, value float64, t time.Time, _ time.Duration) error {
	return l.Store.Write(vals.PointRef(id), value, t)
}
