//go:build !linux

package v4l2

import "time"

// Device is unavailable off Linux.
type Device struct{}

func Open(path string) (*Device, error) {
	return nil, ErrUnsupported
}

func (dev *Device) Configure(cfg Config) (Format, error)                     { return Format{}, ErrUnsupported }
func (dev *Device) Start() error                                             { return ErrUnsupported }
func (dev *Device) Stop() error                                              { return ErrUnsupported }
func (dev *Device) Close() error                                             { return ErrUnsupported }
func (dev *Device) ReadFrame(dst []byte, timeout time.Duration) (int, error) { return 0, ErrUnsupported }
