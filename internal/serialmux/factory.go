package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the serial device at path with opts.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	logf("opened %s at %d baud", path, mode.BaudRate)

	return NewSerialMux[serial.Port](port), nil
}

// ListPorts returns the serial device names present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
