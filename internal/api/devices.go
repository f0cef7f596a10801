package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/banshee-data/calibrix/internal/httputil"
)

// SerialDeviceInfo describes one serial port found on the host.
type SerialDeviceInfo struct {
	PortPath     string `json:"port_path"`
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleSerialDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ports, err := s.listPorts()
	if err != nil {
		logf("error enumerating serial ports: %v", err)
		httputil.InternalServerError(w, "failed to enumerate serial ports")
		return
	}
	devices := make([]SerialDeviceInfo, 0, len(ports))
	for _, p := range ports {
		devices = append(devices, SerialDeviceInfo{PortPath: p, FriendlyName: friendlyName(p)})
	}
	httputil.WriteJSONOK(w, devices)
}

// friendlyName labels the device kinds sensors are usually attached with.
func friendlyName(portPath string) string {
	name := filepath.Base(portPath)
	switch {
	case strings.HasPrefix(name, "ttyUSB"):
		return fmt.Sprintf("USB Serial Adapter (%s)", name)
	case strings.HasPrefix(name, "ttyACM"):
		return fmt.Sprintf("USB CDC Device (%s)", name)
	case strings.HasPrefix(name, "ttyAMA"):
		return fmt.Sprintf("Raspberry Pi Serial (%s)", name)
	default:
		return name
	}
}
