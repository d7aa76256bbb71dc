// Package memconsole exposes read-only physical memory diagnostics
// over HTTP/3. It consumes the manager's snapshot API only; nothing
// served here can mutate allocator state.
package memconsole

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	http3 "github.com/quic-go/quic-go/http3"

	"github.com/nimbus-os/nimbus/internal/pmm"
)

// Server serves memory diagnostics for one manager instance.
type Server struct {
	srv   *http3.Server
	pc    net.PacketConn
	addr  string
	close func() error
}

// New creates a console bound to addr for the given manager.
func New(addr string, tlsCfg *tls.Config, pm *pmm.PhysicalMemoryManager) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := pm.DumpStats()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, stats)
	})
	mux.HandleFunc("/api/zones", func(w http.ResponseWriter, r *http.Request) {
		zones, err := pm.DumpZones()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, zones)
	})
	mux.HandleFunc("/api/pressure", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"under_pressure": pm.IsUnderPressure()})
	})

	return &Server{
		srv:  &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: mux},
		addr: addr,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, pmm.ErrNotInitialized) {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

// Start binds the UDP socket and begins serving. Binding to port 0
// picks an ephemeral port; the returned address is the one actually
// bound.
func (s *Server) Start() (string, error) {
	var err error
	s.pc, err = net.ListenPacket("udp", s.addr)
	if err != nil {
		return "", err
	}
	realAddr := s.pc.LocalAddr().String()
	done := make(chan struct{})
	go func() {
		_ = s.srv.Serve(s.pc)
		close(done)
	}()
	s.close = func() error {
		_ = s.pc.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
	return realAddr, nil
}

// Stop closes the socket and waits briefly for the serve loop to exit.
func (s *Server) Stop() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}
