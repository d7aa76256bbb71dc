package memconsole

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	http3 "github.com/quic-go/quic-go/http3"

	"github.com/nimbus-os/nimbus/internal/pmm"
)

// NewClient returns an http.Client speaking HTTP/3, configured for the
// console's self-signed development certificates when insecure is set.
func NewClient(insecure bool, timeout time.Duration) *http.Client {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS13}
	if insecure {
		tlsCfg.InsecureSkipVerify = true
	}
	return &http.Client{
		Transport: &http3.Transport{TLSClientConfig: tlsCfg},
		Timeout:   timeout,
	}
}

// CloseClient shuts the HTTP/3 transport down.
func CloseClient(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}

// FetchStats retrieves the global statistics snapshot from a console at
// addr (host:port).
func FetchStats(c *http.Client, addr string) (pmm.StatsSnapshot, error) {
	var stats pmm.StatsSnapshot
	if err := fetch(c, addr, "/api/stats", &stats); err != nil {
		return pmm.StatsSnapshot{}, err
	}
	return stats, nil
}

// FetchZones retrieves the per-zone snapshots from a console at addr.
func FetchZones(c *http.Client, addr string) ([]pmm.ZoneSnapshot, error) {
	var zones []pmm.ZoneSnapshot
	if err := fetch(c, addr, "/api/zones", &zones); err != nil {
		return nil, err
	}
	return zones, nil
}

func fetch(c *http.Client, addr, path string, v interface{}) error {
	resp, err := c.Get("https://" + addr + path)
	if err != nil {
		return fmt.Errorf("memconsole: fetching %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("memconsole: %s returned %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("memconsole: decoding %s: %w", path, err)
	}
	return nil
}
