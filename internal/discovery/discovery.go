// Package discovery derives display ids and URLs for devices and formats the
// device table.
package discovery

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/connector"
)

// hostnamePrefix is the length of the "cpy-" prefix device hostnames carry.
const hostnamePrefix = 4

// tableWidth is the width of the device table rules.
const tableWidth = 90

// IDStrategy derives a registry key from a device identity.
type IDStrategy func(identity connector.Identity) string

// FromHostname drops the hostname prefix: cpy-abcd1234 becomes abcd1234.
func FromHostname(identity connector.Identity) string {
	return DisplayID(identity.Hostname)
}

// FromUID uses the UID field, falling back to the hostname when the
// firmware does not report one.
func FromUID(identity connector.Identity) string {
	if uid := strings.TrimSpace(identity.UID); uid != "" {
		return uid
	}
	return FromHostname(identity)
}

// ParseStrategy maps a flag value to a strategy.
func ParseStrategy(name string) (IDStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "hostname":
		return FromHostname, nil
	case "uid":
		return FromUID, nil
	default:
		return nil, errors.Errorf("unknown device id strategy %q (must be hostname or uid)", name)
	}
}

// DisplayID strips the fixed hostname prefix. Hostnames too short to carry
// one are returned unchanged.
func DisplayID(hostname string) string {
	if len(hostname) <= hostnamePrefix {
		return hostname
	}
	return hostname[hostnamePrefix:]
}

// DeviceURL is the registry URL for a hostname.
func DeviceURL(hostname string) string {
	return fmt.Sprintf("http://%s.local", hostname)
}

// PeerURL is the display URL for a discovered peer.
func PeerURL(hostname string) string {
	return DeviceURL(hostname) + "/"
}

// Row is one line of the device table.
type Row struct {
	ID   string
	Name string
	URL  string
	IP   string
}

// PeerRow builds the table row for a discovered peer.
func PeerRow(p connector.Peer) Row {
	return Row{
		ID:   DisplayID(p.Hostname),
		Name: p.InstanceName,
		URL:  PeerURL(p.Hostname),
		IP:   p.IP,
	}
}

// Table renders the connected device followed by its peers.
func Table(self Row, peers []connector.Peer) []string {
	lines := []string{
		"\n" + center(" Devices ", '=', tableWidth),
		fmt.Sprintf("%-30s %-10s %-20s %-30s", "Name", "ID", "IP Address", "URL"),
		strings.Repeat("-", tableWidth),
		formatRow(self),
	}
	for _, p := range peers {
		lines = append(lines, formatRow(PeerRow(p)))
	}
	lines = append(lines, strings.Repeat("=", tableWidth))
	return lines
}

func formatRow(r Row) string {
	return fmt.Sprintf("%-30s %-10s %-20s %s", r.Name, r.ID, r.IP, r.URL)
}

// center pads s with fill to width, putting the odd pad on the right.
func center(s string, fill byte, width int) string {
	pad := width - len(s)
	if pad <= 0 {
		return s
	}
	left := pad / 2
	return strings.Repeat(string(fill), left) + s + strings.Repeat(string(fill), pad-left)
}
