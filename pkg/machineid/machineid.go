// Package machineid derives the stable device fingerprint echoed to the
// upstream on every call.
package machineid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
)

// Derive returns a hex SHA-256 over hostname, platform and the first
// non-loopback MAC address ("no-mac" when the host has none). The value is
// computed once per credential that lacks one and never recomputed, so the
// inputs only need to be stable between process restarts on one host.
func Derive() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("reading hostname: %w", err)
	}

	mac := firstMAC()
	sum := sha256.Sum256([]byte(hostname + "-" + runtime.GOOS + "-" + mac))
	return hex.EncodeToString(sum[:]), nil
}

func firstMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "no-mac"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if hw := iface.HardwareAddr.String(); hw != "" {
			return hw
		}
	}
	return "no-mac"
}
