package worker

import (
	"errors"
	"net"
	"runtime"

	"github.com/crawlodeployer/fleet/internal/core"
)

var errNoAddress = errors.New("no non-loopback IPv4 address")

// LocalIP returns the first non-loopback IPv4 address of the host.
func LocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", errNoAddress
}

// LocalOS returns the NodeOS of the running binary.
func LocalOS() core.NodeOS {
	return core.ParseOS(runtime.GOOS)
}
