package redis

import (
	"fmt"
	"net"

	"github.com/votong/wsbridge/internal/domain"
)

// Host is the identity of this node: the field it owns in the client-count hash and
// the name of its private pub/sub channel.
type Host struct {
	id     string
	prefix string
}

var _ domain.HostIdentity = (*Host)(nil)

// NewHost uses hostID when set, otherwise the first non-loopback IPv4 address.
func NewHost(hostID, channelPrefix string) (*Host, error) {
	if hostID == "" {
		ip, err := LocalIPv4()
		if err != nil {
			return nil, err
		}
		hostID = ip
	}
	return &Host{id: hostID, prefix: channelPrefix}, nil
}

func (h *Host) LocalHostID() string {
	return h.id
}

func (h *Host) PrivateChannelName() string {
	return h.prefix + h.id
}

// LocalIPv4 returns the first non-loopback IPv4 address of this machine.
func LocalIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to list interface addresses: %w", err)
	}
	if ip := firstIPv4(addrs); ip != "" {
		return ip, nil
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}

func firstIPv4(addrs []net.Addr) string {
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
