package redis

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHost_ConfiguredID(t *testing.T) {
	h, err := NewHost("node-7", "websocket:host:")
	require.NoError(t, err)

	assert.Equal(t, "node-7", h.LocalHostID())
	assert.Equal(t, "websocket:host:node-7", h.PrivateChannelName())
}

func TestHost_LookupsAreStable(t *testing.T) {
	h, err := NewHost("10.1.2.3", "private:")
	require.NoError(t, err)

	assert.Equal(t, h.LocalHostID(), h.LocalHostID())
	assert.Equal(t, h.PrivateChannelName(), h.PrivateChannelName())
}

func TestFirstIPv4(t *testing.T) {
	mustCIDR := func(s string) net.Addr {
		ip, ipnet, err := net.ParseCIDR(s)
		require.NoError(t, err)
		ipnet.IP = ip
		return ipnet
	}

	tests := []struct {
		name  string
		addrs []net.Addr
		want  string
	}{
		{
			name:  "skips loopback",
			addrs: []net.Addr{mustCIDR("127.0.0.1/8"), mustCIDR("192.168.1.20/24")},
			want:  "192.168.1.20",
		},
		{
			name:  "skips ipv6",
			addrs: []net.Addr{mustCIDR("fe80::1/64"), mustCIDR("10.0.0.5/8")},
			want:  "10.0.0.5",
		},
		{
			name:  "only loopback",
			addrs: []net.Addr{mustCIDR("127.0.0.1/8"), mustCIDR("::1/128")},
			want:  "",
		},
		{
			name:  "non ipnet ignored",
			addrs: []net.Addr{&net.TCPAddr{IP: net.ParseIP("10.9.9.9")}},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, firstIPv4(tt.addrs))
		})
	}
}
