package qemu

import (
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/vm"
)

// NetworkConfig is the user-mode (SLIRP) network a guest sees.
type NetworkConfig struct {
	NetworkCIDR string
	Gateway     string
	DNS         string
	DHCPStart   string
}

// DeriveNetwork builds the guest's /24 around its allocated address. The
// gateway is .1 and DNS .2; when the guest address would collide with them
// the DHCP range starts at .10 instead.
func DeriveNetwork(guestAddress string) (NetworkConfig, error) {
	ip, err := vm.ValidateIP(guestAddress)
	if err != nil {
		return NetworkConfig{}, errors.Errorf("deriving guest network: %w", err)
	}

	parts := strings.Split(ip, ".")
	prefix := strings.Join(parts[:3], ".")

	dhcpStart := ip
	if last, _ := strconv.Atoi(parts[3]); last <= 2 {
		dhcpStart = prefix + ".10"
	}

	return NetworkConfig{
		NetworkCIDR: prefix + ".0/24",
		Gateway:     prefix + ".1",
		DNS:         prefix + ".2",
		DHCPStart:   dhcpStart,
	}, nil
}

// NetdevOptions renders the options appended to a user netdev.
func (n NetworkConfig) NetdevOptions() string {
	return fmt.Sprintf("net=%s,host=%s,dns=%s,dhcpstart=%s", n.NetworkCIDR, n.Gateway, n.DNS, n.DHCPStart)
}
