package main

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// guessIpAddress takes a base IP address and a partial address string,
// and fills in the missing octets from the base address.
func guessIpAddress(baseAddress net.IP, partialAddr string) (net.IP, error) {
	ip := make(net.IP, len(baseAddress))
	copy(ip, baseAddress)
	octets := strings.Split(partialAddr, ".")
	if len(octets) == 1 && octets[0] == "" {
		return ip, nil
	}
	if len(octets) > len(ip) {
		return net.IP{}, errors.Errorf("%s has too many octets", partialAddr)
	}
	for i := 0; i < len(octets); i++ {
		var octet byte
		_, err := fmt.Sscanf(octets[i], "%d", &octet)
		if err != nil {
			return net.IP{}, errors.Wrapf(err, "octet %q of %s", octets[i], partialAddr)
		}
		ip[len(ip)-len(octets)+i] = octet
	}
	return ip, nil
}

// subnetOfListener returns the IP network (CIDR) of the interface that contains
// the local address used by the provided TCP listener.
func subnetOfListener(l net.Listener) (net.IPNet, error) {
	tcpAddr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return net.IPNet{}, errors.New("listener is not TCP")
	}
	ip := tcpAddr.IP
	if ip == nil || ip.IsUnspecified() {
		return net.IPNet{}, errors.Errorf("listener has unspecified IP %v", ip)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return net.IPNet{}, errors.Wrap(err, "listing interfaces")
	}
	for _, ifi := range ifaces {
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			var ipnet *net.IPNet
			switch v := a.(type) {
			case *net.IPNet:
				ipnet = v
			case *net.IPAddr:
				ipnet = &net.IPNet{IP: v.IP, Mask: v.IP.DefaultMask()}
			default:
				continue
			}
			if ipnet == nil {
				continue
			}
			if ipnet.Contains(ip) || ipnet.IP.Equal(ip) {
				return *ipnet, nil
			}
		}
	}
	return net.IPNet{}, errors.Errorf("no interface found for ip %v", ip)
}

// splitHostPort splits an address into host and port, using defaultPort if no port is specified.
func splitHostPort(addr string, defaultPort int) (string, string, error) {
	ipaddr, port, err := net.SplitHostPort(addr)
	if err != nil {
		addr = addr + ":" + strconv.Itoa(defaultPort)
		ipaddr, port, err = net.SplitHostPort(addr)
		if err != nil {
			return "", "", errors.Wrapf(err, "invalid address %s", addr)
		}
	}
	return ipaddr, port, nil
}

// completeAddresses turns the peer list given on the command line into
// full addresses. Partial IPs are completed with the octets of the local
// listener and missing ports default to defaultPort. Host names are kept
// as they are.
func completeAddresses(l net.Listener, peers []string, defaultPort int, logger *slog.Logger) ([]string, error) {
	local, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return nil, errors.New("listener is not TCP")
	}
	base := local.IP.To4()
	if base == nil {
		base = net.IPv4(127, 0, 0, 1).To4()
	}
	subnet, subnetErr := subnetOfListener(l)

	addresses := make([]string, len(peers))
	for i, peer := range peers {
		host, port, err := splitHostPort(strings.TrimSpace(peer), defaultPort)
		if err != nil {
			return nil, err
		}
		if host != "" && net.ParseIP(host) == nil && strings.Trim(host, "0123456789.") != "" {
			addresses[i] = net.JoinHostPort(host, port)
			continue
		}
		ip, err := guessIpAddress(base, host)
		if err != nil {
			return nil, err
		}
		if subnetErr == nil && !subnet.Contains(ip) {
			logger.Warn("peer outside of the local subnet", "peer", i, "address", ip.String(), "subnet", subnet.String())
		}
		addresses[i] = net.JoinHostPort(ip.String(), port)
	}
	return addresses, nil
}
