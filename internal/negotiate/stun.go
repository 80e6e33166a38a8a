package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun"
	"github.com/sheerbytes/peerdrop/internal/transport"
)

// ErrNoReflexiveAddress is returned when no STUN server answered.
var ErrNoReflexiveAddress = errors.New("no server-reflexive address found")

const stunReadTimeout = 500 * time.Millisecond

// DiscoverReflexive asks the STUN servers for this host's server-reflexive address and
// returns the first one learned. Servers may be given as "host:port" or
// "stun:host:port".
func DiscoverReflexive(ctx context.Context, servers []string, logger *slog.Logger) (*net.UDPAddr, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed to open STUN socket: %w", err)
	}
	defer conn.Close()

	for _, server := range servers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		addrs, err := resolveStunAddrs(ctx, strings.TrimPrefix(server, "stun:"))
		if err != nil {
			logger.Warn("invalid STUN server", "server", server, "error", err)
			continue
		}
		for _, addr := range addrs {
			mapped, err := bindingRequest(ctx, conn, addr)
			if err != nil {
				logger.Debug("STUN request failed", "server", addr.String(), "error", err)
				continue
			}
			logger.Info("public address resolved", "addr", mapped.String(), "server", server)
			return mapped, nil
		}
	}
	return nil, ErrNoReflexiveAddress
}

func bindingRequest(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr) (*net.UDPAddr, error) {
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteToUDP(req.Raw, server); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(stunReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		// Late answers to an earlier server carry another transaction id.
		if res.TransactionID != req.TransactionID {
			continue
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res); err == nil {
			return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
		}
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(res); err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
}

func resolveStunAddrs(ctx context.Context, addrStr string) ([]*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			return nil, err
		}
		return []*net.UDPAddr{addr}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs for %s", host)
	}
	addrs := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		// The STUN socket is IPv4 or dual stack; skip zone-scoped addresses.
		if ip.Zone != "" {
			continue
		}
		addrs = append(addrs, &net.UDPAddr{IP: ip.IP, Port: port})
	}
	return addrs, nil
}

// ChooseMode resolves the configured mode to a concrete transport mode.
// "auto" picks direct when a STUN server reports a reflexive address.
func ChooseMode(ctx context.Context, mode string, servers []string, logger *slog.Logger) transport.Mode {
	switch mode {
	case "direct":
		return transport.Direct
	case "auto":
		if _, err := DiscoverReflexive(ctx, servers, logger); err != nil {
			if logger != nil {
				logger.Info("falling back to relayed mode", "error", err)
			}
			return transport.Relayed
		}
		return transport.Direct
	default:
		return transport.Relayed
	}
}
