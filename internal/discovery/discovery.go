// Package discovery advertises the LAN grade service over mDNS so devices
// on the school network can find it without typing an address.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	// Service is the DNS-SD service type of the grade service.
	Service = "_ecole-sync._tcp"
	Domain  = "local."
)

// Info is what a device needs to connect to a service instance.
type Info struct {
	Instance string
	DeviceID string
	School   string
	Port     int
	Version  string
}

// TXT encodes the instance metadata as DNS-SD text records.
func (i Info) TXT() []string {
	txt := []string{"path=/api", "version=" + i.Version}
	if i.DeviceID != "" {
		txt = append(txt, "device="+i.DeviceID)
	}
	if i.School != "" {
		txt = append(txt, "school="+i.School)
	}
	return txt
}

// Advertiser keeps a service registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
	log    zerolog.Logger
}

// Advertise registers the service on every multicast interface.
func Advertise(info Info, log zerolog.Logger) (*Advertiser, error) {
	if info.Port <= 0 {
		return nil, fmt.Errorf("invalid port %d", info.Port)
	}
	if info.Instance == "" {
		info.Instance = InstanceName()
	}
	server, err := zeroconf.Register(info.Instance, Service, Domain, info.Port, info.TXT(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", Service, err)
	}
	log = log.With().Str("component", "discovery").Logger()
	log.Info().Str("instance", info.Instance).Int("port", info.Port).Msg("advertising on LAN")
	return &Advertiser{server: server, log: log}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
	a.log.Debug().Msg("advertisement withdrawn")
}

// InstanceName returns "ecole-<hostname>".
func InstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "ecole"
	}
	host, _, _ = strings.Cut(host, ".")
	return "ecole-" + host
}

// Peer is a service instance found on the network.
type Peer struct {
	Instance string
	Addr     string // host:port
	DeviceID string
	School   string
}

// Browse collects the instances that answer before ctx is done.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse %s: %w", Service, err)
	}

	var peers []Peer
	for entry := range entries {
		if p, ok := peerOf(entry); ok {
			peers = append(peers, p)
		}
	}
	return peers, nil
}

func peerOf(e *zeroconf.ServiceEntry) (Peer, bool) {
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Peer{}, false
	}

	p := Peer{
		Instance: e.Instance,
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
	}
	for _, kv := range e.Text {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case "device":
			p.DeviceID = value
		case "school":
			p.School = value
		}
	}
	return p, true
}
