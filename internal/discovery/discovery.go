// Package discovery advertises the coordinator on the local network over mDNS
// and finds other coordinators doing the same.
package discovery

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	DefaultService = "_collabtext._tcp"
	DefaultDomain  = "local."
)

type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Service  string `mapstructure:"service"`
	Domain   string `mapstructure:"domain"`
	Instance string `mapstructure:"instance"`
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Instance == "" {
		host, _ := os.Hostname()
		c.Instance = fmt.Sprintf("collabd-%s", host)
	}
	return c
}

// Peer is another coordinator found on the network.
type Peer struct {
	Instance string
	Host     string
	Port     int
	Addrs    []string
	Text     []string
}

func peerFromEntry(entry *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		Text:     entry.Text,
	}
	for _, ip := range entry.AddrIPv4 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	return p
}

// Advertiser keeps an mDNS registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
	cfg    Config
}

// Advertise registers the coordinator listening on port, with its version in
// the TXT record.
func Advertise(cfg Config, port int, version string) (*Advertiser, error) {
	cfg = cfg.withDefaults()
	txt := []string{"txtv=0", "version=" + version, "port=" + strconv.Itoa(port)}
	server, err := zeroconf.Register(cfg.Instance, cfg.Service, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", cfg.Service, err)
	}
	return &Advertiser{server: server, cfg: cfg}, nil
}

func (a *Advertiser) Instance() string { return a.cfg.Instance }

func (a *Advertiser) Shutdown() { a.server.Shutdown() }

// Browse reports peers until ctx is done. Our own instance is skipped.
func Browse(ctx context.Context, cfg Config, log zerolog.Logger, found func(Peer)) error {
	cfg = cfg.withDefaults()
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if entry.Instance == cfg.Instance {
				continue
			}
			peer := peerFromEntry(entry)
			log.Info().Str("peer", peer.Instance).Strs("addrs", peer.Addrs).Int("port", peer.Port).Msg("discovered coordinator")
			if found != nil {
				found(peer)
			}
		}
	}()

	if err := resolver.Browse(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		return fmt.Errorf("discovery: browse %s: %w", cfg.Service, err)
	}
	<-ctx.Done()
	return nil
}
