// Package discovery advertises relay servers on the local network over
// mDNS and finds them again.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_tandem._tcp"
	Domain  = "local."
)

// Server is one advertised relay.
type Server struct {
	Instance string
	Host     string
	Addr     string
	Port     int
	Version  string
}

// URL is the websocket base URL of the server.
func (s Server) URL() string {
	host := s.Addr
	if host == "" {
		host = strings.TrimSuffix(s.Host, ".")
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers the server under the host name until Shutdown.
func Advertise(port int, version string) (*Advertisement, error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	srv, err := zeroconf.Register(
		fmt.Sprintf("tandem-%s", host),
		Service,
		Domain,
		port,
		[]string{"txtv=1", "version=" + version},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertisement{server: srv}, nil
}

func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// Browse collects servers until ctx is done.
func Browse(ctx context.Context) ([]Server, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initialize mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Server)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				s := fromEntry(e)
				found[s.Instance] = s
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	<-collected

	servers := make([]Server, 0, len(found))
	for _, s := range found {
		servers = append(servers, s)
	}
	slices.SortFunc(servers, func(a, b Server) int { return strings.Compare(a.Instance, b.Instance) })
	return servers, nil
}

func fromEntry(e *zeroconf.ServiceEntry) Server {
	s := Server{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Version:  txtValue(e.Text, "version"),
	}
	switch {
	case len(e.AddrIPv4) > 0:
		s.Addr = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		s.Addr = e.AddrIPv6[0].String()
	}
	return s
}

func txtValue(txt []string, key string) string {
	for _, kv := range txt {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}
