package dns

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestLookupLiteral(t *testing.T) {
	for _, host := range []string{"127.0.0.1", "::1"} {
		ip, err := Lookup(context.Background(), host)
		if err != nil || ip != host {
			t.Fatalf("Lookup(%q) = %q, %v", host, ip, err)
		}
	}
}

func TestPickPrefersIPv4(t *testing.T) {
	ip, err := pick([]string{"::1", "10.0.0.1"})
	if err != nil || ip != "10.0.0.1" {
		t.Fatalf("got %q, %v", ip, err)
	}
	if _, err := pick(nil); err == nil {
		t.Fatal("expected error for empty result")
	}
}

func TestNoFallbackServers(t *testing.T) {
	r := &Resolver{LocalTimeout: 500 * time.Millisecond, RemoteTimeout: time.Second}
	if _, err := r.Lookup(context.Background(), "tandem.invalid"); err == nil {
		t.Fatal("expected lookup of .invalid to fail")
	}
}

func TestDialContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	c, err := Default.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
}
