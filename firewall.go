package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"go.uber.org/zap"
)

// firewall is the optional operator-facing blocklist: an XDP program on
// FIREWALL_INTERFACE that drops ingress packets from blocked peers. The
// program (bpf/firewall.c) consults the blocked_v4 map; this side only
// manages map entries, the data path never enters userspace.
type firewall struct {
	iface string
	log   *zap.Logger

	coll *ebpf.Collection
	lnk  link.Link

	mu      sync.Mutex
	blocked map[string]struct{}
}

func newFirewall(iface, objPath string, log *zap.Logger) (*firewall, error) {
	ifc, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", iface, err)
	}
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", objPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("creating firewall collection: %w", err)
	}
	prog, ok := coll.Programs["drop_blocked"]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("drop_blocked missing from %s", objPath)
	}
	lnk, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: ifc.Index,
	})
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attaching xdp on %s: %w", iface, err)
	}
	log.Info("firewall attached", zap.String("iface", iface))
	return &firewall{
		iface:   iface,
		log:     log,
		coll:    coll,
		lnk:     lnk,
		blocked: make(map[string]struct{}),
	}, nil
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (f *firewall) key(addr string) (uint32, error) {
	ip := net.ParseIP(hostOf(addr))
	if ip == nil {
		return 0, fmt.Errorf("not an address: %q", addr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("only ipv4 peers can be blocked: %q", addr)
	}
	return binary.BigEndian.Uint32(v4), nil
}

func (f *firewall) block(addr string) error {
	key, err := f.key(addr)
	if err != nil {
		return err
	}
	one := uint8(1)
	if err := f.coll.Maps["blocked_v4"].Put(key, one); err != nil {
		return fmt.Errorf("blocklist update: %w", err)
	}
	f.mu.Lock()
	f.blocked[hostOf(addr)] = struct{}{}
	f.mu.Unlock()
	f.log.Info("peer blocked", zap.String("addr", hostOf(addr)), zap.String("iface", f.iface))
	return nil
}

func (f *firewall) unblock(addr string) {
	key, err := f.key(addr)
	if err != nil {
		return
	}
	f.coll.Maps["blocked_v4"].Delete(key)
	f.mu.Lock()
	delete(f.blocked, hostOf(addr))
	f.mu.Unlock()
	f.log.Info("peer unblocked", zap.String("addr", hostOf(addr)))
}

func (f *firewall) isBlocked(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blocked[hostOf(addr)]
	return ok
}

func (f *firewall) close() {
	if f.lnk != nil {
		f.lnk.Close()
	}
	if f.coll != nil {
		f.coll.Close()
	}
}
