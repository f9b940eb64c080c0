package main

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"peerscope/types"
)

// probe owns the loaded BPF collection, its tracepoint links and the ring
// reader. The program itself lives in bpf/capture.c and is compiled to
// BPF_OBJ_PATH by the Makefile.
type probe struct {
	coll   *ebpf.Collection
	links  []link.Link
	reader *ringbuf.Reader
}

// tracepoints attached by program name; the names match the SEC()
// annotations in bpf/capture.c.
var tracepoints = []struct {
	group, name, program string
}{
	{"syscalls", "sys_enter_execve", "enter_execve"},
	{"syscalls", "sys_enter_execveat", "enter_execveat"},
	{"syscalls", "sys_enter_bind", "enter_bind"},
	{"syscalls", "sys_exit_bind", "exit_bind"},
	{"syscalls", "sys_enter_connect", "enter_connect"},
	{"syscalls", "sys_exit_connect", "exit_connect"},
	{"syscalls", "sys_enter_accept4", "enter_accept4"},
	{"syscalls", "sys_exit_accept4", "exit_accept4"},
	{"syscalls", "sys_enter_read", "enter_read"},
	{"syscalls", "sys_exit_read", "exit_read"},
	{"syscalls", "sys_enter_write", "enter_write"},
	{"syscalls", "sys_exit_write", "exit_write"},
	{"syscalls", "sys_enter_sendto", "enter_sendto"},
	{"syscalls", "sys_exit_sendto", "exit_sendto"},
	{"syscalls", "sys_enter_recvfrom", "enter_recvfrom"},
	{"syscalls", "sys_exit_recvfrom", "exit_recvfrom"},
	{"syscalls", "sys_enter_getrandom", "enter_getrandom"},
	{"syscalls", "sys_exit_getrandom", "exit_getrandom"},
	{"syscalls", "sys_enter_close", "enter_close"},
	{"syscalls", "sys_enter_shutdown", "enter_shutdown"},
	{"sched", "sched_process_exit", "process_exit"},
}

// loadProbe loads and attaches the capture programs. A verifier refusal or
// any attach failure is an AttachError: without the probe there is nothing
// to record.
func loadProbe(objPath string, log *zap.Logger) (*probe, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, types.AttachError(fmt.Errorf("removing memory lock: %w", err))
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, types.AttachError(fmt.Errorf("loading %s: %w", objPath, err))
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			log.Error("verifier refused the capture program", zap.String("log", verr.Error()))
		}
		return nil, types.AttachError(fmt.Errorf("creating collection: %w", err))
	}

	p := &probe{coll: coll}
	for _, tp := range tracepoints {
		prog, ok := coll.Programs[tp.program]
		if !ok {
			p.Close()
			return nil, types.AttachError(fmt.Errorf("program %s missing from %s", tp.program, objPath))
		}
		l, err := link.Tracepoint(tp.group, tp.name, prog, nil)
		if err != nil {
			p.Close()
			return nil, types.AttachError(fmt.Errorf("attaching %s/%s: %w", tp.group, tp.name, err))
		}
		p.links = append(p.links, l)
	}

	events, ok := coll.Maps["events"]
	if !ok {
		p.Close()
		return nil, types.AttachError(fmt.Errorf("events ring missing from %s", objPath))
	}
	p.reader, err = ringbuf.NewReader(events)
	if err != nil {
		p.Close()
		return nil, types.AttachError(fmt.Errorf("opening ring reader: %w", err))
	}

	log.Info("attached capture probe", zap.Int("tracepoints", len(p.links)))
	return p, nil
}

// Close detaches everything; safe to call on a partially constructed probe.
func (p *probe) Close() {
	if p.reader != nil {
		p.reader.Close()
	}
	for _, l := range p.links {
		if l != nil {
			l.Close()
		}
	}
	if p.coll != nil {
		p.coll.Close()
	}
}
