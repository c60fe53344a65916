// Package tun provides a TUN device alternative to stdio for the VPN local port.
package tun

import (
	"context"
	"fmt"
	"io"
	"sync"

	"dev.c0redev.kalive/internal/proto"
)

// PacketDevice: one IP packet per Read/Write (Device satisfies it).
type PacketDevice interface {
	io.ReadWriter
	Name() string
}

type readResult struct {
	pkt []byte
	err error
}

// Port exposes a TUN device as a local frame port: packets read become verb 0 frames,
// verb 0 frames are written out, a verb 1 frame configures the interface address.
type Port struct {
	dev       PacketDevice
	configure func(ifName, cidr string) error
	pkts      chan readResult

	wmu sync.Mutex
}

// NewPort starts reading dev. configure nil = Up.
func NewPort(dev PacketDevice, configure func(ifName, cidr string) error) *Port {
	if configure == nil {
		configure = Up
	}
	p := &Port{dev: dev, configure: configure, pkts: make(chan readResult, 64)}
	go p.readLoop()
	return p
}

func (p *Port) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := p.dev.Read(buf)
		if err != nil {
			p.pkts <- readResult{err: err}
			close(p.pkts)
			return
		}
		if n == 0 {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		p.pkts <- readResult{pkt: pkt}
	}
}

func (p *Port) ReadFrame(ctx context.Context) (*proto.LocalFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-p.pkts:
		if !ok {
			return nil, io.EOF
		}
		if res.err != nil {
			return nil, fmt.Errorf("tun read: %w", res.err)
		}
		return &proto.LocalFrame{Verb: proto.VerbPacket, Body: res.pkt}, nil
	}
}

func (p *Port) WriteFrame(f *proto.LocalFrame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	switch f.Verb {
	case proto.VerbPacket:
		_, err := p.dev.Write(f.Body)
		return err
	case proto.VerbControl:
		if err := p.configure(p.dev.Name(), string(f.Body)); err != nil {
			return fmt.Errorf("tun configure %s: %w", f.Body, err)
		}
		return nil
	default:
		return fmt.Errorf("tun: unknown verb %d", f.Verb)
	}
}

// Flush is a no-op; every packet is written immediately.
func (p *Port) Flush() error { return nil }

// Open creates the TUN device name and wraps it in a Port.
func Open(name string) (*Port, error) {
	dev, err := NewDevice(name)
	if err != nil {
		return nil, err
	}
	return NewPort(dev, nil), nil
}

// Close closes the underlying device when it can be closed.
func (p *Port) Close() error {
	if c, ok := p.dev.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
