//go:build linux || darwin

package platform

import (
	"sync"

	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/veildns/veild/pkg/logging"
)

// wireguard tun devices expect headroom in front of every packet for
// the platform framing (virtio header on Linux, AF prefix on Darwin).
const packetOffset = 16

const maxPacketSize = 65536

// wgDevice adapts a wireguard tun.Device to the single-packet
// core.TunnelDevice contract the forwarding loop consumes.
type wgDevice struct {
	dev  wgtun.Device
	name string
	mtu  int

	readMu   sync.Mutex
	readBufs [][]byte
	sizes    []int

	writeMu  sync.Mutex
	writeBuf []byte
}

func newWGDevice(dev wgtun.Device, mtu int) (*wgDevice, error) {
	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, err
	}
	d := &wgDevice{
		dev:      dev,
		name:     name,
		mtu:      mtu,
		readBufs: [][]byte{make([]byte, packetOffset+maxPacketSize)},
		sizes:    make([]int, 1),
		writeBuf: make([]byte, packetOffset+maxPacketSize),
	}
	// The device delivers link events on an unbuffered-ish channel;
	// drain it so the kernel side never stalls on an unread event.
	go func() {
		for ev := range dev.Events() {
			logging.WithComponent("platform").Debugf("tun %s event %d", name, ev)
		}
	}()
	return d, nil
}

func (d *wgDevice) Name() string { return d.name }

func (d *wgDevice) MTU() int { return d.mtu }

func (d *wgDevice) ReadPacket(buf []byte) (int, error) {
	d.readMu.Lock()
	defer d.readMu.Unlock()
	for {
		n, err := d.dev.Read(d.readBufs, d.sizes, packetOffset)
		if err != nil {
			return 0, err
		}
		if n == 0 || d.sizes[0] == 0 {
			continue
		}
		size := d.sizes[0]
		if size > len(buf) {
			size = len(buf)
		}
		copy(buf, d.readBufs[0][packetOffset:packetOffset+size])
		return size, nil
	}
}

func (d *wgDevice) WritePacket(pkt []byte) (int, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if packetOffset+len(pkt) > len(d.writeBuf) {
		d.writeBuf = make([]byte, packetOffset+len(pkt))
	}
	frame := d.writeBuf[:packetOffset+len(pkt)]
	copy(frame[packetOffset:], pkt)
	if _, err := d.dev.Write([][]byte{frame}, packetOffset); err != nil {
		return 0, err
	}
	return len(pkt), nil
}

func (d *wgDevice) Close() error {
	return d.dev.Close()
}
