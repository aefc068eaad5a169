// Package dmxdriver implements the pluggable DMX-512 output transports:
// UART-RS485, Art-Net, and a no-op Off variant. Each implements Driver
// so the DMX engine can swap transports without reopening its tick loop.
package dmxdriver

import (
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"

	"github.com/anthillco/uwb-tracker/pkg/artnet"
)

// Driver sends an assembled 513-byte DMX-512 frame for a universe. A
// non-nil error indicates a transport fault; the DMX engine escalates the
// system to SAFE on failure.
type Driver interface {
	SendFrame(frame []byte, universeID int) error
	Close() error
}

const (
	uartBaudRate  = 250000
	breakDuration = 100 * time.Microsecond // DMX-512 requires >= 88us
	mabDuration   = 10 * time.Microsecond  // DMX-512 requires >= 8us
)

// UARTDriver drives a DMX-512 universe over an RS-485 serial adapter. The
// universe_id passed to SendFrame is ignored, since the wire is a single
// physical universe.
type UARTDriver struct {
	port serial.Port
}

// OpenUART opens device at the fixed DMX-512 serial parameters (250000
// baud, 8 data bits, no parity, 2 stop bits).
func OpenUART(device string) (*UARTDriver, error) {
	mode := &serial.Mode{
		BaudRate: uartBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("dmxdriver: open %s: %w", device, err)
	}
	return &UARTDriver{port: port}, nil
}

// SendFrame asserts a break, releases for a mark-after-break, then writes
// the full 513-byte frame and flushes.
func (d *UARTDriver) SendFrame(frame []byte, universeID int) error {
	if len(frame) != 513 {
		return fmt.Errorf("dmxdriver: frame must be 513 bytes, got %d", len(frame))
	}
	if err := d.port.Break(breakDuration); err != nil {
		return fmt.Errorf("dmxdriver: break: %w", err)
	}
	time.Sleep(mabDuration)
	if _, err := d.port.Write(frame); err != nil {
		return fmt.Errorf("dmxdriver: write: %w", err)
	}
	if err := d.port.Drain(); err != nil {
		return fmt.Errorf("dmxdriver: drain: %w", err)
	}
	return nil
}

// Close releases the serial port.
func (d *UARTDriver) Close() error { return d.port.Close() }

// ArtNetDriver sends DMX universes as Art-Net ArtDMX packets over UDP.
type ArtNetDriver struct {
	conn     *net.UDPConn
	sequence byte
}

// OpenArtNet dials a UDP socket to targetIP:port. targetIP may be a
// broadcast address.
func OpenArtNet(targetIP string, port int) (*ArtNetDriver, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(targetIP), Port: port}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dmxdriver: dial artnet %s:%d: %w", targetIP, port, err)
	}
	return &ArtNetDriver{conn: conn, sequence: 1}, nil
}

// SendFrame builds an ArtDMX packet for universeID from frame's 512
// channel bytes (skipping the start code) and sends it.
func (d *ArtNetDriver) SendFrame(frame []byte, universeID int) error {
	if len(frame) != 513 {
		return fmt.Errorf("dmxdriver: frame must be 513 bytes, got %d", len(frame))
	}
	packet := artnet.BuildDMXPacket(universeID, frame[1:], d.sequence)
	d.sequence = artnet.NextSequence(d.sequence)
	if _, err := d.conn.Write(packet); err != nil {
		return fmt.Errorf("dmxdriver: send artnet: %w", err)
	}
	return nil
}

// Close releases the UDP socket.
func (d *ArtNetDriver) Close() error { return d.conn.Close() }

// OffDriver discards every frame. Used when dmx.output_mode is "off".
type OffDriver struct{}

// SendFrame always succeeds and does nothing.
func (OffDriver) SendFrame(frame []byte, universeID int) error { return nil }

// Close is a no-op.
func (OffDriver) Close() error { return nil }

// Open constructs a Driver for the given output mode, used by the DMX
// engine whenever its polled configuration changes.
func Open(mode, uartDevice, artnetIP string, artnetPort int) (Driver, error) {
	switch mode {
	case "uart":
		return OpenUART(uartDevice)
	case "artnet":
		return OpenArtNet(artnetIP, artnetPort)
	case "off", "":
		return OffDriver{}, nil
	default:
		return nil, fmt.Errorf("dmxdriver: unknown output mode %q", mode)
	}
}
