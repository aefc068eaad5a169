// Package dmxframe assembles 513-byte DMX-512 universe frames from resolved
// fixture commands.
package dmxframe

import "math"

// FrameSize is the full DMX-512 universe frame length: the start code plus
// 512 channel bytes.
const FrameSize = 513

// Profile describes where a fixture's pan/tilt channels sit within its
// channel block, and optionally a named-channel layout for open-format
// fixtures (color overrides, on/off test targets).
type Profile struct {
	Channels      int
	PanCoarse     *int // 0-indexed offset from base_dmx_address, or nil if fixed-position
	PanFine       *int
	TiltCoarse    *int
	TiltFine      *int
	NamedChannels map[string]int // channel name -> 0-indexed offset
}

// Command is one fixture's resolved output for this tick.
type Command struct {
	Universe       int
	BaseDMXAddress int // 1-indexed DMX start channel
	Profile        Profile
	PanDeg         float64
	TiltDeg        float64
	PanMinDeg      float64
	PanMaxDeg      float64
	TiltMinDeg     float64
	TiltMaxDeg     float64
	// NamedValues overrides specific named channels by value (0-255),
	// keyed by the same names as Profile.NamedChannels.
	NamedValues map[string]byte
}

// DegToU16 maps deg from [min, max] to a 16-bit value.
// Returns 0 if max <= min.
func DegToU16(deg, min, max float64) uint16 {
	if max <= min {
		return 0
	}
	frac := (deg - min) / (max - min)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return uint16(math.Round(frac * 65535))
}

// SplitCoarseFine splits a 16-bit value into its coarse (high) and fine
// (low) bytes.
func SplitCoarseFine(v uint16) (coarse, fine byte) {
	return byte((v >> 8) & 0xFF), byte(v & 0xFF)
}

// JoinCoarseFine reconstructs the original 16-bit value from coarse and
// fine bytes.
func JoinCoarseFine(coarse, fine byte) uint16 {
	return uint16(coarse)<<8 | uint16(fine)
}

// Assemble groups commands by universe and builds one 513-byte frame per
// universe with at least one command. Commands whose channel block would
// overrun the 512-channel universe are silently skipped.
func Assemble(commands []Command) map[int][]byte {
	byUniverse := make(map[int][]Command)
	for _, cmd := range commands {
		byUniverse[cmd.Universe] = append(byUniverse[cmd.Universe], cmd)
	}

	frames := make(map[int][]byte, len(byUniverse))
	for universe, cmds := range byUniverse {
		frame := make([]byte, FrameSize)
		frame[0] = 0x00
		for _, cmd := range cmds {
			writeCommand(frame, cmd)
		}
		frames[universe] = frame
	}
	return frames
}

func writeCommand(frame []byte, cmd Command) {
	lastChannel := cmd.BaseDMXAddress + cmd.Profile.Channels - 1
	if lastChannel > 512 || cmd.BaseDMXAddress < 1 {
		return
	}

	panU16 := DegToU16(cmd.PanDeg, cmd.PanMinDeg, cmd.PanMaxDeg)
	tiltU16 := DegToU16(cmd.TiltDeg, cmd.TiltMinDeg, cmd.TiltMaxDeg)
	panCoarse, panFine := SplitCoarseFine(panU16)
	tiltCoarse, tiltFine := SplitCoarseFine(tiltU16)

	setChannel(frame, cmd.BaseDMXAddress, cmd.Profile.PanCoarse, panCoarse)
	setChannel(frame, cmd.BaseDMXAddress, cmd.Profile.PanFine, panFine)
	setChannel(frame, cmd.BaseDMXAddress, cmd.Profile.TiltCoarse, tiltCoarse)
	setChannel(frame, cmd.BaseDMXAddress, cmd.Profile.TiltFine, tiltFine)

	for name, value := range cmd.NamedValues {
		offset, ok := cmd.Profile.NamedChannels[name]
		if !ok {
			continue
		}
		ch := cmd.BaseDMXAddress + offset
		if ch >= 1 && ch <= 512 {
			frame[ch] = value
		}
	}
}

func setChannel(frame []byte, base int, offset *int, value byte) {
	if offset == nil {
		return
	}
	ch := base + *offset
	if ch >= 1 && ch <= 512 {
		frame[ch] = value
	}
}
