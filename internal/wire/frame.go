package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout:
//
//	0xAA 0x55 | len u32 LE | seq u16 LE | op u8 | format u8 | payload | crc8 | 0x55 0xAA
//
// The CRC covers the bytes from the length field through the end of the
// payload. A complete empty frame is 13 bytes.
const (
	frameHeaderLen   = 10 // magic + len + seq + op + format
	frameOverhead    = 13 // header + crc + trailer
	MaxPayloadLength = 4 << 20
)

var (
	framePrefix  = []byte{0xAA, 0x55}
	frameTrailer = []byte{0x55, 0xAA}
)

// ErrOversized reports a frame whose declared payload length exceeds the cap.
// The payload buffer is never allocated for such frames.
var ErrOversized = errors.New("frame payload exceeds 4 MiB cap")

// ErrBadTrailer reports a frame whose trailing magic is wrong.
var ErrBadTrailer = errors.New("frame trailer mismatch")

// Frame is a single decoded wire unit.
type Frame struct {
	Seq     uint16
	Op      OpCode
	Format  byte
	Payload []byte

	// CRCMismatch is set when the received CRC disagrees with the computed
	// one. The frame is still delivered; callers log the mismatch.
	CRCMismatch bool
}

// EncodeFrame serializes a frame, computing the CRC over the covered range.
func EncodeFrame(f *Frame) []byte {
	buf := make([]byte, 0, frameOverhead+len(f.Payload))
	buf = append(buf, framePrefix...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = binary.LittleEndian.AppendUint16(buf, f.Seq)
	buf = append(buf, byte(f.Op), f.Format)
	buf = append(buf, f.Payload...)
	buf = append(buf, Checksum(buf[2:])) // length field through payload end
	buf = append(buf, frameTrailer...)
	return buf
}

// ScanFrame extracts at most one frame from the front of buf.
//
// Return contract: consumed bytes must be dropped from the buffer by the
// caller in every case.
//   - frame != nil: one complete frame was extracted.
//   - frame == nil, err == nil: more bytes are needed; consumed drops only
//     junk preceding the next possible magic.
//   - err != nil: a framing defect (oversized length, bad trailer); consumed
//     skips past the current magic so the scanner resyncs on the next one.
func ScanFrame(buf []byte) (frame *Frame, consumed int, err error) {
	start := bytes.Index(buf, framePrefix)
	if start < 0 {
		// No magic. Keep a trailing 0xAA in case its partner arrives next.
		if n := len(buf); n > 0 && buf[n-1] == framePrefix[0] {
			return nil, n - 1, nil
		}
		return nil, len(buf), nil
	}

	b := buf[start:]
	if len(b) < frameOverhead {
		return nil, start, nil
	}

	length := binary.LittleEndian.Uint32(b[2:6])
	if length > MaxPayloadLength {
		return nil, start + len(framePrefix), fmt.Errorf("%w: declared %d", ErrOversized, length)
	}
	total := frameOverhead + int(length)
	if len(b) < total {
		return nil, start, nil
	}

	if !bytes.Equal(b[total-2:total], frameTrailer) {
		return nil, start + len(framePrefix), ErrBadTrailer
	}

	payload := make([]byte, length)
	copy(payload, b[frameHeaderLen:frameHeaderLen+int(length)])

	f := &Frame{
		Seq:     binary.LittleEndian.Uint16(b[6:8]),
		Op:      OpCode(b[8]),
		Format:  b[9],
		Payload: payload,
	}
	if Checksum(b[2:frameHeaderLen+int(length)]) != b[total-3] {
		f.CRCMismatch = true
	}
	return f, start + total, nil
}
