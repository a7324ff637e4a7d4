package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Type is the one-byte tag that opens every frame.
type Type byte

const (
	TypeLogin     Type = 'o'
	TypeLoginResp Type = '1'

	TypeNewProxy     Type = 'p'
	TypeNewProxyResp Type = '2'
	TypeCloseProxy   Type = 'c'

	TypeNewWorkConn   Type = 'w'
	TypeReqWorkConn   Type = 'r'
	TypeStartWorkConn Type = 's'

	TypeNewVisitorConn     Type = 'v'
	TypeNewVisitorConnResp Type = '3'

	TypePing Type = 'h'
	TypePong Type = '4'

	TypeUDPPacket Type = 'u'

	TypeNatHoleVisitor        Type = 'i'
	TypeNatHoleClient         Type = 'n'
	TypeNatHoleResp           Type = 'm'
	TypeNatHoleClientDetectOK Type = 'd'
	TypeNatHoleSid            Type = '5'
)

var typeNames = map[Type]string{
	TypeLogin:                 "Login",
	TypeLoginResp:             "LoginResp",
	TypeNewProxy:              "NewProxy",
	TypeNewProxyResp:          "NewProxyResp",
	TypeCloseProxy:            "CloseProxy",
	TypeNewWorkConn:           "NewWorkConn",
	TypeReqWorkConn:           "ReqWorkConn",
	TypeStartWorkConn:         "StartWorkConn",
	TypeNewVisitorConn:        "NewVisitorConn",
	TypeNewVisitorConnResp:    "NewVisitorConnResp",
	TypePing:                  "Ping",
	TypePong:                  "Pong",
	TypeUDPPacket:             "UDPPacket",
	TypeNatHoleVisitor:        "NatHoleVisitor",
	TypeNatHoleClient:         "NatHoleClient",
	TypeNatHoleResp:           "NatHoleResp",
	TypeNatHoleClientDetectOK: "NatHoleClientDetectOK",
	TypeNatHoleSid:            "NatHoleSid",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02x)", byte(t))
}

// Known reports whether t is part of the message catalog, including the
// reserved tags this client never acts on.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// HeaderSize is the tag byte plus the big-endian uint64 body length.
const HeaderSize = 9

// MaxBodySize bounds a single JSON body. Control messages are small; a larger
// declared length means a corrupt or hostile stream.
const MaxBodySize = 64 * 1024

var (
	ErrShortHeader    = errors.New("protocol: frame shorter than header")
	ErrLengthMismatch = errors.New("protocol: declared length does not match frame")
	ErrBodyTooLarge   = errors.New("protocol: body too large")
	ErrUnknownType    = errors.New("protocol: unknown message type")
)

// Header precedes every JSON body on the wire.
type Header struct {
	Type   Type
	Length uint64
}

// EncodeHeader returns the 9-byte wire form of a header.
func EncodeHeader(t Type, length uint64) [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = byte(t)
	binary.BigEndian.PutUint64(buf[1:], length)
	return buf
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Type:   Type(b[0]),
		Length: binary.BigEndian.Uint64(b[1:HeaderSize]),
	}, nil
}

// Frame is one decoded header with its raw body.
type Frame struct {
	Header
	Body []byte
}

// SplitFrames cuts a buffer holding whole frames into its frames.
//
// Every declared length must be satisfied by the bytes that follow it: a
// header that promises more than the buffer holds is ErrLengthMismatch, and
// so are trailing bytes too short to form a header. The returned bodies alias
// buf.
func SplitFrames(buf []byte) ([]Frame, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(buf))
	}
	var frames []Frame
	for off := 0; off < len(buf); {
		rest := buf[off:]
		if len(rest) < HeaderSize {
			return frames, fmt.Errorf("%w: %d trailing bytes after %d frames", ErrLengthMismatch, len(rest), len(frames))
		}
		h, _ := DecodeHeader(rest)
		if h.Length > MaxBodySize {
			return frames, fmt.Errorf("%w: %d", ErrBodyTooLarge, h.Length)
		}
		avail := uint64(len(rest) - HeaderSize)
		if h.Length > avail {
			return frames, fmt.Errorf("%w: %s declares %d bytes, %d present", ErrLengthMismatch, h.Type, h.Length, avail)
		}
		end := HeaderSize + int(h.Length)
		frames = append(frames, Frame{Header: h, Body: rest[HeaderSize:end]})
		off += end
	}
	return frames, nil
}

// Pack encodes m as header plus JSON body.
func Pack(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", m.Type(), err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %d", ErrBodyTooLarge, len(body))
	}
	hdr := EncodeHeader(m.Type(), uint64(len(body)))
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, hdr[:]...)
	return append(out, body...), nil
}

// Unpack decodes a body according to its tag.
// Tags outside the catalog yield ErrUnknownType.
func Unpack(t Type, body []byte) (Message, error) {
	m, err := newMessage(t)
	if err != nil {
		return nil, err
	}
	if r, ok := m.(*Reserved); ok {
		r.Tag = t
		r.Raw = append([]byte(nil), body...)
		return r, nil
	}
	if len(body) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", t, err)
	}
	return m, nil
}

// WriteMsg writes m as a single plaintext frame.
func WriteMsg(w io.Writer, m Message) error {
	buf, err := Pack(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMsg reads exactly one plaintext frame from r.
func ReadMsg(r io.Reader) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, _ := DecodeHeader(hdr[:])
	if !h.Type.Known() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(h.Type))
	}
	if h.Length > MaxBodySize {
		return nil, fmt.Errorf("%w: %d", ErrBodyTooLarge, h.Length)
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Unpack(h.Type, body)
}
