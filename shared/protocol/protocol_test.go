package protocol

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	lengths := []uint64{0, 1, 255, 256, 65535, 1 << 32, math.MaxUint64}
	for tag := range typeNames {
		for _, n := range lengths {
			hdr := EncodeHeader(tag, n)
			got, err := DecodeHeader(hdr[:])
			if err != nil {
				t.Fatalf("decode %s/%d: %v", tag, n, err)
			}
			if got.Type != tag || got.Length != n {
				t.Fatalf("round trip: want (%s,%d), got (%s,%d)", tag, n, got.Type, got.Length)
			}
		}
	}
}

func TestHeaderBigEndian(t *testing.T) {
	hdr := EncodeHeader(TypeNewProxy, 0x0102)
	want := []byte{'p', 0, 0, 0, 0, 0, 0, 0x01, 0x02}
	if !bytes.Equal(hdr[:], want) {
		t.Fatalf("expected %v, got %v", want, hdr)
	}
}

func TestDecodeHeader_Short(t *testing.T) {
	if _, err := DecodeHeader([]byte{'o', 0, 0}); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestPackUnpack_Login(t *testing.T) {
	in := NewLogin()
	in.Version = "0.44.0"
	in.User = "alice"
	in.PrivilegeKey = "abc"
	in.Timestamp = 1700000000

	buf, err := Pack(in)
	if err != nil {
		t.Fatal(err)
	}
	if buf[0] != byte(TypeLogin) {
		t.Fatalf("expected tag 'o', got %q", buf[0])
	}
	h, _ := DecodeHeader(buf)
	if int(h.Length) != len(buf)-HeaderSize {
		t.Fatalf("declared %d, body is %d", h.Length, len(buf)-HeaderSize)
	}
	body := string(buf[HeaderSize:])
	for _, field := range []string{`"version"`, `"hostname"`, `"os"`, `"arch"`, `"user"`, `"privilege_key"`, `"timestamp"`, `"metas"`, `"pool_count"`} {
		if !strings.Contains(body, field) {
			t.Fatalf("login body missing %s: %s", field, body)
		}
	}

	m, err := ReadMsg(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	out, ok := m.(*Login)
	if !ok {
		t.Fatalf("expected *Login, got %T", m)
	}
	if out.User != "alice" || out.Timestamp != 1700000000 || out.PrivilegeKey != "abc" {
		t.Fatalf("unexpected login: %+v", out)
	}
}

func TestNewProxy_OmitsAbsentFields(t *testing.T) {
	buf, err := Pack(&NewProxy{ProxyName: "ssh", ProxyType: "tcp", RemotePort: 6000})
	if err != nil {
		t.Fatal(err)
	}
	body := string(buf[HeaderSize:])
	if strings.Contains(body, "custom_domains") || strings.Contains(body, "subdomain") {
		t.Fatalf("tcp proxy should not carry web fields: %s", body)
	}
	if !strings.Contains(body, `"remote_port":6000`) {
		t.Fatalf("missing remote_port: %s", body)
	}

	buf, err = Pack(&NewProxy{ProxyName: "web", ProxyType: "http", SubDomain: "app"})
	if err != nil {
		t.Fatal(err)
	}
	body = string(buf[HeaderSize:])
	if strings.Contains(body, "remote_port") {
		t.Fatalf("web proxy should not carry remote_port: %s", body)
	}
}

func TestUnpack_EmptyReqWorkConn(t *testing.T) {
	m, err := Unpack(TypeReqWorkConn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.(*ReqWorkConn); !ok {
		t.Fatalf("expected *ReqWorkConn, got %T", m)
	}
}

func TestUnpack_LoginRespOptionalFields(t *testing.T) {
	m, err := Unpack(TypeLoginResp, []byte(`{"version":"0.44.0","error":"invalid token"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp := m.(*LoginResp)
	if resp.RunID != "" || resp.Error != "invalid token" {
		t.Fatalf("unexpected resp: %+v", resp)
	}
}

func TestUnpack_UnknownTag(t *testing.T) {
	_, err := Unpack(Type('Z'), []byte(`{}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestUnpack_ReservedTag(t *testing.T) {
	m, err := Unpack(TypeNatHoleSid, []byte(`{"sid":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	r, ok := m.(*Reserved)
	if !ok || r.Type() != TypeNatHoleSid {
		t.Fatalf("expected reserved NatHoleSid, got %#v", m)
	}
}

func TestUnpack_BadBody(t *testing.T) {
	if _, err := Unpack(TypeStartWorkConn, []byte(`{"proxy_name":`)); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Unpack(TypeNewProxyResp, []byte(`[1,2,3]`)); err == nil {
		t.Fatal("expected decode error for wrong shape")
	}
}

func TestSplitFrames_Single(t *testing.T) {
	buf, _ := Pack(&ReqWorkConn{})
	frames, err := SplitFrames(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || frames[0].Type != TypeReqWorkConn {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestSplitFrames_Coalesced(t *testing.T) {
	a, _ := Pack(&ReqWorkConn{})
	b, _ := Pack(&NewProxyResp{ProxyName: "ssh", RemoteAddr: ":6000"})
	frames, err := SplitFrames(append(a, b...))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || frames[1].Type != TypeNewProxyResp {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestSplitFrames_DeclaredLongerThanPresent(t *testing.T) {
	hdr := EncodeHeader(TypeNewProxyResp, 50)
	buf := append(hdr[:], bytes.Repeat([]byte{'x'}, 40)...)
	_, err := SplitFrames(buf)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestSplitFrames_TrailingGarbage(t *testing.T) {
	a, _ := Pack(&ReqWorkConn{})
	_, err := SplitFrames(append(a, 'r', 0, 0))
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestSplitFrames_TooLarge(t *testing.T) {
	hdr := EncodeHeader(TypeLoginResp, MaxBodySize+1)
	_, err := SplitFrames(hdr[:])
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestReadMsg_UnknownTag(t *testing.T) {
	hdr := EncodeHeader(Type('Z'), 2)
	_, err := ReadMsg(bytes.NewReader(append(hdr[:], '{', '}')))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}
