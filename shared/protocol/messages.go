package protocol

import (
	"fmt"
	"os"
	"runtime"
)

// Message is the closed set of bodies in the catalog.
type Message interface {
	Type() Type
	message()
}

// Login is the first frame a client sends on the control stream.
type Login struct {
	Version      string            `json:"version"`
	Hostname     string            `json:"hostname"`
	Os           string            `json:"os"`
	Arch         string            `json:"arch"`
	User         string            `json:"user"`
	PrivilegeKey string            `json:"privilege_key"`
	Timestamp    int64             `json:"timestamp"`
	RunID        string            `json:"run_id,omitempty"`
	Metas        map[string]string `json:"metas"`
	PoolCount    int               `json:"pool_count"`
}

// LoginResp answers Login. A non-empty Error means the login was rejected.
type LoginResp struct {
	Version string `json:"version"`
	RunID   string `json:"run_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewProxy announces one proxy to the server.
type NewProxy struct {
	ProxyName     string   `json:"proxy_name"`
	ProxyType     string   `json:"proxy_type"`
	RemotePort    int      `json:"remote_port,omitempty"`
	CustomDomains []string `json:"custom_domains,omitempty"`
	SubDomain     string   `json:"subdomain,omitempty"`
}

// NewProxyResp reports the server side outcome of a NewProxy.
type NewProxyResp struct {
	ProxyName  string `json:"proxy_name"`
	RemoteAddr string `json:"remote_addr"`
	Error      string `json:"error"`
}

type CloseProxy struct {
	ProxyName string `json:"proxy_name"`
}

// ReqWorkConn asks the client to open one more work connection.
type ReqWorkConn struct{}

// NewWorkConn authenticates a freshly opened work stream.
type NewWorkConn struct {
	RunID        string `json:"run_id"`
	PrivilegeKey string `json:"privilege_key"`
	Timestamp    int64  `json:"timestamp"`
}

// StartWorkConn binds a work stream to a proxy.
type StartWorkConn struct {
	ProxyName string `json:"proxy_name"`
	SrcAddr   string `json:"src_addr,omitempty"`
	DstAddr   string `json:"dst_addr,omitempty"`
	SrcPort   uint16 `json:"src_port,omitempty"`
	DstPort   uint16 `json:"dst_port,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Ping struct {
	PrivilegeKey string `json:"privilege_key"`
	Timestamp    int64  `json:"timestamp"`
}

type Pong struct {
	Error string `json:"error,omitempty"`
}

// Reserved carries a catalog tag this client has no body type for
// (visitor, UDP and NAT hole punching messages). Its body is kept raw.
type Reserved struct {
	Tag Type   `json:"-"`
	Raw []byte `json:"-"`
}

func (*Login) Type() Type         { return TypeLogin }
func (*LoginResp) Type() Type     { return TypeLoginResp }
func (*NewProxy) Type() Type      { return TypeNewProxy }
func (*NewProxyResp) Type() Type  { return TypeNewProxyResp }
func (*CloseProxy) Type() Type    { return TypeCloseProxy }
func (*ReqWorkConn) Type() Type   { return TypeReqWorkConn }
func (*NewWorkConn) Type() Type   { return TypeNewWorkConn }
func (*StartWorkConn) Type() Type { return TypeStartWorkConn }
func (*Ping) Type() Type          { return TypePing }
func (*Pong) Type() Type          { return TypePong }
func (r *Reserved) Type() Type    { return r.Tag }

func (*Login) message()         {}
func (*LoginResp) message()     {}
func (*NewProxy) message()      {}
func (*NewProxyResp) message()  {}
func (*CloseProxy) message()    {}
func (*ReqWorkConn) message()   {}
func (*NewWorkConn) message()   {}
func (*StartWorkConn) message() {}
func (*Ping) message()          {}
func (*Pong) message()          {}
func (*Reserved) message()      {}

// MarshalJSON keeps Reserved bodies byte-exact when they are re-encoded.
func (r *Reserved) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("{}"), nil
	}
	return r.Raw, nil
}

func newMessage(t Type) (Message, error) {
	switch t {
	case TypeLogin:
		return &Login{}, nil
	case TypeLoginResp:
		return &LoginResp{}, nil
	case TypeNewProxy:
		return &NewProxy{}, nil
	case TypeNewProxyResp:
		return &NewProxyResp{}, nil
	case TypeCloseProxy:
		return &CloseProxy{}, nil
	case TypeReqWorkConn:
		return &ReqWorkConn{}, nil
	case TypeNewWorkConn:
		return &NewWorkConn{}, nil
	case TypeStartWorkConn:
		return &StartWorkConn{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeNewVisitorConn, TypeNewVisitorConnResp, TypeUDPPacket,
		TypeNatHoleVisitor, TypeNatHoleClient, TypeNatHoleResp,
		TypeNatHoleClientDetectOK, TypeNatHoleSid:
		return &Reserved{Tag: t}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(t))
	}
}

// NewLogin fills the host facts of a Login. The caller sets the version,
// user and authentication fields.
func NewLogin() *Login {
	host, _ := os.Hostname()
	return &Login{
		Hostname:  host,
		Os:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Metas:     map[string]string{},
		PoolCount: 1,
	}
}
