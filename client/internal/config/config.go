// Package config holds the resolved client configuration: the server
// connection settings and the registry of named proxies. A Config is
// read-only once loaded and may be shared by any number of goroutines.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrProxyNotFound is returned by ResolveProxy for an unknown name.
	ErrProxyNotFound = errors.New("config: no such proxy")
	// ErrMissingDomain marks an http/https proxy with neither custom
	// domains nor a subdomain.
	ErrMissingDomain = errors.New("config: web proxy needs custom_domains or subdomain")
)

// ProxyType is the kind of a proxy section.
type ProxyType string

const (
	ProxyTCP   ProxyType = "tcp"
	ProxyHTTP  ProxyType = "http"
	ProxyHTTPS ProxyType = "https"
)

// ParseProxyType accepts the proxy types this client can serve.
func ParseProxyType(s string) (ProxyType, error) {
	switch t := ProxyType(strings.ToLower(strings.TrimSpace(s))); t {
	case ProxyTCP, ProxyHTTP, ProxyHTTPS:
		return t, nil
	case "":
		return ProxyTCP, nil
	default:
		return "", fmt.Errorf("unsupported proxy type %q", s)
	}
}

// Transport protocols for the server connection.
const (
	ProtocolTCP       = "tcp"
	ProtocolWebsocket = "websocket"
)

// Proxy describes one local service exposed through the server.
type Proxy struct {
	Name          string    `json:"-" yaml:"-"`
	Type          ProxyType `json:"type" yaml:"type"`
	LocalIP       string    `json:"local_ip" yaml:"local_ip"`
	LocalPort     int       `json:"local_port" yaml:"local_port"`
	RemotePort    int       `json:"remote_port,omitempty" yaml:"remote_port,omitempty"`
	CustomDomains []string  `json:"custom_domains,omitempty" yaml:"custom_domains,omitempty"`
	SubDomain     string    `json:"subdomain,omitempty" yaml:"subdomain,omitempty"`
}

// IsWeb reports whether the proxy is routed by host name.
func (p Proxy) IsWeb() bool {
	return p.Type == ProxyHTTP || p.Type == ProxyHTTPS
}

// LocalAddr is the backend dial address.
func (p Proxy) LocalAddr() string {
	return net.JoinHostPort(p.LocalIP, strconv.Itoa(p.LocalPort))
}

// Validate checks the invariants a proxy must hold before it is announced.
func (p Proxy) Validate() error {
	if p.Name == "" {
		return errors.New("config: proxy without a name")
	}
	if _, err := ParseProxyType(string(p.Type)); err != nil {
		return fmt.Errorf("config: proxy %s: %w", p.Name, err)
	}
	if p.LocalPort <= 0 || p.LocalPort > 65535 {
		return fmt.Errorf("config: proxy %s: local_port %d out of range", p.Name, p.LocalPort)
	}
	if p.IsWeb() {
		if len(p.CustomDomains) == 0 && p.SubDomain == "" {
			return fmt.Errorf("proxy %s: %w", p.Name, ErrMissingDomain)
		}
		return nil
	}
	if p.RemotePort < 0 || p.RemotePort > 65535 {
		return fmt.Errorf("config: proxy %s: remote_port %d out of range", p.Name, p.RemotePort)
	}
	return nil
}

// Common is the [common] section.
type Common struct {
	ServerAddr        string `json:"server_addr" yaml:"server_addr"`
	ServerPort        int    `json:"server_port" yaml:"server_port"`
	Token             string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	LegacyToken       string `json:"token,omitempty" yaml:"token,omitempty"`
	User              string `json:"user,omitempty" yaml:"user,omitempty"`
	PoolCount         int    `json:"pool_count" yaml:"pool_count"`
	Protocol          string `json:"protocol" yaml:"protocol"`
	TLSEnable         bool   `json:"tls_enable" yaml:"tls_enable"`
	TLSPinSHA256      string `json:"tls_pin_sha256,omitempty" yaml:"tls_pin_sha256,omitempty"`
	HeartbeatInterval int    `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  int    `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	DialServerTimeout int    `json:"dial_server_timeout" yaml:"dial_server_timeout"`
	AdminAddr         string `json:"admin_addr,omitempty" yaml:"admin_addr,omitempty"`
	AdminPort         int    `json:"admin_port,omitempty" yaml:"admin_port,omitempty"`
	LogLevel          string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	MaxBackendDials   int    `json:"max_backend_dials" yaml:"max_backend_dials"`
}

// Config is a fully resolved client configuration.
type Config struct {
	Common  Common           `json:"common" yaml:"common"`
	Proxies map[string]Proxy `json:"proxies" yaml:"proxies"`

	// Warnings lists keys the loader did not recognize.
	Warnings []string `json:"-" yaml:"-"`
}

// DefaultCommon returns the [common] defaults.
func DefaultCommon() Common {
	return Common{
		ServerAddr:        "0.0.0.0",
		ServerPort:        7000,
		PoolCount:         1,
		Protocol:          ProtocolTCP,
		HeartbeatInterval: 30,
		HeartbeatTimeout:  90,
		DialServerTimeout: 10,
		AdminAddr:         "127.0.0.1",
		MaxBackendDials:   16,
	}
}

// DefaultProxy returns a proxy section's defaults.
func DefaultProxy(name string) Proxy {
	return Proxy{Name: name, Type: ProxyTCP, LocalIP: "127.0.0.1"}
}

// Default returns an empty configuration with defaults applied.
func Default() *Config {
	return &Config{Common: DefaultCommon(), Proxies: map[string]Proxy{}}
}

func (c *Config) ServerAddr() string { return c.Common.ServerAddr }

func (c *Config) ServerPort() uint16 { return uint16(c.Common.ServerPort) }

// ServerAddress joins the server host and port.
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.Common.ServerAddr, strconv.Itoa(c.Common.ServerPort))
}

func (c *Config) AuthToken() string { return c.Common.Token }

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Common.HeartbeatInterval) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Common.HeartbeatTimeout) * time.Second
}

func (c *Config) DialServerTimeout() time.Duration {
	return time.Duration(c.Common.DialServerTimeout) * time.Second
}

// AdminAddress returns the admin listen address, or "" when disabled.
func (c *Config) AdminAddress() string {
	if c.Common.AdminPort <= 0 {
		return ""
	}
	return net.JoinHostPort(c.Common.AdminAddr, strconv.Itoa(c.Common.AdminPort))
}

// ProxyList returns every proxy ordered by name.
func (c *Config) ProxyList() []Proxy {
	out := make([]Proxy, 0, len(c.Proxies))
	for _, p := range c.Proxies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResolveProxy looks up a proxy by name.
func (c *Config) ResolveProxy(name string) (Proxy, error) {
	p, ok := c.Proxies[name]
	if !ok {
		return Proxy{}, fmt.Errorf("%w: %q", ErrProxyNotFound, name)
	}
	return p, nil
}

// Validate checks the [common] settings. Proxy invariants are checked when
// proxies are announced so one bad web proxy does not stop the others.
func (c *Config) Validate() error {
	cm := c.Common
	if strings.TrimSpace(cm.ServerAddr) == "" {
		return errors.New("config: server_addr is empty")
	}
	if cm.ServerPort <= 0 || cm.ServerPort > 65535 {
		return fmt.Errorf("config: server_port %d out of range", cm.ServerPort)
	}
	if cm.PoolCount < 0 {
		return fmt.Errorf("config: pool_count %d is negative", cm.PoolCount)
	}
	switch cm.Protocol {
	case ProtocolTCP, ProtocolWebsocket:
	default:
		return fmt.Errorf("config: unsupported protocol %q", cm.Protocol)
	}
	if cm.TLSPinSHA256 != "" {
		pin := strings.ReplaceAll(cm.TLSPinSHA256, ":", "")
		if b, err := hex.DecodeString(pin); err != nil || len(b) != 32 {
			return fmt.Errorf("config: tls_pin_sha256 must be 64 hex characters")
		}
	}
	if cm.HeartbeatInterval > 0 && cm.HeartbeatTimeout <= cm.HeartbeatInterval {
		return fmt.Errorf("config: heartbeat_timeout (%ds) must exceed heartbeat_interval (%ds)", cm.HeartbeatTimeout, cm.HeartbeatInterval)
	}
	if cm.AdminPort < 0 || cm.AdminPort > 65535 {
		return fmt.Errorf("config: admin_port %d out of range", cm.AdminPort)
	}
	if len(c.Proxies) == 0 {
		return errors.New("config: no proxies configured")
	}
	return nil
}

// ValidateProxies checks every proxy and returns one error per invalid proxy,
// in name order.
func (c *Config) ValidateProxies() []error {
	var errs []error
	for _, p := range c.ProxyList() {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// finish normalizes a freshly decoded configuration.
func (c *Config) finish() {
	if c.Common.Token == "" {
		c.Common.Token = c.Common.LegacyToken
	}
	c.Common.Protocol = strings.ToLower(strings.TrimSpace(c.Common.Protocol))
	if c.Common.Protocol == "" {
		c.Common.Protocol = ProtocolTCP
	}
	if c.Common.MaxBackendDials <= 0 {
		c.Common.MaxBackendDials = DefaultCommon().MaxBackendDials
	}
	if c.Proxies == nil {
		c.Proxies = map[string]Proxy{}
	}
	for name, p := range c.Proxies {
		p.Name = name
		if p.LocalIP == "" {
			p.LocalIP = "127.0.0.1"
		}
		if p.Type == "" {
			p.Type = ProxyTCP
		}
		c.Proxies[name] = p
	}
}
