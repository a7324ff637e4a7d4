package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleINI = `
[common]
server_addr = frps.example.com
server_port = 7001
token = secret
heartbeat_interval = 10
heartbeat_timeout = 40
log_level = debug
colour = blue

[ssh]
type = tcp
local_port = 22
remote_port = 6000

[web]
type = http
local_ip = 10.0.0.5
local_port = 8080
custom_domains = a.example.com, b.example.com

[blog]
type = https
local_port = 8443
subdomain = blog
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_INI(t *testing.T) {
	cfg, err := Load(writeFile(t, "frpc.ini", sampleINI))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerAddr() != "frps.example.com" || cfg.ServerPort() != 7001 {
		t.Fatalf("unexpected server: %s:%d", cfg.ServerAddr(), cfg.ServerPort())
	}
	if cfg.AuthToken() != "secret" {
		t.Fatalf("legacy token key not applied: %q", cfg.AuthToken())
	}
	if cfg.HeartbeatInterval() != 10*time.Second || cfg.HeartbeatTimeout() != 40*time.Second {
		t.Fatalf("unexpected heartbeat: %v/%v", cfg.HeartbeatInterval(), cfg.HeartbeatTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	list := cfg.ProxyList()
	if len(list) != 3 || list[0].Name != "blog" || list[1].Name != "ssh" || list[2].Name != "web" {
		t.Fatalf("proxies not ordered by name: %+v", list)
	}
	ssh, err := cfg.ResolveProxy("ssh")
	if err != nil {
		t.Fatal(err)
	}
	if ssh.LocalAddr() != "127.0.0.1:22" || ssh.RemotePort != 6000 {
		t.Fatalf("unexpected ssh proxy: %+v", ssh)
	}
	web, _ := cfg.ResolveProxy("web")
	if len(web.CustomDomains) != 2 || web.CustomDomains[1] != "b.example.com" {
		t.Fatalf("unexpected domains: %v", web.CustomDomains)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "colour") {
		t.Fatalf("expected one unknown-key warning, got %v", cfg.Warnings)
	}
}

func TestLoad_INIUnsupportedType(t *testing.T) {
	_, err := Load(writeFile(t, "frpc.ini", "[common]\nserver_port = 7000\n[dns]\ntype = udp\nlocal_port = 53\n"))
	if err == nil || !strings.Contains(err.Error(), "[dns]") {
		t.Fatalf("expected error naming the section, got %v", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	body := `
common:
  server_addr: 192.0.2.1
  auth_token: secret
  protocol: websocket
proxies:
  ssh:
    type: tcp
    local_port: 22
    remote_port: 6000
    weight: 3
  site:
    type: http
    local_port: 80
    subdomain: site
`
	cfg, err := Load(writeFile(t, "frpc.yaml", body))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerPort() != 7000 {
		t.Fatalf("default port not kept: %d", cfg.ServerPort())
	}
	if cfg.Common.Protocol != ProtocolWebsocket {
		t.Fatalf("unexpected protocol %q", cfg.Common.Protocol)
	}
	site, err := cfg.ResolveProxy("site")
	if err != nil {
		t.Fatal(err)
	}
	if site.Name != "site" || site.LocalIP != "127.0.0.1" || site.SubDomain != "site" {
		t.Fatalf("unexpected proxy: %+v", site)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "weight") {
		t.Fatalf("expected weight warning, got %v", cfg.Warnings)
	}
}

func TestLoad_JSON(t *testing.T) {
	body := `{"common":{"server_addr":"10.1.1.1","server_port":7500,"auth_token":"t"},
"proxies":{"db":{"type":"tcp","local_port":5432,"remote_port":15432}}}`
	cfg, err := Load(writeFile(t, "frpc.json", body))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerAddress() != "10.1.1.1:7500" {
		t.Fatalf("unexpected address %s", cfg.ServerAddress())
	}
	db, _ := cfg.ResolveProxy("db")
	if db.LocalAddr() != "127.0.0.1:5432" {
		t.Fatalf("unexpected local addr %s", db.LocalAddr())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.ini")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestResolveProxy_NotFound(t *testing.T) {
	cfg := Default()
	_, err := cfg.ResolveProxy("ghost")
	if !errors.Is(err, ErrProxyNotFound) {
		t.Fatalf("expected ErrProxyNotFound, got %v", err)
	}
}

func TestProxyValidate(t *testing.T) {
	web := Proxy{Name: "w", Type: ProxyHTTP, LocalIP: "127.0.0.1", LocalPort: 80}
	if err := web.Validate(); !errors.Is(err, ErrMissingDomain) {
		t.Fatalf("expected ErrMissingDomain, got %v", err)
	}
	web.CustomDomains = []string{"w.example.com"}
	if err := web.Validate(); err != nil {
		t.Fatal(err)
	}

	tcp := Proxy{Name: "t", Type: ProxyTCP, LocalIP: "127.0.0.1", LocalPort: 0}
	if err := tcp.Validate(); err == nil {
		t.Fatal("expected local_port error")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty proxy set")
	}
	cfg.Proxies["ssh"] = Proxy{Name: "ssh", Type: ProxyTCP, LocalIP: "127.0.0.1", LocalPort: 22}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	cfg.Common.HeartbeatTimeout = cfg.Common.HeartbeatInterval
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected heartbeat error")
	}
	cfg.Common.HeartbeatTimeout = 90
	cfg.Common.TLSPinSHA256 = "abcd"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected pin error")
	}
}
