package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

var commonKeys = map[string]bool{
	"server_addr": true, "server_port": true, "auth_token": true, "token": true,
	"user": true, "pool_count": true, "protocol": true, "tls_enable": true,
	"tls_pin_sha256": true, "heartbeat_interval": true, "heartbeat_timeout": true,
	"dial_server_timeout": true, "admin_addr": true, "admin_port": true,
	"log_level": true, "max_backend_dials": true,
	// Accepted for frpc.ini compatibility, always on.
	"tcp_mux": true,
}

var proxyKeys = map[string]bool{
	"type": true, "local_ip": true, "local_port": true, "remote_port": true,
	"custom_domains": true, "subdomain": true,
}

// Load reads a configuration file. The format follows the extension:
// .yaml/.yml, .json, anything else is read as frpc.ini.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = parseYAML(b)
	case ".json":
		cfg, err = parseJSON(b)
	default:
		cfg, err = parseINI(b)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func parseINI(b []byte) (*Config, error) {
	f, err := ini.Load(b)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	for _, sec := range f.Sections() {
		name := sec.Name()
		switch name {
		case ini.DefaultSection:
			for _, k := range sec.Keys() {
				cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("key %q outside any section ignored", k.Name()))
			}
		case "common":
			if err := readCommonINI(sec, &cfg.Common, &cfg.Warnings); err != nil {
				return nil, err
			}
		default:
			p, err := readProxyINI(sec, &cfg.Warnings)
			if err != nil {
				return nil, err
			}
			cfg.Proxies[name] = p
		}
	}
	cfg.finish()
	return cfg, nil
}

func readCommonINI(sec *ini.Section, c *Common, warnings *[]string) error {
	for _, k := range sec.Keys() {
		var err error
		switch k.Name() {
		case "server_addr":
			c.ServerAddr = k.String()
		case "server_port":
			c.ServerPort, err = k.Int()
		case "auth_token":
			c.Token = k.String()
		case "token":
			c.LegacyToken = k.String()
		case "user":
			c.User = k.String()
		case "pool_count":
			c.PoolCount, err = k.Int()
		case "protocol":
			c.Protocol = k.String()
		case "tls_enable":
			c.TLSEnable, err = k.Bool()
		case "tls_pin_sha256":
			c.TLSPinSHA256 = k.String()
		case "heartbeat_interval":
			c.HeartbeatInterval, err = k.Int()
		case "heartbeat_timeout":
			c.HeartbeatTimeout, err = k.Int()
		case "dial_server_timeout":
			c.DialServerTimeout, err = k.Int()
		case "admin_addr":
			c.AdminAddr = k.String()
		case "admin_port":
			c.AdminPort, err = k.Int()
		case "log_level":
			c.LogLevel = k.String()
		case "max_backend_dials":
			c.MaxBackendDials, err = k.Int()
		case "tcp_mux":
		default:
			*warnings = append(*warnings, fmt.Sprintf("[common] unknown key %q", k.Name()))
		}
		if err != nil {
			return fmt.Errorf("[common] %s: %w", k.Name(), err)
		}
	}
	return nil
}

func readProxyINI(sec *ini.Section, warnings *[]string) (Proxy, error) {
	p := DefaultProxy(sec.Name())
	for _, k := range sec.Keys() {
		var err error
		switch k.Name() {
		case "type":
			p.Type, err = ParseProxyType(k.String())
		case "local_ip":
			p.LocalIP = k.String()
		case "local_port":
			p.LocalPort, err = k.Int()
		case "remote_port":
			p.RemotePort, err = k.Int()
		case "custom_domains":
			for _, d := range k.Strings(",") {
				if d != "" {
					p.CustomDomains = append(p.CustomDomains, d)
				}
			}
		case "subdomain":
			p.SubDomain = k.String()
		default:
			*warnings = append(*warnings, fmt.Sprintf("[%s] unknown key %q", sec.Name(), k.Name()))
		}
		if err != nil {
			return Proxy{}, fmt.Errorf("[%s] %s: %w", sec.Name(), k.Name(), err)
		}
	}
	return p, nil
}

func parseYAML(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return finishStructured(cfg, raw)
}

func parseJSON(b []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return finishStructured(cfg, raw)
}

func finishStructured(cfg *Config, raw map[string]any) (*Config, error) {
	for name, p := range cfg.Proxies {
		t, err := ParseProxyType(string(p.Type))
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", name, err)
		}
		p.Type = t
		cfg.Proxies[name] = p
	}
	cfg.Warnings = unknownKeys(raw)
	cfg.finish()
	return cfg, nil
}

// unknownKeys walks a generic decode of a YAML or JSON document.
func unknownKeys(raw map[string]any) []string {
	var out []string
	for k, v := range raw {
		switch k {
		case "common":
			for ck := range asMap(v) {
				if !commonKeys[ck] {
					out = append(out, fmt.Sprintf("common: unknown key %q", ck))
				}
			}
		case "proxies":
			for name, pv := range asMap(v) {
				for pk := range asMap(pv) {
					if !proxyKeys[pk] {
						out = append(out, fmt.Sprintf("proxies.%s: unknown key %q", name, pk))
					}
				}
			}
		default:
			out = append(out, fmt.Sprintf("unknown top-level key %q", k))
		}
	}
	sort.Strings(out)
	return out
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
