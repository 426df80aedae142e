package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValidYAML(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
verbosity: debug
address: 0.0.0.0:53
script: |
  function init() return {} end
  function route(u, i, c, q) return blackhole(q) end
upstreams:
  default:
    udp:
      addr: 1.1.1.1:53
  secure:
    tls:
      addr: 9.9.9.9:853
      domain: dns.quad9.net
  hybrid:
    hybrid: [default, secure]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Upstreams["default"].UDP.Timeout != 5 {
		t.Errorf("expected default timeout of 5s, got %d", cfg.Upstreams["default"].UDP.Timeout)
	}
	if cfg.Upstreams["secure"].TLS.MaxReuse != 64 {
		t.Errorf("expected default max_reuse of 64, got %d", cfg.Upstreams["secure"].TLS.MaxReuse)
	}
	if cfg.Upstreams["secure"].TLS.SNI == nil || !*cfg.Upstreams["secure"].TLS.SNI {
		t.Errorf("expected sni to default true")
	}
}

func TestLoadValidJSON(t *testing.T) {
	path := writeTemp(t, "config.json", `{
		"verbosity": "info",
		"address": "0.0.0.0:53",
		"script": "function init() return {} end\nfunction route(u,i,c,q) return blackhole(q) end",
		"upstreams": {"default": {"udp": {"addr": "1.1.1.1:53"}}}
	}`)
	if _, err := Load(path); err != nil {
		t.Fatalf("load json: %v", err)
	}
}

func TestLoadRejectsMultiMethodUpstream(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
verbosity: info
address: 0.0.0.0:53
script: "x"
upstreams:
  bad:
    udp:
      addr: 1.1.1.1:53
    tls:
      addr: 1.1.1.1:853
      domain: example.com
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for multi-method upstream")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}

func TestLoadRejectsMissingScript(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
verbosity: info
address: 0.0.0.0:53
upstreams: {}
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for missing script")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
