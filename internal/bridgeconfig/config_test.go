package bridgeconfig

import "testing"

func TestDecodeEmptyRawIsZeroOptions(t *testing.T) {
	opts, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	cfg := New(opts)
	if cfg.IsBridged("markdown", "lua") {
		t.Fatalf("an empty config must not bridge anything")
	}
	if cfg.AutoInstallEnabled() {
		t.Fatalf("autoInstall should default to false")
	}
}

func TestIsBridgedRequiresExplicitEnable(t *testing.T) {
	raw := []byte(`{
		"languages": {
			"markdown": {"bridge": {"lua": {"enabled": true}, "python": {"enabled": false}}}
		}
	}`)
	opts, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cfg := New(opts)

	if !cfg.IsBridged("markdown", "lua") {
		t.Fatalf("markdown/lua should be bridged")
	}
	if cfg.IsBridged("markdown", "python") {
		t.Fatalf("markdown/python is explicitly disabled, must not be bridged")
	}
	if cfg.IsBridged("markdown", "sql") {
		t.Fatalf("markdown/sql was never configured, must not be bridged")
	}
	if cfg.IsBridged("yaml", "lua") {
		t.Fatalf("yaml was never configured as a host language, must not be bridged")
	}
}

func TestServerForFindsDeclaringServer(t *testing.T) {
	raw := []byte(`{
		"languageServers": {
			"lua-language-server": {"cmd": ["lua-language-server"], "languages": ["lua"]},
			"pyright": {"cmd": ["pyright-langserver", "--stdio"], "languages": ["python"]}
		}
	}`)
	opts, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cfg := New(opts)

	spec, name, ok := cfg.ServerFor("python")
	if !ok || name != "pyright" {
		t.Fatalf("ServerFor(python) = (%+v, %q, %v), want pyright", spec, name, ok)
	}
	if len(spec.Cmd) == 0 || spec.Cmd[0] != "pyright-langserver" {
		t.Fatalf("ServerFor(python) spec.Cmd = %v", spec.Cmd)
	}

	if _, _, ok := cfg.ServerFor("ruby"); ok {
		t.Fatalf("ServerFor(ruby) should not find a match")
	}
}

func TestDebounceMsDefaultsToZero(t *testing.T) {
	opts, _ := Decode([]byte(`{"debounceMs": 250}`))
	cfg := New(opts)
	if cfg.DebounceMs() != 250 {
		t.Fatalf("DebounceMs() = %d, want 250", cfg.DebounceMs())
	}

	opts2, _ := Decode(nil)
	if New(opts2).DebounceMs() != 0 {
		t.Fatalf("DebounceMs() should default to 0 when unset")
	}
}
