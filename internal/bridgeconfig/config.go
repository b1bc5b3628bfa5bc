// Package bridgeconfig decodes the bridge's initializationOptions (§6) into
// typed Go structs and answers the lookups C6/C13 need from it: which
// downstream server handles a given injection language, and whether a
// given (host, injection) language pair is bridged at all.
package bridgeconfig

import "encoding/json"

// ServerSpec is one entry of languageServers.
type ServerSpec struct {
	Cmd                   []string        `json:"cmd"`
	Languages             []string        `json:"languages"`
	WorkspaceType         string          `json:"workspaceType,omitempty"`
	InitializationOptions json.RawMessage `json:"initializationOptions,omitempty"`
}

// BridgeGate is one entry of languages[hostLang].bridge[injectedLang].
type BridgeGate struct {
	Enabled bool `json:"enabled"`
}

// HostLanguageConfig is one entry of the top-level languages map.
type HostLanguageConfig struct {
	Bridge map[string]BridgeGate `json:"bridge"`
}

// Options is the full decoded initializationOptions payload (§6
// "Recognized options").
type Options struct {
	LanguageServers map[string]ServerSpec         `json:"languageServers"`
	Languages       map[string]HostLanguageConfig  `json:"languages"`
	SearchPaths     []string                       `json:"searchPaths,omitempty"`
	AutoInstall     bool                           `json:"autoInstall"`
	DebounceMs      int                            `json:"debounceMs,omitempty"`
}

// Decode parses raw initializationOptions JSON. A nil/empty raw is not an
// error — it decodes to the zero Options (no servers configured, no
// language bridged, matching an editor that never sets any options).
func Decode(raw json.RawMessage) (*Options, error) {
	opts := &Options{}
	if len(raw) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(raw, opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// Config is the resolved view Options exposes to the rest of the bridge:
// fast lookups keyed by (hostLanguage, injectionLanguage).
type Config struct {
	opts *Options
}

// New wraps a decoded Options.
func New(opts *Options) *Config {
	return &Config{opts: opts}
}

// IsBridged reports whether (hostLang, injectionLang) is gated on (§6
// "languages: ... bridge: ... enabled"). Absence of either the host
// language or the injection-language entry means "not bridged" — the
// config is opt-in, not opt-out.
func (c *Config) IsBridged(hostLang, injectionLang string) bool {
	hc, ok := c.opts.Languages[hostLang]
	if !ok {
		return false
	}
	gate, ok := hc.Bridge[injectionLang]
	return ok && gate.Enabled
}

// ServerFor returns the server spec that declares support for
// injectionLang, its name in languageServers, and whether one was found.
// When more than one server declares the same language, the first match
// in map iteration order wins; Go randomizes that order on every range, so
// which of them is returned can differ from one call to the next.
func (c *Config) ServerFor(injectionLang string) (ServerSpec, string, bool) {
	for name, spec := range c.opts.LanguageServers {
		for _, lang := range spec.Languages {
			if lang == injectionLang {
				return spec, name, true
			}
		}
	}
	return ServerSpec{}, "", false
}

// AutoInstallEnabled gates C10 (§6 "autoInstall?: bool").
func (c *Config) AutoInstallEnabled() bool { return c.opts.AutoInstall }

// DebounceMs overrides §4.11's default when > 0.
func (c *Config) DebounceMs() int { return c.opts.DebounceMs }

// SearchPaths is passed through to parser loading, not consumed here.
func (c *Config) SearchPaths() []string { return c.opts.SearchPaths }
