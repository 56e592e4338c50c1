package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/iric-soft/jfbundle/internal/platform"
)

// Lua schema names.
const (
	luaGlobalJellyfish = "jellyfish"
	luaFieldSource     = "source"
)

// Parser represents a Lua config parser with platform detection.
type Parser struct {
	detector platform.Detector
}

// NewParser creates a new config parser with the given platform detector.
func NewParser(detector platform.Detector) *Parser {
	return &Parser{detector: detector}
}

// ParseFile parses the config file at path.
func (p *Parser) ParseFile(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return p.ParseString(ctx, string(data))
}

// ParseString parses a Lua config from a string.
func (p *Parser) ParseString(ctx context.Context, luaCode string) (*Config, error) {
	L := newSandboxedVM()
	defer L.Close()
	L.SetContext(ctx)

	if p.detector != nil {
		info, err := p.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform detection failed: %w", err)
		}
		if err := platform.InjectPlatformTable(L, info); err != nil {
			return nil, fmt.Errorf("inject platform table: %w", err)
		}
	}

	if err := L.DoString(luaCode); err != nil {
		return nil, &ParseError{
			Message: "Lua error",
			Detail:  err.Error(),
		}
	}

	return extractConfig(L)
}

// ParseError represents a config parsing error with friendly message.
type ParseError struct {
	Message string // User-friendly message
	Detail  string // Technical details (raw Lua error)
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

// extractConfig reads the global jellyfish table. A config that does not
// define it yields an empty Config.
func extractConfig(L *lua.LState) (*Config, error) {
	cfg := &Config{}

	global := L.GetGlobal(luaGlobalJellyfish)
	switch global.Type() {
	case lua.LTNil:
		return cfg, nil
	case lua.LTTable:
	default:
		return nil, &ParseError{
			Message: "invalid 'jellyfish' table",
			Detail:  fmt.Sprintf("expected table, got %s", global.Type()),
		}
	}
	table := global.(*lua.LTable)

	fields := []struct {
		name string
		dst  *string
	}{
		{"version", &cfg.Version},
		{"build_dir", &cfg.BuildDir},
		{"prefix", &cfg.Prefix},
		{"package_dir", &cfg.PackageDir},
		{"python", &cfg.Python},
	}
	for _, f := range fields {
		if err := getString(table, f.name, f.dst); err != nil {
			return nil, err
		}
	}

	// version = 2.3 would silently become "2.3"
	if v := table.RawGetString("version"); v.Type() == lua.LTNumber {
		return nil, &ParseError{
			Message: "invalid field 'version'",
			Detail:  "expected a quoted string such as \"2.3.0\"",
		}
	}

	if v := table.RawGetString("jobs"); v.Type() != lua.LTNil {
		n, ok := v.(lua.LNumber)
		if !ok || float64(n) != float64(int(n)) {
			return nil, &ParseError{
				Message: "invalid field 'jobs'",
				Detail:  fmt.Sprintf("expected integer, got %s", v.String()),
			}
		}
		cfg.Jobs = int(n)
	}

	if v := table.RawGetString("force"); v.Type() != lua.LTNil {
		b, ok := v.(lua.LBool)
		if !ok {
			return nil, &ParseError{
				Message: "invalid field 'force'",
				Detail:  fmt.Sprintf("expected boolean, got %s", v.Type()),
			}
		}
		cfg.Force = bool(b)
	}

	if v := table.RawGetString(luaFieldSource); v.Type() != lua.LTNil {
		src, ok := v.(*lua.LTable)
		if !ok {
			return nil, &ParseError{
				Message: "invalid field 'source'",
				Detail:  fmt.Sprintf("expected table, got %s", v.Type()),
			}
		}
		sourceFields := []struct {
			name string
			dst  *string
		}{
			{"archive", &cfg.Source.Archive},
			{"url", &cfg.Source.URL},
			{"sha256", &cfg.Source.SHA256},
			{"signature", &cfg.Source.Signature},
			{"keyring", &cfg.Source.Keyring},
		}
		for _, f := range sourceFields {
			if err := getString(src, f.name, f.dst); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ParseError{
			Message: "config validation failed",
			Detail:  err.Error(),
		}
	}

	return cfg, nil
}

// getString copies a string field into dst. Nil leaves dst untouched so
// platform.when(...) can disable a setting.
func getString(table *lua.LTable, name string, dst *string) error {
	v := table.RawGetString(name)
	switch v.Type() {
	case lua.LTNil:
		return nil
	case lua.LTString, lua.LTNumber:
		*dst = v.String()
		return nil
	default:
		return &ParseError{
			Message: fmt.Sprintf("invalid field '%s'", name),
			Detail:  fmt.Sprintf("expected string, got %s", v.Type()),
		}
	}
}

// FormatError formats a ParseError for user display.
// In verbose mode, show the raw Lua error. Otherwise, show friendly message.
func FormatError(err error, verbose bool) string {
	if parseErr, ok := err.(*ParseError); ok {
		if verbose {
			return fmt.Sprintf("%s\n\nDetails:\n%s", parseErr.Message, parseErr.Detail)
		}
		detail := parseErr.Detail
		if idx := strings.Index(detail, "stack traceback"); idx > 0 {
			detail = strings.TrimSpace(detail[:idx])
		}
		return fmt.Sprintf("%s: %s", parseErr.Message, detail)
	}
	return err.Error()
}
