package bot

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Settings is a store's hot-reloadable bot configuration
type Settings map[string]any

type settingKind int

const (
	kindString settingKind = iota
	kindNumber
	kindBool
)

const maxSettingLength = 4096

// allowedSettings is the closed set of keys a patch may touch
var allowedSettings = map[string]settingKind{
	"welcome_message":       kindString,
	"support_contact":       kindString,
	"currency":              kindString,
	"language":              kindString,
	"catalog_page_size":     kindNumber,
	"min_order_amount":      kindNumber,
	"notifications_enabled": kindBool,
	"maintenance_mode":      kindBool,
}

// Clone returns a copy safe to hand out
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// String returns a string setting or def
func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Bool returns a bool setting or false
func (s Settings) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// MergeSettings applies the valid entries of patch on top of current and
// returns the result together with one error per rejected entry. A nil value
// deletes the key.
func MergeSettings(current Settings, patch map[string]any) (Settings, []error) {
	merged := current.Clone()
	var errs []error

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := patch[key]
		kind, ok := allowedSettings[key]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown setting %q", key))
			continue
		}
		if raw == nil {
			delete(merged, key)
			continue
		}
		value, err := coerceSetting(kind, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("setting %q: %w", key, err))
			continue
		}
		merged[key] = value
	}
	return merged, errs
}

func coerceSetting(kind settingKind, raw any) (any, error) {
	switch kind {
	case kindString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		if len(s) > maxSettingLength {
			return nil, fmt.Errorf("value longer than %d bytes", maxSettingLength)
		}
		return s, nil
	case kindNumber:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid number: %w", err)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected number, got %T", raw)
	case kindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unsupported setting kind")
}
