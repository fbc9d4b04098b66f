package params

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// String returns params[key], or def when the key is absent or empty.
func String(p map[string]string, key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Bool parses params[key] as a boolean.
// Accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func Bool(p map[string]string, key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}

	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, &ConfigError{
			Field:   key,
			Value:   v,
			Message: "must be a boolean (true/false, 1/0, yes/no)",
		}
	}
}

// Int parses params[key] as an int.
func Int(p map[string]string, key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Field: key, Value: v, Message: "must be an integer", Cause: err}
	}
	return i, nil
}

// Int64 parses params[key] as an int64.
func Int64(p map[string]string, key string, def int64) (int64, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}

	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &ConfigError{Field: key, Value: v, Message: "must be an integer", Cause: err}
	}
	return i, nil
}

// Duration parses params[key] as a Go duration ("5s", "1m30s") or as
// integer seconds.
func Duration(p map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}

	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	return 0, &ConfigError{
		Field:   key,
		Value:   v,
		Message: "must be a duration (e.g., '5s', '1m30s') or integer seconds",
	}
}

// ExpandPath expands a leading ~/ to the user's home directory and cleans the path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return filepath.Clean(path)
}

// Merge returns a new map holding dst overlaid with src.
func Merge(dst, src map[string]string) map[string]string {
	result := make(map[string]string, len(dst)+len(src))
	maps.Copy(result, dst)
	maps.Copy(result, src)
	return result
}
