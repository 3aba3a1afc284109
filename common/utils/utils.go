package utils

import (
	"os"
	"strconv"
	"strings"
)

// GetEnv returns the value of the environment variable with the given name, or def if it is unset or empty.
func GetEnv(name string, def string) string {
	val := os.Getenv(name)
	if len(val) > 0 {
		return val
	} else {
		return def
	}
}

// GetEnvInt is GetEnv for integer-valued variables. Values that fail to parse yield def.
func GetEnvInt(name string, def int) int {
	val, err := strconv.Atoi(GetEnv(name, strconv.Itoa(def)))
	if err != nil {
		return def
	}

	return val
}

// GetEnvList splits a comma-separated environment variable, dropping empty entries.
func GetEnvList(name string, def []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}

	items := make([]string, 0, strings.Count(raw, ",")+1)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	return items
}

// FilterEnv returns the entries of environ (in "KEY=VALUE" form, as returned by os.Environ)
// whose key appears in allowed.
func FilterEnv(environ []string, allowed []string) map[string]string {
	allowSet := make(map[string]struct{}, len(allowed))
	for _, key := range allowed {
		allowSet[key] = struct{}{}
	}

	filtered := make(map[string]string)
	for _, kv := range environ {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}

		if _, ok := allowSet[key]; ok {
			filtered[key] = value
		}
	}

	return filtered
}
