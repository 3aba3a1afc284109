package resourcemanager

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DNSLabel lowercases name and replaces every character that may not appear in a DNS-1123 label with '-'.
func DNSLabel(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}

	label := strings.Trim(b.String(), "-")
	if len(label) > 40 {
		label = strings.TrimRight(label[:40], "-")
	}

	if label == "" {
		return "kernel"
	}

	return label
}

// UniqueName returns DNSLabel(name) followed by a random suffix. Backends whose resource manager does not
// assign identifiers use it as the application ID.
func UniqueName(name string) string {
	return fmt.Sprintf("%s-%s", DNSLabel(name), uuid.NewString()[:8])
}

// ResourceEnvName returns the environment variable through which container-based backends pass the
// staged URL of the named file to the application.
func ResourceEnvName(name string) string {
	return "KERNEL_RESOURCE_" + strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToUpper(name))
}
