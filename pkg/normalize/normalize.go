// Package normalize turns Zabbix item keys and host names into names the
// Wavefront line protocol accepts.
//
// A metric name is lower-case, uses only [a-z0-9._-], never contains two
// consecutive dots, never starts or ends with a dot, contains at least one
// dot and starts with the configured namespace prefix.
package normalize

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrNoDot is returned when the normalized name has no dot at all. This
	// only happens with an empty or dotless prefix.
	ErrNoDot = errors.New("normalized metric name contains no dot")

	// ErrBadPrefix is returned when the prefix itself would leave a leading
	// dot or a dot run in the name.
	ErrBadPrefix = errors.New("prefix yields a leading dot or consecutive dots")

	// ErrEmptyKey is returned when nothing of the source key survives
	// normalization, e.g. a key made only of punctuation.
	ErrEmptyKey = errors.New("source key normalizes to an empty name")
)

var (
	// Go's \w and \s are ASCII-only: [0-9A-Za-z_] and [\t\n\f\r ].
	punctOrSpace = regexp.MustCompile(`[^\w\s\-.]|\s+`)
	dotRun       = regexp.MustCompile(`\.+`)
)

// replace is step 1 of the name algorithm: every whitespace run and every
// character outside word chars, whitespace, '-' and '.' becomes one '.'.
func replace(s string) string {
	return punctOrSpace.ReplaceAllString(s, ".")
}

// MetricName normalizes key and applies prefix.
//
// The steps run in a fixed order: replace punctuation and whitespace with
// dots, collapse dot runs, strip dots at both ends of the key, prepend the
// prefix unless the key already carries it (compared case-insensitively),
// lower-case everything. The result is rejected with ErrEmptyKey, ErrNoDot
// or ErrBadPrefix instead of being returned in a form the sink would refuse.
func MetricName(key, prefix string) (string, error) {
	name := dotRun.ReplaceAllString(replace(key), ".")
	name = strings.Trim(name, ".")
	if name == "" {
		return "", ErrEmptyKey
	}

	if !hasPrefixFold(name, prefix) {
		name = prefix + name
	}

	if !strings.Contains(name, ".") {
		return "", ErrNoDot
	}
	if strings.HasPrefix(name, ".") || strings.Contains(name, "..") {
		return "", ErrBadPrefix
	}
	return strings.ToLower(name), nil
}

// Host normalizes a host name: punctuation and whitespace become dots and
// underscores become dots. Case is preserved.
func Host(host string) string {
	return strings.ReplaceAll(replace(host), "_", ".")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
