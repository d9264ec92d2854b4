package spec

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ByteSize is a memory amount in bytes, declared in YAML either as a plain
// integer or as a human-readable scalar such as "300M" or "2G".
type ByteSize uint64

const (
	kibibyte = 1024
	mebibyte = 1024 * kibibyte
	gibibyte = 1024 * mebibyte
	tebibyte = 1024 * gibibyte
)

// ParseByteSize parses "300M"-style values. Accepted suffixes are K, M, G, T
// with an optional trailing B, case-insensitive. No suffix means bytes.
func ParseByteSize(s string) (ByteSize, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	upper := strings.ToUpper(trimmed)
	upper = strings.TrimSuffix(upper, "B")

	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(upper, "K"):
		multiplier = kibibyte
		upper = strings.TrimSuffix(upper, "K")
	case strings.HasSuffix(upper, "M"):
		multiplier = mebibyte
		upper = strings.TrimSuffix(upper, "M")
	case strings.HasSuffix(upper, "G"):
		multiplier = gibibyte
		upper = strings.TrimSuffix(upper, "G")
	case strings.HasSuffix(upper, "T"):
		multiplier = tebibyte
		upper = strings.TrimSuffix(upper, "T")
	}

	value, err := strconv.ParseUint(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}

	return ByteSize(value * multiplier), nil
}

func (b ByteSize) Bytes() uint64 {
	return uint64(b)
}

func (b ByteSize) String() string {
	switch {
	case b == 0:
		return "0"
	case b%tebibyte == 0:
		return fmt.Sprintf("%dT", b/tebibyte)
	case b%gibibyte == 0:
		return fmt.Sprintf("%dG", b/gibibyte)
	case b%mebibyte == 0:
		return fmt.Sprintf("%dM", b/mebibyte)
	case b%kibibyte == 0:
		return fmt.Sprintf("%dK", b/kibibyte)
	default:
		return strconv.FormatUint(uint64(b), 10)
	}
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("byte size must be a scalar, got %v", node.Kind)
	}

	// Plain integers are taken as bytes
	if value, err := strconv.ParseUint(node.Value, 10, 64); err == nil {
		*b = ByteSize(value)
		return nil
	}

	parsed, err := ParseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}
