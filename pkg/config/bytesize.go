package config

import (
	"fmt"

	units "github.com/docker/go-units"
)

// ByteSize is a size in bytes. It decodes either a plain integer or a number
// with one of the K, M, G, T suffixes (powers of 1024), e.g. "1.5G".
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := ParseByteSize(value)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// ParseByteSize parses a positive byte specification.
func ParseByteSize(value string) (ByteSize, error) {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid byte specification: %w", value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%q is not a valid byte specification: size must be positive", value)
	}
	return ByteSize(n), nil
}
