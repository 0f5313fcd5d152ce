// Package bitfield packs and unpacks struct fields into integers.
// Fields are laid out least-significant bit first, in declaration order,
// using the width given by their "bitfield" tag.
// This is a simplified version based on golang.org/x/text/internal/gen/bitfield
package bitfield

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Config determines settings for packing.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	// Zero means 64.
	NumBits uint
}

// field is one tagged struct field and its position in the packed word.
type field struct {
	index  int
	name   string
	offset uint
	bits   uint
}

// layout parses the bitfield tags of t. Tags look like ",N" or "name,N".
func layout(t reflect.Type) ([]field, uint, error) {
	var fields []field
	var bitOffset uint

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		comma := strings.LastIndexByte(tag, ',')
		if comma < 0 {
			return nil, 0, fmt.Errorf("invalid bitfield tag %q on field %s", tag, f.Name)
		}
		bits, err := strconv.ParseUint(tag[comma+1:], 10, 8)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid bitfield tag %q on field %s", tag, f.Name)
		}
		if bits == 0 {
			continue
		}

		fields = append(fields, field{index: i, name: f.Name, offset: bitOffset, bits: uint(bits)})
		bitOffset += uint(bits)
	}
	return fields, bitOffset, nil
}

func structValue(x interface{}, op string) (reflect.Value, error) {
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%s: expected struct, got %v", op, v.Kind())
	}
	return v, nil
}

// Pack packs annotated bit ranges of struct x into an integer.
// Only fields that have a "bitfield" tag are compacted.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v, err := structValue(x, "Pack")
	if err != nil {
		return 0, err
	}

	fields, total, err := layout(v.Type())
	if err != nil {
		return 0, fmt.Errorf("Pack: %w", err)
	}
	if c.NumBits > 0 && total > c.NumBits {
		return 0, fmt.Errorf("Pack: total bits %d exceeds NumBits %d", total, c.NumBits)
	}

	for _, f := range fields {
		fieldValue := v.Field(f.index)
		var fieldBits uint64

		switch fieldValue.Kind() {
		case reflect.Bool:
			if fieldValue.Bool() {
				fieldBits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldBits = fieldValue.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			val := fieldValue.Int()
			if val < 0 {
				return 0, fmt.Errorf("Pack: negative value %d for field %s", val, f.name)
			}
			fieldBits = uint64(val)
		default:
			return 0, fmt.Errorf("Pack: unsupported field type %v for field %s", fieldValue.Kind(), f.name)
		}

		if fieldBits > mask(f.bits) {
			return 0, fmt.Errorf("Pack: value %d exceeds %d bits for field %s", fieldBits, f.bits, f.name)
		}

		packed |= fieldBits << f.offset
	}

	return packed, nil
}

// Unpack is the inverse of Pack. x must be a pointer to a struct.
func Unpack(packed uint64, x interface{}) error {
	if reflect.ValueOf(x).Kind() != reflect.Ptr {
		return fmt.Errorf("Unpack: expected pointer to struct, got %T", x)
	}
	v, err := structValue(x, "Unpack")
	if err != nil {
		return err
	}

	fields, _, err := layout(v.Type())
	if err != nil {
		return fmt.Errorf("Unpack: %w", err)
	}

	for _, f := range fields {
		bits := (packed >> f.offset) & mask(f.bits)
		fieldValue := v.Field(f.index)

		switch fieldValue.Kind() {
		case reflect.Bool:
			fieldValue.SetBool(bits != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldValue.SetUint(bits)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fieldValue.SetInt(int64(bits))
		default:
			return fmt.Errorf("Unpack: unsupported field type %v for field %s", fieldValue.Kind(), f.name)
		}
	}
	return nil
}

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}
