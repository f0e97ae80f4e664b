// Package binstruct decodes the tightly-packed, little-endian, unaligned
// on-disk layouts used by Btrfs from raw byte slices.
//
// Fields are described with a `bin:"off=...,siz=..."` struct tag giving the
// field's byte offset and size within the enclosing struct; Unmarshal walks
// the tag set by reflection instead of reinterpreting memory, so it works
// the same way regardless of the host's alignment or endianness. A field
// may instead implement Unmarshaler to take over its own decoding (used for
// checksums, UUIDs, variable-length chunk/stripe arrays, and so on).
package binstruct

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Unmarshaler is implemented by types that decode their own fixed-size
// on-disk representation.
type Unmarshaler interface {
	UnmarshalBinary(dat []byte) (int, error)
}

// StaticSizer is implemented by types whose on-disk size cannot be derived
// from their Go kind alone (e.g. because they implement Unmarshaler).
type StaticSizer interface {
	BinaryStaticSize() int
}

// End marks the tail of a struct; its `bin:"off=..."` tag records the
// struct's total packed size and is checked against the sum of preceding
// field sizes.
type End struct{}

var endType = reflect.TypeOf(End{})

var (
	staticSizerType = reflect.TypeOf((*StaticSizer)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
)

// Unmarshal decodes dat into dstPtr, which must be a pointer. It returns the
// number of bytes consumed.
func Unmarshal(dat []byte, dstPtr any) (int, error) {
	if unmar, ok := dstPtr.(Unmarshaler); ok {
		return unmar.UnmarshalBinary(dat)
	}

	v := reflect.ValueOf(dstPtr)
	if v.Kind() != reflect.Ptr {
		return 0, fmt.Errorf("binstruct: Unmarshal: dst is %v, not a pointer", v.Kind())
	}
	dst := v.Elem()

	switch dst.Kind() {
	case reflect.Uint8:
		if err := needBytes(dat, 1); err != nil {
			return 0, err
		}
		dst.SetUint(uint64(dat[0]))
		return 1, nil
	case reflect.Uint16:
		if err := needBytes(dat, 2); err != nil {
			return 0, err
		}
		dst.SetUint(uint64(binary.LittleEndian.Uint16(dat)))
		return 2, nil
	case reflect.Uint32:
		if err := needBytes(dat, 4); err != nil {
			return 0, err
		}
		dst.SetUint(uint64(binary.LittleEndian.Uint32(dat)))
		return 4, nil
	case reflect.Uint64, reflect.Uint:
		if err := needBytes(dat, 8); err != nil {
			return 0, err
		}
		dst.SetUint(binary.LittleEndian.Uint64(dat))
		return 8, nil
	case reflect.Int8:
		if err := needBytes(dat, 1); err != nil {
			return 0, err
		}
		dst.SetInt(int64(int8(dat[0])))
		return 1, nil
	case reflect.Int16:
		if err := needBytes(dat, 2); err != nil {
			return 0, err
		}
		dst.SetInt(int64(int16(binary.LittleEndian.Uint16(dat))))
		return 2, nil
	case reflect.Int32:
		if err := needBytes(dat, 4); err != nil {
			return 0, err
		}
		dst.SetInt(int64(int32(binary.LittleEndian.Uint32(dat))))
		return 4, nil
	case reflect.Int64, reflect.Int:
		if err := needBytes(dat, 8); err != nil {
			return 0, err
		}
		dst.SetInt(int64(binary.LittleEndian.Uint64(dat)))
		return 8, nil
	case reflect.Array:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			n := dst.Len()
			if err := needBytes(dat, n); err != nil {
				return 0, err
			}
			reflect.Copy(dst, reflect.ValueOf(dat[:n]))
			return n, nil
		}
		var n int
		for i := 0; i < dst.Len(); i++ {
			_n, err := Unmarshal(dat[n:], dst.Index(i).Addr().Interface())
			n += _n
			if err != nil {
				return n, err
			}
		}
		return n, nil
	case reflect.Struct:
		return unmarshalStruct(dat, dst)
	default:
		return 0, fmt.Errorf("binstruct: Unmarshal: unsupported kind %v", dst.Kind())
	}
}

// StaticSize returns the packed on-disk size of obj's type.
func StaticSize(obj any) int {
	sz, err := staticSize(reflect.TypeOf(obj))
	if err != nil {
		panic(err)
	}
	return sz
}

func staticSize(typ reflect.Type) (int, error) {
	if typ.Implements(staticSizerType) {
		return reflect.New(typ).Elem().Interface().(StaticSizer).BinaryStaticSize(), nil
	}
	switch typ.Kind() {
	case reflect.Uint8, reflect.Int8:
		return 1, nil
	case reflect.Uint16, reflect.Int16:
		return 2, nil
	case reflect.Uint32, reflect.Int32:
		return 4, nil
	case reflect.Uint64, reflect.Int64, reflect.Uint, reflect.Int:
		return 8, nil
	case reflect.Array:
		elemSize, err := staticSize(typ.Elem())
		if err != nil {
			return 0, err
		}
		return elemSize * typ.Len(), nil
	case reflect.Struct:
		if typ.Implements(unmarshalerType) || reflect.PtrTo(typ).Implements(unmarshalerType) {
			return 0, fmt.Errorf("binstruct: %v: implements Unmarshaler but not StaticSizer", typ)
		}
		h, err := structLayout(typ)
		if err != nil {
			return 0, err
		}
		return h.size, nil
	default:
		return 0, fmt.Errorf("binstruct: %v: not a statically-sized kind", typ)
	}
}

type fieldTag struct {
	off, siz int
	skip     bool
}

func parseTag(str string) (fieldTag, error) {
	var t fieldTag
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "-" {
			return fieldTag{skip: true}, nil
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return fieldTag{}, fmt.Errorf("binstruct: bad tag component %q", part)
		}
		n, err := strconv.ParseInt(kv[1], 0, 0)
		if err != nil {
			return fieldTag{}, err
		}
		switch kv[0] {
		case "off":
			t.off = int(n)
		case "siz":
			t.siz = int(n)
		default:
			return fieldTag{}, fmt.Errorf("binstruct: unknown tag key %q", kv[0])
		}
	}
	return t, nil
}

type structLayoutInfo struct {
	size   int
	fields []fieldTag
}

var structLayoutCache = map[reflect.Type]structLayoutInfo{}

func structLayout(typ reflect.Type) (structLayoutInfo, error) {
	if h, ok := structLayoutCache[typ]; ok {
		return h, nil
	}
	var h structLayoutInfo
	var cur, end int
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		t, err := parseTag(f.Tag.Get("bin"))
		if err != nil {
			return h, fmt.Errorf("%v.%s: %w", typ, f.Name, err)
		}
		if t.skip {
			h.fields = append(h.fields, t)
			continue
		}
		if f.Type == endType {
			end = t.off
			h.fields = append(h.fields, t)
			continue
		}
		if t.off != cur {
			return h, fmt.Errorf("%v.%s: tag says off=%#x but preceding fields end at %#x", typ, f.Name, t.off, cur)
		}
		sz, err := staticSize(f.Type)
		if err != nil {
			return h, fmt.Errorf("%v.%s: %w", typ, f.Name, err)
		}
		if t.siz != sz {
			return h, fmt.Errorf("%v.%s: tag says siz=%#x but type size is %#x", typ, f.Name, t.siz, sz)
		}
		cur += t.siz
		h.fields = append(h.fields, t)
	}
	h.size = cur
	if end != 0 && end != cur {
		return h, fmt.Errorf("%v: binstruct.End at %#x but fields total %#x", typ, end, cur)
	}
	structLayoutCache[typ] = h
	return h, nil
}

func unmarshalStruct(dat []byte, dst reflect.Value) (int, error) {
	h, err := structLayout(dst.Type())
	if err != nil {
		return 0, err
	}
	if err := needBytes(dat, h.size); err != nil {
		return 0, fmt.Errorf("%v: %w", dst.Type(), err)
	}
	var n int
	for i, t := range h.fields {
		if t.skip {
			continue
		}
		field := dst.Field(i)
		if field.Type() == endType {
			continue
		}
		fv := field.Addr().Interface()
		_n, err := Unmarshal(dat[n:], fv)
		if err != nil {
			return n, fmt.Errorf("%v.%s: %w", dst.Type(), dst.Type().Field(i).Name, err)
		}
		if _n != t.siz {
			return n, fmt.Errorf("%v.%s: consumed %d bytes but tag says %d", dst.Type(), dst.Type().Field(i).Name, _n, t.siz)
		}
		n += _n
	}
	return n, nil
}

func needBytes(dat []byte, n int) error {
	if len(dat) < n {
		return fmt.Errorf("binstruct: need %d bytes, only have %d: %w", n, len(dat), ErrTruncated)
	}
	return nil
}
