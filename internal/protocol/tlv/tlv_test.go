package tlv

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "mpspdz"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestStringListPreservesOrderAndEmptyElements(t *testing.T) {
	want := []string{"input", "", "shares/p0.txt"}
	got, err := StringList(7, want).AsStringList()
	if err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("list mismatch: got=%q want=%q", got, want)
	}

	empty, err := StringList(7, nil).AsStringList()
	if err != nil {
		t.Fatalf("decode empty list: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty list, got %q", empty)
	}
}

func TestStringListRejectsLyingCount(t *testing.T) {
	f := Field{ID: 7, Type: TypeStringList, Value: []byte{0, 0, 0, 9, 0, 0, 0, 1, 'x'}}
	if _, err := f.AsStringList(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestScalarAccessorsEnforceType(t *testing.T) {
	v, err := U64(3, 0xDEADBEEFCAFEBABE).AsU64()
	if err != nil || v != 0xDEADBEEFCAFEBABE {
		t.Fatalf("u64 round trip: v=%x err=%v", v, err)
	}
	code, err := U32(4, 404).AsU32()
	if err != nil || code != 404 {
		t.Fatalf("u32 round trip: v=%d err=%v", code, err)
	}
	if _, err := String(1, "x").AsU64(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := (Field{ID: 3, Type: TypeU64, Value: []byte{1}}).AsU64(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}
