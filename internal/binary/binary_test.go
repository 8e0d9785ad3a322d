package binary

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReaderReadByte(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	r := NewReader(data)

	for i, want := range data {
		if r.Position() != i {
			t.Errorf("position before read %d: got %d, want %d", i, r.Position(), i)
		}
		b, err := r.ReadByte()
		if err != nil {
			t.Fatalf("ReadByte %d: %v", i, err)
		}
		if b != want {
			t.Errorf("ReadByte %d: got 0x%02x, want 0x%02x", i, b, want)
		}
	}

	_, err := r.ReadByte()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReaderReadBytes(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02, 0x03, 0x04, 0x05})

	got, err := r.ReadBytes(3)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("ReadBytes: got %v, want [1 2 3]", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len: got %d, want 2", r.Len())
	}
	if _, err := r.ReadBytes(10); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReaderSubPositions(t *testing.T) {
	r := NewReader([]byte{0xAA, 0x01, 0x02, 0x03})
	if _, err := r.ReadByte(); err != nil {
		t.Fatal(err)
	}
	sub, err := r.Sub(2)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if sub.Position() != 1 {
		t.Errorf("sub position: got %d, want 1", sub.Position())
	}
	if _, err := sub.ReadByte(); err != nil {
		t.Fatal(err)
	}
	if sub.Position() != 2 {
		t.Errorf("sub position after read: got %d, want 2", sub.Position())
	}
	if r.Position() != 3 {
		t.Errorf("outer position: got %d, want 3", r.Position())
	}
}

func TestLEB128RoundTrip(t *testing.T) {
	u32 := []uint32{0, 1, 127, 128, 255, 624485, 0xFFFFFFFF}
	for _, v := range u32 {
		w := NewWriter()
		w.WriteU32(v)
		got, err := NewReader(w.Bytes()).ReadU32()
		if err != nil || got != v {
			t.Errorf("u32 %d: got %d, err %v", v, got, err)
		}
	}

	s64 := []int64{0, 1, -1, 63, -64, 64, -65, 1 << 40, -(1 << 40), -9223372036854775808, 9223372036854775807}
	for _, v := range s64 {
		w := NewWriter()
		w.WriteS64(v)
		got, err := NewReader(w.Bytes()).ReadS64()
		if err != nil || got != v {
			t.Errorf("s64 %d: got %d, err %v", v, got, err)
		}
	}

	s32 := []int32{0, -1, -64, -65, 2147483647, -2147483648}
	for _, v := range s32 {
		w := NewWriter()
		w.WriteS32(v)
		got, err := NewReader(w.Bytes()).ReadS32()
		if err != nil || got != v {
			t.Errorf("s32 %d: got %d, err %v", v, got, err)
		}
	}
}

func TestReaderReadU32Overflow(t *testing.T) {
	r := NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x01})
	if _, err := r.ReadU32(); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestFixedWidth(t *testing.T) {
	w := NewWriter()
	w.WriteU16LE(0xBEEF)
	w.WriteU32LE(0xDEADBEEF)
	w.WriteU64LE(0x0102030405060708)
	w.WriteName("héllo")
	w.WriteBlob([]byte{9, 8})

	r := NewReader(w.Bytes())
	if v, _ := r.ReadU16LE(); v != 0xBEEF {
		t.Errorf("u16: got %#x", v)
	}
	if v, _ := r.ReadU32LE(); v != 0xDEADBEEF {
		t.Errorf("u32: got %#x", v)
	}
	if v, _ := r.ReadU64LE(); v != 0x0102030405060708 {
		t.Errorf("u64: got %#x", v)
	}
	if s, err := r.ReadName(); err != nil || s != "héllo" {
		t.Errorf("name: got %q, err %v", s, err)
	}
	n, _ := r.ReadU32()
	blob, _ := r.ReadBytes(int(n))
	if !bytes.Equal(blob, []byte{9, 8}) {
		t.Errorf("blob: got %v", blob)
	}
	if r.Len() != 0 {
		t.Errorf("trailing bytes: %d", r.Len())
	}
}

func TestReadNameInvalidUTF8(t *testing.T) {
	r := NewReader([]byte{0x02, 0xff, 0xfe})
	if _, err := r.ReadName(); err == nil {
		t.Error("expected invalid UTF-8 error")
	}
}

func TestParseErrorKeepsInnermost(t *testing.T) {
	r := NewReader([]byte{0x00})
	inner := r.WrapError("code", io.ErrUnexpectedEOF)
	outer := r.WrapError("module", inner)
	if outer != inner {
		t.Errorf("expected innermost ParseError to be kept, got %v", outer)
	}
	var pe *ParseError
	if !errors.As(outer, &pe) || pe.Section != "code" {
		t.Errorf("unexpected parse error: %v", outer)
	}
}
