package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Size: 128, ID: ServiceFnID(2, 7), Error: 0}
	buf := make([]byte, HeaderSize)
	if err := h.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
	svc, fn := SplitServiceFn(got.ID)
	if svc != 2 || fn != 7 {
		t.Fatalf("split = (%d,%d), want (2,7)", svc, fn)
	}
}

func TestEncodeDecodeFields(t *testing.T) {
	enc := NewEncoder()
	enc.PutUint32(42)
	enc.PutInt64(-7)
	enc.PutBytes([]byte("payload"))
	if err := enc.PutName("comp1"); err != nil {
		t.Fatalf("PutName: %v", err)
	}

	dec := NewDecoder(enc.Bytes())
	u, err := dec.Uint32()
	if err != nil || u != 42 {
		t.Fatalf("Uint32 = %d, %v", u, err)
	}
	i, err := dec.Int64()
	if err != nil || i != -7 {
		t.Fatalf("Int64 = %d, %v", i, err)
	}
	b, err := dec.Bytes()
	if err != nil || !bytes.Equal(b, []byte("payload")) {
		t.Fatalf("Bytes = %q, %v", b, err)
	}
	name, err := dec.Name()
	if err != nil || name != "comp1" {
		t.Fatalf("Name = %q, %v", name, err)
	}
	if dec.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", dec.Remaining())
	}
}

func TestPutNameTooLong(t *testing.T) {
	enc := NewEncoder()
	long := bytes.Repeat([]byte("a"), MaxNameLength+1)
	if err := enc.PutName(string(long)); err == nil {
		t.Fatal("expected error for over-long name")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	dec := NewDecoder([]byte{0x01})
	if _, err := dec.Uint32(); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestSwapUint32InPlace(t *testing.T) {
	buf := make([]byte, 4)
	NewEncoder()
	e := NewEncoder()
	e.PutUint32(0x01020304)
	copy(buf, e.Bytes())
	if err := SwapUint32InPlace(buf, 0); err != nil {
		t.Fatalf("swap: %v", err)
	}
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(buf, want) {
		t.Fatalf("got %x, want %x", buf, want)
	}
}

func FuzzDecodeName(f *testing.F) {
	f.Add([]byte{0x00, 0x03, 'a', 'b', 'c'})
	f.Fuzz(func(t *testing.T, data []byte) {
		dec := NewDecoder(data)
		_, _ = dec.Name() // must never panic
	})
}
