package compression

import (
	"bytes"
	"testing"
)

func payload() []byte {
	return bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
}

func TestRoundTripAllTypes(t *testing.T) {
	data := payload()
	for _, typ := range []Type{None, Lz4, Zstd} {
		t.Run(typ.String(), func(t *testing.T) {
			compressed, err := Compress(typ, data)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			decompressed, err := Decompress(typ, compressed, len(data))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(decompressed, data) {
				t.Fatalf("round trip mismatch for %s", typ)
			}
		})
	}
}

func TestNoneIsIdentity(t *testing.T) {
	data := []byte("hello world")
	compressed, err := Compress(None, data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !bytes.Equal(compressed, data) {
		t.Fatalf("expected None compression to be identity")
	}
}

func TestUnsupportedTypeErrors(t *testing.T) {
	if _, err := Compress(Type(99), []byte("x")); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
	if _, err := Decompress(Type(99), []byte("x"), 1); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestLz4CompressesRepeatedData(t *testing.T) {
	data := payload()
	compressed, err := Compress(Lz4, data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Fatalf("expected lz4 to shrink highly repetitive data: got %d vs %d", len(compressed), len(data))
	}
}
