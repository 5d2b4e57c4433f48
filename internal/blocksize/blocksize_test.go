package blocksize

import "testing"

func TestNextPowerOfTwoIdentity(t *testing.T) {
	tests := []struct {
		n    uint64
		want Class
	}{
		{4096, Class4K},
		{8192, Class8K},
		{16384, Class16K},
		{32768, Class32K},
		{65536, Class64K},
		{131072, Class128K},
		{262144, Class256K},
		{524288, Class512K},
		{1048576, Class1M},
	}
	for _, tt := range tests {
		got, err := NextPowerOfTwo(tt.n)
		if err != nil {
			t.Fatalf("NextPowerOfTwo(%d): unexpected error: %v", tt.n, err)
		}
		if got != tt.want {
			t.Errorf("NextPowerOfTwo(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestNextPowerOfTwoRoundsUp(t *testing.T) {
	tests := []struct {
		n    uint64
		want Class
	}{
		{0, Class4K},
		{1, Class4K},
		{4097, Class8K},
		{1048576 - 1, Class1M},
	}
	for _, tt := range tests {
		got, err := NextPowerOfTwo(tt.n)
		if err != nil {
			t.Fatalf("NextPowerOfTwo(%d): unexpected error: %v", tt.n, err)
		}
		if got != tt.want {
			t.Errorf("NextPowerOfTwo(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestNextPowerOfTwoTooLarge(t *testing.T) {
	if _, err := NextPowerOfTwo(1048577); err != ErrDataTooLarge {
		t.Fatalf("NextPowerOfTwo(1048577): got err=%v, want ErrDataTooLarge", err)
	}
}

func TestParentChildRoundTrip(t *testing.T) {
	for _, c := range All() {
		if c.HasParent() {
			p := c.Parent()
			if !p.HasChild() || p.Child() != c {
				t.Errorf("class %v: parent %v does not round-trip via Child()", c, p)
			}
		}
		if c.HasChild() {
			ch := c.Child()
			if !ch.HasParent() || ch.Parent() != c {
				t.Errorf("class %v: child %v does not round-trip via Parent()", c, ch)
			}
		}
	}
}

func TestFreeListKeyRoundTrip(t *testing.T) {
	key := FreeListKey(Class64K, 17)
	if key != "free_64k_17" {
		t.Fatalf("FreeListKey = %q, want %q", key, "free_64k_17")
	}
	n, ok := ParseFreeListKey(Class64K, key)
	if !ok || n != 17 {
		t.Fatalf("ParseFreeListKey(%q) = (%d, %v), want (17, true)", key, n, ok)
	}
	if _, ok := ParseFreeListKey(Class128K, key); ok {
		t.Fatalf("ParseFreeListKey should reject a key from a different class")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	m := Metadata{BlockSize: Class32K, BlockNum: 42, BuddyNum: 43, DataSize: 12345}
	got, ok := DecodeMetadata(EncodeMetadata(m))
	if !ok {
		t.Fatal("DecodeMetadata failed on a record we just encoded")
	}
	if got != m {
		t.Fatalf("DecodeMetadata = %+v, want %+v", got, m)
	}
}

func TestHashKeyNamespacing(t *testing.T) {
	var h [32]byte
	copy(h[:], "freeXXXXXXXXXXXXXXXXXXXXXXXXXXXX")
	key := HashKey(h)
	if key[0] != hashKeyTag {
		t.Fatalf("HashKey must start with the non-ASCII tag byte, got %#x", key[0])
	}
}
