package mega

import (
	"bytes"
	"testing"
)

func TestGetChunkSizes(t *testing.T) {
	const k = 131072

	tests := []struct {
		size   int64
		chunks []chunkSize
	}{
		{0, nil},
		{10, []chunkSize{{0, 10}}},
		{k, []chunkSize{{0, k}}},
		{k + 1, []chunkSize{{0, k}, {k, 1}}},
		// 3 MiB: progressively larger chunks capped at 1 MiB
		{3145728, []chunkSize{
			{0, 131072},
			{131072, 262144},
			{393216, 393216},
			{786432, 524288},
			{1310720, 655360},
			{1966080, 786432},
			{2752512, 393216},
		}},
	}

	for _, tc := range tests {
		got := getChunkSizes(tc.size)
		if len(got) != len(tc.chunks) {
			t.Fatalf("size %d: got %d chunks, want %d", tc.size, len(got), len(tc.chunks))
		}
		var total int64
		prev := 0
		for i, c := range got {
			if c != tc.chunks[i] {
				t.Errorf("size %d chunk %d: got %+v, want %+v", tc.size, i, c, tc.chunks[i])
			}
			if c.size < prev && c.position+int64(c.size) != tc.size {
				t.Errorf("size %d chunk %d: non-monotonic chunk size %d after %d", tc.size, i, c.size, prev)
			}
			prev = c.size
			total += int64(c.size)
		}
		if total != tc.size {
			t.Errorf("size %d: chunks sum to %d", tc.size, total)
		}
	}
}

func TestBase64URLRoundTrip(t *testing.T) {
	for _, b := range [][]byte{
		{},
		{0},
		{0xFF, 0xFE, 0xFD},
		bytes.Repeat([]byte{0xAB}, 32),
	} {
		enc := base64urlencode(b)
		dec, err := base64urldecode(enc)
		if err != nil {
			t.Fatalf("decode %q: %v", enc, err)
		}
		if !bytes.Equal(b, dec) {
			t.Errorf("round trip %x != %x", b, dec)
		}
	}

	if _, err := base64urldecode("a+b/"); err == nil {
		t.Error("standard alphabet accepted by url decoder")
	}
}

func TestA32Conversions(t *testing.T) {
	a := []uint32{0x00010203, 0xDEADBEEF, 0xFFFFFFFF}
	b, err := a32_to_bytes(a)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b[:4], []byte{0, 1, 2, 3}) {
		t.Errorf("big endian word order expected, got %x", b[:4])
	}
	back, err := bytes_to_a32(b)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i] != back[i] {
			t.Errorf("word %d: %x != %x", i, a[i], back[i])
		}
	}

	if _, err := bytes_to_a32([]byte{1, 2, 3}); err == nil {
		t.Error("unaligned byte slice accepted")
	}
}

func TestPaddnull(t *testing.T) {
	if got := paddnull([]byte("abc"), 16); len(got) != 16 {
		t.Errorf("padded length %d", len(got))
	}
	if got := paddnull(make([]byte, 16), 16); len(got) != 16 {
		t.Errorf("aligned input grew to %d", len(got))
	}
}

func TestRandString(t *testing.T) {
	s, err := randString(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 10 {
		t.Errorf("length %d", len(s))
	}
	s2, err := randString(10)
	if err != nil {
		t.Fatal(err)
	}
	if s == s2 {
		t.Error("two random strings matched")
	}
}

func TestIsPlaceholder(t *testing.T) {
	if !isPlaceholder("AAAAAAAAAAAAAAAAAAAAAA") {
		t.Error("22 A's should be a placeholder")
	}
	if !isPlaceholder("AAAAAAAAAAAAAAAA") {
		t.Error("16 A's should be a placeholder")
	}
	if isPlaceholder("AAAAAAAAAAAAAAAAAAAAAB") {
		t.Error("non-A suffix misdetected")
	}
	if isPlaceholder("AAAA") {
		t.Error("short string misdetected")
	}
}

func TestConstantTimeEq(t *testing.T) {
	if !constantTimeEq([]byte{1, 2}, []byte{1, 2}) {
		t.Error("equal slices reported unequal")
	}
	if constantTimeEq([]byte{1, 2}, []byte{1, 3}) {
		t.Error("unequal slices reported equal")
	}
	if constantTimeEq([]byte{1}, []byte{1, 2}) {
		t.Error("length mismatch reported equal")
	}
}
