package mega

import (
	"bytes"
	mrand "math/rand"
	"testing"
)

func TestSerializeMtime(t *testing.T) {
	for _, mtime := range []int64{0, 1, 255, 256, 1700000000, 1<<40 + 3} {
		b := serializeMtime(mtime)
		got, n, err := deserializeMtime(b)
		if err != nil {
			t.Fatalf("mtime %d: %v", mtime, err)
		}
		if got != mtime {
			t.Errorf("mtime %d round-tripped to %d", mtime, got)
		}
		if n != len(b) {
			t.Errorf("mtime %d: consumed %d of %d bytes", mtime, n, len(b))
		}
	}

	if _, _, err := deserializeMtime(nil); err == nil {
		t.Error("empty mtime accepted")
	}
	if _, _, err := deserializeMtime([]byte{9, 1, 2}); err == nil {
		t.Error("oversized length accepted")
	}
}

func TestFingerprintRoundTrip(t *testing.T) {
	rng := mrand.New(mrand.NewSource(7))

	for _, size := range []int64{5, 16, 100, 8192, 20000} {
		data := make([]byte, size)
		rng.Read(data)
		r := bytes.NewReader(data)

		fp, err := fingerprint(r, size, 1700000000)
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}

		crc, mtime, err := parseFingerprint(fp)
		if err != nil {
			t.Fatalf("size %d: parse: %v", size, err)
		}
		if mtime != 1700000000 {
			t.Errorf("size %d: mtime %d", size, mtime)
		}

		// Same content and mtime fingerprint identically.
		fp2, err := fingerprint(bytes.NewReader(data), size, 1700000000)
		if err != nil {
			t.Fatal(err)
		}
		if fp != fp2 {
			t.Errorf("size %d: fingerprint not deterministic", size)
		}

		// A change at offset zero is always covered by a CRC segment.
		data[0] ^= 0xFF
		fp3, err := fingerprint(bytes.NewReader(data), size, 1700000000)
		if err != nil {
			t.Fatal(err)
		}
		crc3, _, err := parseFingerprint(fp3)
		if err != nil {
			t.Fatal(err)
		}
		if crc == crc3 {
			t.Errorf("size %d: content change left CRCs unchanged", size)
		}
	}
}

func TestFingerprintParseErrors(t *testing.T) {
	if _, _, err := parseFingerprint("!!"); err == nil {
		t.Error("bad base64 accepted")
	}
	if _, _, err := parseFingerprint(base64urlencode([]byte("short"))); err == nil {
		t.Error("truncated fingerprint accepted")
	}
}
