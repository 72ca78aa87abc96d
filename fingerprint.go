package mega

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// File fingerprints back the c attribute: four CRC32 segments over the
// content followed by the serialized mtime. MEGA uses them for
// duplicate detection, not integrity (the meta-MAC does that).

const (
	fingerprintMaxFull = 8192 // files up to this size are CRCed in full
	fingerprintCRCSize = 16
)

// fingerprintCRC computes the four CRC32 segments for a file of the
// given size. Small files split into four runs; large files sample
// eight 4-byte blocks per segment spread across the content.
func fingerprintCRC(r io.ReaderAt, size int64) ([4]uint32, error) {
	var crc [4]uint32

	switch {
	case size <= 16:
		// Tiny file: the bytes themselves are the fingerprint.
		buf := make([]byte, 16)
		_, err := r.ReadAt(buf[:size], 0)
		if err != nil && err != io.EOF {
			return crc, err
		}
		for i := 0; i < 4; i++ {
			crc[i] = binary.BigEndian.Uint32(buf[i*4:])
		}
	case size <= fingerprintMaxFull:
		buf := make([]byte, size)
		_, err := r.ReadAt(buf, 0)
		if err != nil && err != io.EOF {
			return crc, err
		}
		for i := 0; i < 4; i++ {
			begin := int(size) * i / 4
			end := int(size) * (i + 1) / 4
			crc[i] = crc32.ChecksumIEEE(buf[begin:end])
		}
	default:
		block := make([]byte, 4)
		segment := make([]byte, 0, 32)
		for i := 0; i < 4; i++ {
			segment = segment[:0]
			for j := 0; j < 8; j++ {
				off := (size - 4) * int64(i*8+j) / (4*8 - 1)
				_, err := r.ReadAt(block, off)
				if err != nil && err != io.EOF {
					return crc, err
				}
				segment = append(segment, block...)
			}
			crc[i] = crc32.ChecksumIEEE(segment)
		}
	}

	return crc, nil
}

// serializeMtime encodes a unix timestamp as a length byte followed by
// that many little-endian significant bytes.
func serializeMtime(mtime int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(mtime))
	n := 8
	for n > 0 && b[n-1] == 0 {
		n--
	}

	return append([]byte{byte(n)}, b[:n]...)
}

// deserializeMtime reverses serializeMtime, returning the timestamp and
// the number of bytes consumed.
func deserializeMtime(b []byte) (int64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("%w: empty mtime", EBADATTR)
	}
	n := int(b[0])
	if n > 8 || len(b) < 1+n {
		return 0, 0, fmt.Errorf("%w: bad mtime length %d", EBADATTR, n)
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[1+i])
	}

	return int64(v), 1 + n, nil
}

// fingerprint computes the c attribute value for a file's content and
// modification time.
func fingerprint(r io.ReaderAt, size int64, mtime int64) (string, error) {
	crc, err := fingerprintCRC(r, size)
	if err != nil {
		return "", err
	}

	buf := make([]byte, fingerprintCRCSize)
	for i, v := range crc {
		binary.BigEndian.PutUint32(buf[i*4:], v)
	}
	buf = append(buf, serializeMtime(mtime)...)

	return base64urlencode(buf), nil
}

// fingerprintFile fingerprints a local file using its on-disk mtime.
func fingerprintFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return fingerprint(f, info.Size(), info.ModTime().Unix())
}

// parseFingerprint splits a c attribute into its CRC segments and
// mtime.
func parseFingerprint(c string) ([4]uint32, int64, error) {
	var crc [4]uint32
	raw, err := base64urldecode(c)
	if err != nil {
		return crc, 0, fmt.Errorf("%w: %v", EBADATTR, err)
	}
	if len(raw) < fingerprintCRCSize+1 {
		return crc, 0, fmt.Errorf("%w: fingerprint too short", EBADATTR)
	}
	for i := 0; i < 4; i++ {
		crc[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	mtime, _, err := deserializeMtime(raw[fingerprintCRCSize:])
	if err != nil {
		return crc, 0, err
	}

	return crc, mtime, nil
}
