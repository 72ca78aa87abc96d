package mega

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	errors "golang.org/x/xerrors"
)

// newHttpClient builds the transport from the client configuration.
// Proxy, TLS and pool options all live in config; zero values fall back
// to net/http defaults.
func newHttpClient(cfg config) *http.Client {
	tr := &http.Transport{
		MaxIdleConns:        cfg.limit,
		MaxIdleConnsPerHost: cfg.limitPerHost,
		DisableKeepAlives:   !cfg.keepalive,
		DialContext: (&net.Dialer{
			Timeout: cfg.connectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.sockReadTime,
	}

	if cfg.proxyURL != "" {
		if u, err := url.Parse(cfg.proxyURL); err == nil {
			if cfg.proxyUser != "" {
				u.User = url.UserPassword(cfg.proxyUser, cfg.proxyPass)
			}
			tr.Proxy = http.ProxyURL(u)
		}
	}

	if !cfg.tlsVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{
		Transport: tr,
		Timeout:   cfg.timeout,
	}
}

// bytes_to_a32 converts a byte slice to a uint32 slice where each uint32
// is decoded in big endian order. Length must be a multiple of 4.
func bytes_to_a32(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, errors.New("Invalid byte slice length")
	}
	a := make([]uint32, len(b)/4)
	for i := range a {
		a[i] = binary.BigEndian.Uint32(b[i*4:])
	}

	return a, nil
}

// a32_to_bytes converts the uint32 slice a to a byte slice where each
// uint32 is encoded in big endian order.
func a32_to_bytes(a []uint32) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(len(a) * 4)
	for _, v := range a {
		err := binary.Write(buf, binary.BigEndian, v)
		if err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// base64urlencode encodes byte slice b using base64 url encoding without
// padding.
func base64urlencode(b []byte) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b)
}

// base64urldecode decodes the string data using unpadded base64 url
// decoding.
func base64urldecode(data string) ([]byte, error) {
	return base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
}

// base64_to_a32 converts base64 encoded string as uint32 slice
func base64_to_a32(s string) ([]uint32, error) {
	d, err := base64urldecode(s)
	if err != nil {
		return nil, err
	}

	return bytes_to_a32(d)
}

// a32_to_base64 converts uint32 slice to base64 encoded string
func a32_to_base64(a []uint32) (string, error) {
	d, err := a32_to_bytes(a)
	if err != nil {
		return "", err
	}

	return base64urlencode(d), nil
}

// paddnull pads byte array b such that the size of resulting byte array
// is a multiple of q.
func paddnull(b []byte, q int) []byte {
	if rem := len(b) % q; rem != 0 {
		l := q - rem

		for i := 0; i < l; i++ {
			b = append(b, 0)
		}
	}

	return b
}

// blockEncrypt encrypts using the block cipher blk in ECB mode.
func blockEncrypt(blk cipher.Block, dst, src []byte) error {
	if len(src) > len(dst) || len(src)%blk.BlockSize() != 0 {
		return errors.New("Block encryption failed")
	}

	l := len(src) - blk.BlockSize()

	for i := 0; i <= l; i += blk.BlockSize() {
		blk.Encrypt(dst[i:], src[i:])
	}

	return nil
}

// blockDecrypt decrypts using the block cipher blk in ECB mode.
func blockDecrypt(blk cipher.Block, dst, src []byte) error {
	if len(src) > len(dst) || len(src)%blk.BlockSize() != 0 {
		return errors.New("Block decryption failed")
	}

	l := len(src) - blk.BlockSize()

	for i := 0; i <= l; i += blk.BlockSize() {
		blk.Decrypt(dst[i:], src[i:])
	}

	return nil
}

// constantTimeEq compares two byte slices without leaking the position
// of the first mismatch.
func constantTimeEq(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// password_key is the v1 account key derivation: the password is folded
// into AES keys that repeatedly encrypt a fixed initial block.
func password_key(p string) ([]byte, error) {
	a, err := bytes_to_a32(paddnull([]byte(p), 4))
	if err != nil {
		return nil, err
	}

	pkey, err := a32_to_bytes([]uint32{0x93C467E3, 0x7DB0C7A4, 0xD1BE3F81, 0x0152CB56})
	if err != nil {
		return nil, err
	}

	n := (len(a) + 3) / 4

	ciphers := make([]cipher.Block, n)
	for j := 0; j < len(a); j += 4 {
		key := []uint32{0, 0, 0, 0}
		for k := 0; k < 4; k++ {
			if j+k < len(a) {
				key[k] = a[j+k]
			}
		}
		bkey, err := a32_to_bytes(key)
		if err != nil {
			return nil, err
		}
		ciphers[j/4], err = aes.NewCipher(bkey)
		if err != nil {
			return nil, err
		}
	}

	for i := 65536; i > 0; i-- {
		for j := 0; j < n; j++ {
			ciphers[j].Encrypt(pkey, pkey)
		}
	}

	return pkey, nil
}

// stringhash computes the login hash of the email under the password key
// (v1 accounts).
func stringhash(s string, k []byte) (string, error) {
	s32, err := bytes_to_a32(paddnull([]byte(s), 4))
	if err != nil {
		return "", err
	}

	h32 := []uint32{0, 0, 0, 0}
	for i, v := range s32 {
		h32[i&3] ^= v
	}

	hb, err := a32_to_bytes(h32)
	if err != nil {
		return "", err
	}
	blk, err := aes.NewCipher(k)
	if err != nil {
		return "", err
	}

	for i := 16384; i > 0; i-- {
		blk.Encrypt(hb, hb)
	}

	ha, err := bytes_to_a32(hb)
	if err != nil {
		return "", err
	}

	return a32_to_base64([]uint32{ha[0], ha[2]})
}

// getMPI reads a length-prefixed multi-precision integer and returns the
// remaining buffer.
func getMPI(b []byte) (*big.Int, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errors.New("Truncated MPI")
	}
	p := new(big.Int)
	plen := (int(b[0])*256 + int(b[1]) + 7) >> 3
	if len(b) < plen+2 {
		return nil, nil, errors.New("Truncated MPI")
	}
	p.SetBytes(b[2 : plen+2])
	b = b[plen+2:]
	return p, b, nil
}

// getRSAKey decodes the p, q, d components from the decrypted private
// key blob.
func getRSAKey(b []byte) (*big.Int, *big.Int, *big.Int, error) {
	p, b, err := getMPI(b)
	if err != nil {
		return nil, nil, nil, err
	}
	q, b, err := getMPI(b)
	if err != nil {
		return nil, nil, nil, err
	}
	d, _, err := getMPI(b)
	if err != nil {
		return nil, nil, nil, err
	}

	return p, q, d, nil
}

// decryptRSA performs the raw modular exponentiation MEGA uses for the
// session challenge. No OAEP or PKCS1 framing is involved, which is why
// this does not go through crypto/rsa.
func decryptRSA(m, p, q, d *big.Int) []byte {
	n := new(big.Int).Mul(p, q)
	r := new(big.Int).Exp(m, d, n)

	return r.Bytes()
}

// decryptSessionId decrypts the session challenge with the user's RSA
// key and returns the session id: the first 43 characters of the
// base64url form of the decrypted challenge.
func decryptSessionId(privk string, csid string, mk []byte) (string, error) {
	block, err := aes.NewCipher(mk)
	if err != nil {
		return "", err
	}
	pk, err := base64urldecode(privk)
	if err != nil {
		return "", err
	}
	err = blockDecrypt(block, pk, pk)
	if err != nil {
		return "", err
	}

	c, err := base64urldecode(csid)
	if err != nil {
		return "", err
	}

	m, _, err := getMPI(c)
	if err != nil {
		return "", err
	}

	p, q, d, err := getRSAKey(pk)
	if err != nil {
		return "", err
	}

	r := decryptRSA(m, p, q, d)

	if len(r) < 43 {
		return "", errors.New("Session challenge too short")
	}

	return base64urlencode(r[:43]), nil
}

// chunkSize describes the size and position of a transfer chunk.
type chunkSize struct {
	position int64
	size     int
}

// getChunkSizes produces MEGA's progressive chunk plan: chunk i is
// min(128KiB*(i+1), 1MiB) until the file is covered, the last chunk
// truncated to the remainder.
func getChunkSizes(size int64) (chunks []chunkSize) {
	p := int64(0)
	for i := 1; size > 0; i++ {
		var chunk int
		if i <= 8 {
			chunk = i * 131072
		} else {
			chunk = 1048576
		}
		if int64(chunk) > size {
			chunk = int(size)
		}
		chunks = append(chunks, chunkSize{position: p, size: chunk})
		p += int64(chunk)
		size -= int64(chunk)
	}

	return chunks
}

// randString returns a cryptographically random string of length l over
// a base64-ish alphabet, used for request idempotency tokens.
func randString(l int) (string, error) {
	encoding := "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_"
	b := make([]byte, l)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	enc := base64.NewEncoding(encoding).WithPadding(base64.NoPadding)
	d := make([]byte, enc.EncodedLen(len(b)))
	enc.Encode(d, b)
	d = d[:l]

	return string(d), nil
}

// isPlaceholder reports whether a share-key response field is the all-A
// placeholder MEGA emits when a key is registered but not available.
func isPlaceholder(s string) bool {
	if len(s) != 22 && len(s) != 16 {
		return false
	}

	return strings.Trim(s, "A") == ""
}

// backOffSleep sleeps for the time pointed to then adjusts it by
// doubling it up to a maximum of maxSleepTime.
//
// This produces a truncated exponential backoff sleep
func backOffSleep(pt *time.Duration) {
	time.Sleep(*pt)
	*pt *= 2
	if *pt > maxSleepTime {
		*pt = maxSleepTime
	}
}
