package mega

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"strings"
)

// NodeAttr is the decrypted attribute map of a node. Well-known fields
// have accessors below; unknown fields survive a decode/encode round
// trip untouched, which matters when re-encrypting during folder
// import.
type NodeAttr map[string]interface{}

// FileAttr is the minimal attribute shape used when only the name is
// needed.
type FileAttr struct {
	Name string `json:"n"`
}

func (a NodeAttr) Name() string {
	if s, ok := a["n"].(string); ok {
		return s
	}
	return ""
}

func (a NodeAttr) SetName(name string) {
	a["n"] = name
}

// MTime returns the file modification time in unix seconds, zero when
// absent.
func (a NodeAttr) MTime() int64 {
	switch v := a["t"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func (a NodeAttr) SetMTime(t int64) {
	a["t"] = t
}

// Label returns the color label (0-7).
func (a NodeAttr) Label() int {
	if v, ok := a["lbl"].(float64); ok {
		return int(v)
	}
	return 0
}

// Fav reports the favourite flag.
func (a NodeAttr) Fav() bool {
	if v, ok := a["fav"].(float64); ok {
		return v != 0
	}
	return false
}

// Fingerprint returns the raw c field.
func (a NodeAttr) Fingerprint() string {
	if s, ok := a["c"].(string); ok {
		return s
	}
	return ""
}

// Custom returns the nested e sub-map of caller-defined attributes.
func (a NodeAttr) Custom() map[string]interface{} {
	if m, ok := a["e"].(map[string]interface{}); ok {
		return m
	}
	return nil
}

const attrMarker = "MEGA"

// encryptAttr serializes attr as compact JSON, prefixes the MEGA
// marker, zero-pads to the AES block size and CBC-encrypts with a zero
// IV under the first 16 bytes of key.
func encryptAttr(key []byte, attr interface{}) (string, error) {
	data, err := json.Marshal(attr)
	if err != nil {
		return "", err
	}
	attrib := []byte(attrMarker)
	attrib = append(attrib, data...)
	attrib = paddnull(attrib, 16)

	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return "", err
	}
	mode := cipher.NewCBCEncrypter(block, zero_iv)
	mode.CryptBlocks(attrib, attrib)

	return base64urlencode(attrib), nil
}

// decryptAttr reverses encryptAttr. The marker check runs before JSON
// parsing: a blob without the MEGA prefix decrypted under the wrong key
// and is rejected as an integrity failure.
func decryptAttr(key []byte, data string) (NodeAttr, error) {
	ddata, err := base64urldecode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", EBADATTR, err)
	}
	if len(ddata) == 0 || len(ddata)%16 != 0 {
		return nil, fmt.Errorf("%w: attribute blob not block aligned", EBADATTR)
	}

	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(ddata))
	mode := cipher.NewCBCDecrypter(block, zero_iv)
	mode.CryptBlocks(buf, ddata)

	if string(buf[:4]) != attrMarker {
		return nil, fmt.Errorf("%w: missing attribute marker", EBADATTR)
	}

	str := strings.TrimRight(string(buf[4:]), "\x00")

	var attr NodeAttr
	err = json.Unmarshal([]byte(str), &attr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", EBADATTR, err)
	}
	if attr.Name() == "" {
		return nil, fmt.Errorf("%w: attribute n missing", EBADATTR)
	}

	return attr, nil
}
