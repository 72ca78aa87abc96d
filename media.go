package mega

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	errors "golang.org/x/xerrors"
)

// MediaInfo carries the media metadata packed into file attributes 8
// and 9. Width/height/fps/playtime come from an external probe; the
// codec triple is only meaningful when Shortformat is zero.
type MediaInfo struct {
	Width       int
	Height      int
	Fps         int
	Playtime    int // seconds
	Shortformat int // 0 = custom codecs (attr 9 present), 255 = unknown
	Container   int
	VideoCodec  int
	AudioCodec  int
}

// Shortformat ids point at common container/codec combinations.
var shortformats = map[int][3]string{
	1: {"mp4", "avc1", "mp4a-40-2"},
	2: {"mp4", "avc1", ""},
	3: {"mp4", "", "mp4a-40-2"},
}

// Container and codec strings MEGA's mc table is known to include.
var (
	mediaContainers  = []string{"mp4", "m4v", "mov", "mkv", "webm", "avi", "flv"}
	mediaVideoCodecs = []string{"avc1", "hevc", "vp8", "vp9", "av1"}
	mediaAudioCodecs = []string{"mp4a-40-2", "mp3", "opus", "vorbis", "flac"}
)

// IsVideo reports whether the info describes a visual stream.
func (mi *MediaInfo) IsVideo() bool {
	return mi.Width > 0 && mi.Height > 0
}

// FormatStrings resolves the container/codec triple to names. The
// shortformat table answers directly for common combinations; custom
// ids are looked up in the mc table when one has been fetched.
func (mi *MediaInfo) FormatStrings(mc *mediaCodecs) (container, video, audio string) {
	if sf, ok := shortformats[mi.Shortformat]; ok {
		return sf[0], sf[1], sf[2]
	}

	return mc.containerName(mi.Container), mc.videoCodecName(mi.VideoCodec), mc.audioCodecName(mi.AudioCodec)
}

// knownMediaFormat reports whether the named container and codecs are
// ones MEGA's mc table carries. Unknown formats get Shortformat 255.
func knownMediaFormat(container, video, audio string) bool {
	has := func(list []string, s string) bool {
		if s == "" {
			return true
		}
		for _, v := range list {
			if v == s {
				return true
			}
		}
		return false
	}

	return has(mediaContainers, container) && has(mediaVideoCodecs, video) && has(mediaAudioCodecs, audio)
}

// mediaXXTeaKey derives the XXTEA key from a file key: the 32-byte key
// is read as big-endian words and the last four words are the key.
// Payloads, in contrast, are little-endian; mixing the byte orders
// produces garbage.
func mediaXXTeaKey(filekey []byte) ([]uint32, error) {
	if len(filekey) < 32 {
		if len(filekey) >= 16 {
			filekey = append(filekey[:16:16], filekey[:16]...)
		} else {
			return nil, errors.New("File key too short for media attributes")
		}
	}
	a, err := bytes_to_a32(filekey[:32])
	if err != nil {
		return nil, err
	}

	return a[4:8], nil
}

func payloadToWords(b []byte) []uint32 {
	v := make([]uint32, 2)
	v[0] = binary.LittleEndian.Uint32(b[0:4])
	v[1] = binary.LittleEndian.Uint32(b[4:8])
	return v
}

func wordsToPayload(v []uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], v[0])
	binary.LittleEndian.PutUint32(b[4:8], v[1])
	return b
}

// parseMediaAttr8 unpacks the decrypted 8-byte payload of attribute 8.
func parseMediaAttr8(b []byte) *MediaInfo {
	width := int(b[0]>>1) + (int(b[1]&127) << 7)
	if b[0]&1 != 0 {
		width = (width << 3) + 16384
	}

	height := int(b[2]) + (int(b[3]&63) << 8)
	if b[1]&128 != 0 {
		height = (height << 3) + 16384
	}

	fps := int(b[3]>>7) + (int(b[4]&63) << 1)
	if b[3]&64 != 0 {
		fps = (fps << 3) + 128
	}

	playtime := int(b[4]>>7) + (int(b[5]) << 1) + (int(b[6]) << 9)
	if b[4]&64 != 0 {
		playtime = playtime*60 + 131100
	}

	return &MediaInfo{
		Width:       width,
		Height:      height,
		Fps:         fps,
		Playtime:    playtime,
		Shortformat: int(b[7]),
	}
}

// parseMediaAttr9 unpacks the codec triple into info.
func parseMediaAttr9(b []byte, info *MediaInfo) {
	info.Container = int(b[0])
	info.VideoCodec = int(b[1]) + (int(b[2]&15) << 8)
	info.AudioCodec = int(b[2]>>4) + (int(b[3]) << 4)
}

// encodeMediaAttr8 packs info into the 8-byte attr 8 payload. Each
// field is shifted left once; values too large for the field drop into
// an escape encoding with the low bit set.
func encodeMediaAttr8(info *MediaInfo) []byte {
	width := info.Width << 1
	if width >= 32768 {
		width = ((width - 32768) >> 3) | 1
	}
	if width >= 32768 {
		width = 32767
	}

	height := info.Height << 1
	if height >= 32768 {
		height = ((height - 32768) >> 3) | 1
	}
	if height >= 32768 {
		height = 32767
	}

	playtime := info.Playtime << 1
	if playtime >= 262144 {
		playtime = ((playtime - 262200) / 60) | 1
	}
	if playtime >= 262144 {
		playtime = 262143
	}

	fps := info.Fps << 1
	if fps >= 256 {
		fps = ((fps - 256) >> 3) | 1
	}
	if fps >= 256 {
		fps = 255
	}

	b := make([]byte, 8)
	b[7] = byte(info.Shortformat)
	b[6] = byte(playtime >> 10)
	b[5] = byte(playtime >> 2)
	b[4] = byte((playtime&3)<<6 + fps>>2)
	b[3] = byte((fps&3)<<6 + (height>>9)&63)
	b[2] = byte(height >> 1)
	b[1] = byte((width>>8)&127 + (height&1)<<7)
	b[0] = byte(width)

	return b
}

func encodeMediaAttr9(info *MediaInfo) []byte {
	b := make([]byte, 8)
	b[3] = byte(info.AudioCodec >> 4)
	b[2] = byte((info.VideoCodec>>8)&15 + (info.AudioCodec&15)<<4)
	b[1] = byte(info.VideoCodec)
	b[0] = byte(info.Container)

	return b
}

// EncodeMediaAttr encrypts info under the file key and returns the fa
// fragment ("8*..." or "8*.../9*...").
func EncodeMediaAttr(info *MediaInfo, filekey []byte) (string, error) {
	k, err := mediaXXTeaKey(filekey)
	if err != nil {
		return "", err
	}

	v8 := xxteaEncrypt(payloadToWords(encodeMediaAttr8(info)), k)
	fa := "8*" + base64urlencode(wordsToPayload(v8))

	if info.Shortformat == 0 && (info.Container != 0 || info.VideoCodec != 0 || info.AudioCodec != 0) {
		v9 := xxteaEncrypt(payloadToWords(encodeMediaAttr9(info)), k)
		fa += "/9*" + base64urlencode(wordsToPayload(v9))
	}

	return fa, nil
}

// DecodeMediaAttr extracts and decrypts media attributes 8/9 from an fa
// string. Returns nil when the string carries no media attribute.
func DecodeMediaAttr(fa string, filekey []byte) (*MediaInfo, error) {
	pos := strings.Index(fa, "8*")
	if pos < 0 || (pos > 0 && fa[pos-1] != ':' && fa[pos-1] != '/') {
		return nil, nil
	}

	k, err := mediaXXTeaKey(filekey)
	if err != nil {
		return nil, err
	}

	if len(fa) < pos+2+11 {
		return nil, fmt.Errorf("%w: truncated media attribute", EBADATTR)
	}
	raw, err := base64urldecode(fa[pos+2 : pos+2+11])
	if err != nil || len(raw) < 8 {
		return nil, fmt.Errorf("%w: bad media attribute encoding", EBADATTR)
	}

	info := parseMediaAttr8(wordsToPayload(xxteaDecrypt(payloadToWords(raw), k)))

	if info.Shortformat == 0 {
		pos9 := strings.Index(fa, ":9*")
		if pos9 < 0 {
			pos9 = strings.Index(fa, "/9*")
		}
		if pos9 >= 0 && len(fa) >= pos9+3+11 {
			raw9, err := base64urldecode(fa[pos9+3 : pos9+3+11])
			if err == nil && len(raw9) >= 8 {
				parseMediaAttr9(wordsToPayload(xxteaDecrypt(payloadToWords(raw9), k)), info)
			}
		}
	}

	return info, nil
}

// mediaCodecs is the decoded form of the mc response: string names for
// the numeric ids carried by attribute 9.
type mediaCodecs struct {
	Containers  map[int]string
	VideoCodecs map[int]string
	AudioCodecs map[int]string
}

func (mc *mediaCodecs) containerName(id int) string {
	if mc != nil {
		if s, ok := mc.Containers[id]; ok {
			return s
		}
	}
	return ""
}

func (mc *mediaCodecs) videoCodecName(id int) string {
	if mc != nil {
		if s, ok := mc.VideoCodecs[id]; ok {
			return s
		}
	}
	return ""
}

func (mc *mediaCodecs) audioCodecName(id int) string {
	if mc != nil {
		if s, ok := mc.AudioCodecs[id]; ok {
			return s
		}
	}
	return ""
}

// parseMediaCodecs decodes the mc command response. The wire shape is
// [version, [[id, name], ...] x3].
func parseMediaCodecs(raw []byte) (*mediaCodecs, error) {
	var lists []json.RawMessage
	if err := json.Unmarshal(raw, &lists); err != nil {
		return nil, fmt.Errorf("%w: bad mc response: %v", EBADRESP, err)
	}
	if len(lists) < 4 {
		return nil, fmt.Errorf("%w: short mc response", EBADRESP)
	}

	decode := func(raw json.RawMessage) (map[int]string, error) {
		var entries [][2]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, err
		}
		m := make(map[int]string, len(entries))
		for _, e := range entries {
			var id int
			var name string
			if err := json.Unmarshal(e[0], &id); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(e[1], &name); err != nil {
				return nil, err
			}
			m[id] = name
		}
		return m, nil
	}

	mc := &mediaCodecs{}
	var err error
	if mc.Containers, err = decode(lists[1]); err != nil {
		return nil, fmt.Errorf("%w: bad mc containers: %v", EBADRESP, err)
	}
	if mc.VideoCodecs, err = decode(lists[2]); err != nil {
		return nil, fmt.Errorf("%w: bad mc video codecs: %v", EBADRESP, err)
	}
	if mc.AudioCodecs, err = decode(lists[3]); err != nil {
		return nil, fmt.Errorf("%w: bad mc audio codecs: %v", EBADRESP, err)
	}

	return mc, nil
}
