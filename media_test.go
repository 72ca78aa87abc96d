package mega

import "testing"

// Reference file key 000102...1F: big-endian words, XXTEA key is the
// last four. Vector cross-checked against the webclient packing.
func testFileKey() []byte {
	fk := make([]byte, 32)
	for i := range fk {
		fk[i] = byte(i)
	}
	return fk
}

func TestMediaAttrVector(t *testing.T) {
	fk := testFileKey()

	info := &MediaInfo{Width: 852, Height: 480, Fps: 30, Playtime: 4, Shortformat: 0}
	fa, err := EncodeMediaAttr(info, fk)
	if err != nil {
		t.Fatal(err)
	}
	if fa != "8*WgwoZSru1yQ" {
		t.Fatalf("encoded attr 8 = %q", fa)
	}

	got, err := DecodeMediaAttr("100:"+fa, fk)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("no media info decoded")
	}
	if got.Width != 852 || got.Height != 480 || got.Fps != 30 || got.Playtime != 4 || got.Shortformat != 0 {
		t.Errorf("decoded %+v", got)
	}
}

func TestMediaAttrKeyWords(t *testing.T) {
	k, err := mediaXXTeaKey(testFileKey())
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{0x10111213, 0x14151617, 0x18191A1B, 0x1C1D1E1F}
	for i := range want {
		if k[i] != want[i] {
			t.Errorf("key word %d: %08x != %08x", i, k[i], want[i])
		}
	}
}

func TestMediaAttr8RoundTrip(t *testing.T) {
	fk := testFileKey()
	cases := []*MediaInfo{
		{Width: 1920, Height: 1080, Fps: 60, Playtime: 3600, Shortformat: 1},
		{Width: 640, Height: 360, Fps: 24, Playtime: 59, Shortformat: 255},
		{Playtime: 245, Shortformat: 3}, // audio only
	}

	for _, info := range cases {
		fa, err := EncodeMediaAttr(info, fk)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecodeMediaAttr(fa, fk)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatalf("%+v: nothing decoded from %q", info, fa)
		}
		if got.Width != info.Width || got.Height != info.Height ||
			got.Fps != info.Fps || got.Playtime != info.Playtime ||
			got.Shortformat != info.Shortformat {
			t.Errorf("round trip %+v -> %+v", info, got)
		}
	}
}

func TestMediaAttr9RoundTrip(t *testing.T) {
	fk := testFileKey()
	info := &MediaInfo{
		Width: 1280, Height: 720, Fps: 30, Playtime: 120,
		Shortformat: 0, Container: 131, VideoCodec: 890, AudioCodec: 3,
	}

	fa, err := EncodeMediaAttr(info, fk)
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeMediaAttr(fa, fk)
	if err != nil {
		t.Fatal(err)
	}
	if got.Container != 131 || got.VideoCodec != 890 || got.AudioCodec != 3 {
		t.Errorf("codec triple %d/%d/%d", got.Container, got.VideoCodec, got.AudioCodec)
	}
}

func TestMediaAttrAbsent(t *testing.T) {
	info, err := DecodeMediaAttr("0*abcdefghijk/1*abcdefghijk", testFileKey())
	if err != nil {
		t.Fatal(err)
	}
	if info != nil {
		t.Errorf("decoded media info from thumbnail-only fa: %+v", info)
	}
}

func TestFormatStrings(t *testing.T) {
	mi := &MediaInfo{Shortformat: 1}
	c, v, a := mi.FormatStrings(nil)
	if c != "mp4" || v != "avc1" || a != "mp4a-40-2" {
		t.Errorf("shortformat 1 resolved to %s/%s/%s", c, v, a)
	}

	mc := &mediaCodecs{
		Containers:  map[int]string{131: "mkv"},
		VideoCodecs: map[int]string{890: "vp9"},
		AudioCodecs: map[int]string{3: "opus"},
	}
	mi = &MediaInfo{Shortformat: 0, Container: 131, VideoCodec: 890, AudioCodec: 3}
	c, v, a = mi.FormatStrings(mc)
	if c != "mkv" || v != "vp9" || a != "opus" {
		t.Errorf("mc lookup resolved to %s/%s/%s", c, v, a)
	}
}

func TestParseMediaCodecs(t *testing.T) {
	raw := `[1,[[129,"mp4"],[131,"mkv"]],[[887,"avc1"],[890,"vp9"]],[[1,"mp4a-40-2"],[3,"opus"]]]`
	mc, err := parseMediaCodecs([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if mc.containerName(131) != "mkv" {
		t.Error("container lookup failed")
	}
	if mc.videoCodecName(887) != "avc1" {
		t.Error("video codec lookup failed")
	}
	if mc.audioCodecName(3) != "opus" {
		t.Error("audio codec lookup failed")
	}
}
