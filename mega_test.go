package mega

import (
	"encoding/hex"
	"testing"
	"time"
)

// v1 key derivation: 65536 rounds of AES over the fixed initial block
// keyed by the padded password words.
func TestPasswordKey(t *testing.T) {
	got, err := password_key("password")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := hex.DecodeString("640339725e6ebd13a25f0052129f7cb1")
	if hex.EncodeToString(got) != hex.EncodeToString(want) {
		t.Errorf("password_key = %x, want %x", got, want)
	}
}

func TestStringHash(t *testing.T) {
	pk, err := password_key("password")
	if err != nil {
		t.Fatal(err)
	}
	got, err := stringhash("user@example.com", pk)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hcVR9BZsYoY" {
		t.Errorf("stringhash = %q", got)
	}
}

// A private key blob (p, q, d, u as length-prefixed MPIs, zero padded
// to the block size) encrypted under a known master key, and a session
// challenge encrypted to the matching public key.
const (
	testPrivk = "y2Qs2VOg2OaTbnaZEPPx_BCTuvMln0LiHroPT87B_hQV33Y5SOiYCLd2UKOFeBXGrTmFTavFOMd9tfK-qcbYX_PRbmM1pUmF6aL07qcL-fv3Yppx8l3T1GYLnGy-Hew5qnjRrOOc80-kzb9-GtE6x02rDpg23qQi3zgHTQ3QxKEb7G67kcHbaGRvfoNVlzfDLhJqBHIPxJbiGXeP8ZeLzMqOY5odh49vnBCoqd0MHyjQWlXQwnAR9xdDuUpkeUw5BhzLpoB8cParm4gaO31S-QA_vTQXARC2d8oDYjK-DiERNPu3PafwScyuP1RwL_zSm7KjSqL1M5clj47UHCOQ7rbJewCgyId0QBAbJdiYBB-fYuX2k0yyFfhnuhxZzDQkmThPuWnpBet5NbDHu68CCs6oVkF6Z_dt4Zxix8Hup0xpOWq26ONdvN4CdTR-WUuv"
	testCsid  = "A_9Fe1yhUj6oomNvZRFpW5USsduPnFIhhPticI39JmhAWvNDlLEIAP71NNToXlbeXTDtqdndIapjT5srs-8U0iigbSRckf6GwcYGkjBkCIbaNKxLbU8DaUvUkJcAukobE5a8tIkehGPzkGhYko4AgIF1jfJwGH60u1wA7YotQO1Frg"
	testSid   = "UQswVXqfxOkOM1h9osfsETZbgKXK7xQ5XoOozfIXPGGGq9D1Gj9kia7T-A"
)

func TestDecryptSessionId(t *testing.T) {
	mk := make([]byte, 16)
	for i := range mk {
		mk[i] = byte(i)
	}

	sid, err := decryptSessionId(testPrivk, testCsid, mk)
	if err != nil {
		t.Fatal(err)
	}
	if sid != testSid {
		t.Errorf("sid = %q, want %q", sid, testSid)
	}
	if len(sid) != 58 {
		t.Errorf("sid length %d", len(sid))
	}
}

func TestDecryptSessionIdWrongKey(t *testing.T) {
	mk := make([]byte, 16)
	mk[0] = 0xFF

	sid, err := decryptSessionId(testPrivk, testCsid, mk)
	if err == nil && sid == testSid {
		t.Error("wrong master key produced the right session id")
	}
}

func TestRetryDelay(t *testing.T) {
	c := newConfig()
	c.retryBaseDelay = 250 * time.Millisecond
	c.retryMaxDelay = 2 * time.Second
	c.retryExpBase = 2.0

	if d := c.retryDelay(0); d != 250*time.Millisecond {
		t.Errorf("attempt 0 delay %v", d)
	}
	if d := c.retryDelay(2); d != time.Second {
		t.Errorf("attempt 2 delay %v", d)
	}
	if d := c.retryDelay(10); d != 2*time.Second {
		t.Errorf("attempt 10 not capped: %v", d)
	}
}

func TestConfigSetters(t *testing.T) {
	c := newConfig()

	c.SetAPIUrl("https://example.com/")
	if c.baseurl != "https://example.com" {
		t.Errorf("baseurl %q", c.baseurl)
	}

	if err := c.SetUploadWorkers(MAX_UPLOAD_WORKERS + 1); err != EWORKER_LIMIT_EXCEEDED {
		t.Error("upload worker limit not enforced")
	}
	if err := c.SetDownloadWorkers(MAX_DOWNLOAD_WORKERS + 1); err != EWORKER_LIMIT_EXCEEDED {
		t.Error("download worker limit not enforced")
	}

	c.SetTimeOut(10*time.Second, 0, 0)
	if c.timeout != 10*time.Second || c.connectTimeout != CONNECT_TIMEOUT {
		t.Error("partial timeout update wrong")
	}

	c.SetExtraHeader("X-Test", "1")
	if c.extra["X-Test"] != "1" {
		t.Error("extra header lost")
	}
}

func TestParseErrorMapping(t *testing.T) {
	cases := map[ErrorMsg]error{
		0:   nil,
		-3:  EAGAIN,
		-4:  ERATELIMIT,
		-6:  ETOOMANY,
		-9:  ENOENT,
		-11: EACCESS,
		-15: ESID,
		-16: EBLOCKED,
		-17: EOVERQUOTA,
		-18: ETEMPUNAVAIL,
	}
	for code, want := range cases {
		if got := parseError(code); got != want {
			t.Errorf("parseError(%d) = %v, want %v", code, got, want)
		}
	}

	if !retryable(EAGAIN) || !retryable(ERATELIMIT) || !retryable(ETEMPUNAVAIL) {
		t.Error("transient errors not retryable")
	}
	if retryable(ESID) || retryable(ENOENT) {
		t.Error("fatal errors marked retryable")
	}
}
