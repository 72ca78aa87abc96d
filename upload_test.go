package mega

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	mrand "math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStorage emulates the /cs command endpoint plus the upload and
// download storage servers, enough to drive a full transfer cycle.
type fakeStorage struct {
	t  *testing.T
	mu sync.Mutex

	url       string
	totalSize int64
	chunks    map[int64][]byte

	// last p command node record seen
	putAttr string
	putKey  string
	putFa   string
	putOv   string
	putName string
}

func (f *fakeStorage) ciphertext() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := make([]byte, f.totalSize)
	for off, chunk := range f.chunks {
		copy(buf[off:], chunk)
	}
	return buf
}

func (f *fakeStorage) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/cs"):
			f.serveAPI(w, r)
		case strings.HasPrefix(r.URL.Path, "/up/"):
			f.serveUpload(w, r)
		case strings.HasPrefix(r.URL.Path, "/dl/"):
			f.serveDownload(w, r)
		default:
			http.NotFound(w, r)
		}
	}
}

func (f *fakeStorage) serveAPI(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var cmds []json.RawMessage
	if err := json.Unmarshal(body, &cmds); err != nil {
		f.t.Errorf("bad request body: %s", body)
		io.WriteString(w, `-2`)
		return
	}

	resp := make([]interface{}, 0, len(cmds))
	for _, raw := range cmds {
		var cmd struct {
			A string `json:"a"`
			N []NodeRecord
		}
		json.Unmarshal(raw, &cmd)

		switch cmd.A {
		case "u":
			resp = append(resp, map[string]string{"p": f.url + "/up"})
		case "p":
			var pm PutNodesMsg
			json.Unmarshal(raw, &pm)
			if len(pm.N) != 1 {
				f.t.Errorf("p with %d records", len(pm.N))
				resp = append(resp, -2)
				continue
			}
			rec := pm.N[0]
			f.mu.Lock()
			f.putAttr = rec.A
			f.putKey = rec.K
			f.putFa = rec.Fa
			f.putOv = rec.Ov
			f.mu.Unlock()
			resp = append(resp, PutNodesResp{F: []FSNode{{
				Hash:   "NEWF0001",
				Parent: pm.T,
				User:   testUserID,
				T:      FILE,
				Attr:   rec.A,
				Key:    testUserID + ":" + rec.K,
				Fa:     rec.Fa,
				Ts:     time.Now().Unix(),
				Sz:     f.totalSize,
			}}})
		case "g":
			f.mu.Lock()
			at := f.putAttr
			size := f.totalSize
			f.mu.Unlock()
			resp = append(resp, map[string]interface{}{
				"g":  f.url + "/dl",
				"s":  size,
				"at": at,
			})
		default:
			resp = append(resp, map[string]interface{}{})
		}
	}

	json.NewEncoder(w).Encode(resp)
}

func (f *fakeStorage) serveUpload(w http.ResponseWriter, r *http.Request) {
	off, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/up/"), 10, 64)
	if err != nil {
		http.Error(w, "bad offset", 400)
		return
	}
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.chunks[off] = body
	final := off+int64(len(body)) == f.totalSize
	f.mu.Unlock()

	if final {
		io.WriteString(w, "CTOKEN00")
	}
}

func (f *fakeStorage) serveDownload(w http.ResponseWriter, r *http.Request) {
	rangeSpec := strings.TrimPrefix(r.URL.Path, "/dl/")
	parts := strings.SplitN(rangeSpec, "-", 2)
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "bad range", 400)
		return
	}
	data := f.ciphertext()
	w.Write(data[start : end+1])
}

func newTransferEnv(t *testing.T, size int64) (*Mega, *fakeStorage) {
	t.Helper()

	f := &fakeStorage{t: t, totalSize: size, chunks: make(map[int64][]byte)}
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)
	f.url = ts.URL

	m := New()
	m.SetAPIUrl(ts.URL)
	m.SetLogger(nil)
	m.SetRetryBackoff(time.Millisecond, 10*time.Millisecond, 2.0)
	m.k = []byte("masterkey0123456")
	m.userID = testUserID

	if err := m.buildFS(&FilesResp{F: []FSNode{rootNode("ROOT0000")}}); err != nil {
		t.Fatal(err)
	}

	return m, f
}

func writeTempFile(t *testing.T, size int64) string {
	t.Helper()
	data := make([]byte, size)
	mrand.New(mrand.NewSource(99)).Read(data)
	path := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	const size = 300000 // two chunks: 128 KiB + remainder

	m, f := newTransferEnv(t, size)
	src := writeTempFile(t, size)
	ctx := context.Background()

	var lastUploaded int64
	var lastChunks int
	node, err := m.UploadFileOpts(ctx, src, m.FS.GetRoot(), UploadOpts{
		Name:  "payload.bin",
		MTime: 1700000000,
		Label: 2,
		Fav:   true,
	}, func(total, uploaded int64, totalChunks, uploadedChunks int) {
		if uploaded < lastUploaded || uploadedChunks < lastChunks {
			t.Errorf("progress went backwards: %d/%d", uploaded, uploadedChunks)
		}
		lastUploaded, lastChunks = uploaded, uploadedChunks
		if total != size {
			t.Errorf("progress total %d", total)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	if node.GetName() != "payload.bin" {
		t.Errorf("node name %q", node.GetName())
	}
	if lastUploaded != size || lastChunks != 2 {
		t.Errorf("final progress %d bytes / %d chunks", lastUploaded, lastChunks)
	}

	attrs := node.GetAttrs()
	if attrs.MTime() != 1700000000 || attrs.Label() != 2 || !attrs.Fav() {
		t.Errorf("attributes %v", attrs)
	}
	if attrs.Fingerprint() == "" {
		t.Error("fingerprint missing from attributes")
	}
	if _, mtime, err := parseFingerprint(attrs.Fingerprint()); err != nil || mtime != 1700000000 {
		t.Errorf("fingerprint mtime %d err %v", mtime, err)
	}

	// Ciphertext on the server must differ from the plaintext.
	plain, _ := os.ReadFile(src)
	if bytes.Equal(f.ciphertext(), plain) {
		t.Error("upload stored plaintext")
	}

	// Download through the verifying path and compare.
	dst := filepath.Join(t.TempDir(), "dst.bin")
	if err := m.DownloadFile(ctx, node, dst, nil); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("downloaded content differs from source")
	}
}

func TestUploadVersioning(t *testing.T) {
	const size = 1000

	m, f := newTransferEnv(t, size)
	src := writeTempFile(t, size)

	_, err := m.UploadFileOpts(context.Background(), src, m.FS.GetRoot(), UploadOpts{
		Name:          "versioned.bin",
		ReplaceHandle: "OLDH0001",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putOv != "OLDH0001" {
		t.Errorf("p command carried ov=%q", f.putOv)
	}
}

func TestUploadMediaAttr(t *testing.T) {
	const size = 1000

	m, f := newTransferEnv(t, size)
	src := writeTempFile(t, size)

	node, err := m.UploadFileOpts(context.Background(), src, m.FS.GetRoot(), UploadOpts{
		Name:  "clip.mp4",
		Media: &MediaInfo{Width: 852, Height: 480, Fps: 30, Playtime: 4, Shortformat: 1},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	fa := f.putFa
	f.mu.Unlock()
	if !strings.Contains(fa, "8*") {
		t.Fatalf("fa string %q has no media attribute", fa)
	}

	info, err := node.MediaInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatal("media attribute not decodable from the created node")
	}
	if info.Width != 852 || info.Height != 480 || info.Fps != 30 || info.Playtime != 4 {
		t.Errorf("media info %+v", info)
	}
}

func TestDownloadIntegrityFailure(t *testing.T) {
	const size = 1000

	m, f := newTransferEnv(t, size)
	src := writeTempFile(t, size)
	ctx := context.Background()

	node, err := m.UploadFileOpts(ctx, src, m.FS.GetRoot(), UploadOpts{Name: "x.bin"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt one stored byte: the meta-MAC check must fail and the
	// partial output must be removed.
	f.mu.Lock()
	for off := range f.chunks {
		if len(f.chunks[off]) > 0 {
			f.chunks[off][0] ^= 0xFF
			break
		}
	}
	f.mu.Unlock()

	dst := filepath.Join(t.TempDir(), "dst.bin")
	err = m.DownloadFile(ctx, node, dst, nil)
	if !errors.Is(err, EMACMISMATCH) {
		t.Fatalf("corrupted download returned %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("partial output left behind after integrity failure")
	}
}

func TestUploadCancel(t *testing.T) {
	const size = 300000

	m, _ := newTransferEnv(t, size)
	src := writeTempFile(t, size)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.UploadFileOpts(ctx, src, m.FS.GetRoot(), UploadOpts{Name: "x.bin"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled upload returned %v", err)
	}
}

func TestZeroByteUpload(t *testing.T) {
	m, _ := newTransferEnv(t, 0)
	src := writeTempFile(t, 0)

	node, err := m.UploadFileOpts(context.Background(), src, m.FS.GetRoot(), UploadOpts{Name: "empty"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if node.GetName() != "empty" {
		t.Errorf("node name %q", node.GetName())
	}
}
