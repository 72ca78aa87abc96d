package mega

import (
	"bytes"
	"crypto/aes"
	"testing"
)

func buildImportTree(t *testing.T) *Mega {
	t.Helper()
	m := fsTestEnv(t)

	kA := []byte("folderkeyAAAAAAA")
	kB := []byte("folderkeyBBBBBBB")
	ck := testCompkey(51)

	srcFolder := folderNode(t, m, "SRCD0001", "ROOT0000", "src", kA)
	subFolder := folderNode(t, m, "SUBD0001", "SRCD0001", "sub", kB)
	file := fileNode(t, m, "SRCF0001", "SRCD0001", "data.bin", ck)

	// Decorate the file with attributes that import must scrub or
	// keep.
	fileKey := make([]byte, 16)
	for i := range fileKey {
		fileKey[i] = ck[i] ^ ck[i+16]
	}
	attr, err := encryptAttr(fileKey, NodeAttr{
		"n":   "data.bin",
		"lbl": 4,
		"rr":  "RUBBISH1",
		"e":   map[string]interface{}{"i": "keep-me"},
	})
	if err != nil {
		t.Fatal(err)
	}
	file.Attr = attr

	res := &FilesResp{F: []FSNode{
		rootNode("ROOT0000"),
		folderNode(t, m, "DSTD0001", "ROOT0000", "dst", []byte("folderkeyDDDDDDD")),
		srcFolder,
		subFolder,
		file,
	}}
	if err := m.buildFS(res); err != nil {
		t.Fatal(err)
	}
	return m
}

func unwrapECB(t *testing.T, kek []byte, b64 string) []byte {
	t.Helper()
	raw, err := base64urldecode(b64)
	if err != nil {
		t.Fatal(err)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, len(raw))
	if err := blockDecrypt(block, out, raw); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestPrepareImportNodes(t *testing.T) {
	m := buildImportTree(t)
	src := m.FS.HashLookup("SRCD0001")

	records, err := m.prepareImportNodes(src, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("%d records for 3 source nodes", len(records))
	}

	byHandle := map[string]NodeRecord{}
	for _, r := range records {
		byHandle[r.H] = r
	}

	// The subtree root binds to the command target: no parent field.
	root := byHandle["SRCD0001"]
	if root.P != "" {
		t.Errorf("root record carries p=%q", root.P)
	}
	if byHandle["SUBD0001"].P != "SRCD0001" {
		t.Errorf("sub folder parent %q", byHandle["SUBD0001"].P)
	}
	if byHandle["SRCF0001"].P != "SRCD0001" {
		t.Errorf("file parent %q", byHandle["SRCF0001"].P)
	}

	// Folders get fresh keys: the wrapped key must not unwrap to the
	// original folder key, and the new attributes must decrypt under
	// the fresh key.
	newKey := unwrapECB(t, m.k, root.K)
	if len(newKey) != 16 {
		t.Fatalf("folder key length %d", len(newKey))
	}
	if bytes.Equal(newKey, []byte("folderkeyAAAAAAA")) {
		t.Error("folder key reused on import")
	}
	attr, err := decryptAttr(newKey, root.A)
	if err != nil {
		t.Fatalf("root attributes undecryptable under fresh key: %v", err)
	}
	if attr.Name() != "src" {
		t.Errorf("root name %q", attr.Name())
	}

	// Files keep their composite key.
	fileKey := unwrapECB(t, m.k, byHandle["SRCF0001"].K)
	if !bytes.Equal(fileKey, testCompkey(51)) {
		t.Error("file key not retained on import")
	}

	// rr always scrubbed; lbl and e retained without clearAttributes.
	plainKey := make([]byte, 16)
	for i := range plainKey {
		plainKey[i] = fileKey[i] ^ fileKey[i+16]
	}
	fattr, err := decryptAttr(plainKey, byHandle["SRCF0001"].A)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fattr["rr"]; ok {
		t.Error("rr survived import")
	}
	if fattr.Label() != 4 {
		t.Error("label lost without clearAttributes")
	}
	if fattr.Custom()["i"] != "keep-me" {
		t.Error("custom attribute lost on import")
	}
}

func TestPrepareImportNodesClearAttributes(t *testing.T) {
	m := buildImportTree(t)
	src := m.FS.HashLookup("SRCD0001")

	records, err := m.prepareImportNodes(src, true)
	if err != nil {
		t.Fatal(err)
	}

	var fileRec NodeRecord
	for _, r := range records {
		if r.H == "SRCF0001" {
			fileRec = r
		}
	}

	fileKey := unwrapECB(t, m.k, fileRec.K)
	plainKey := make([]byte, 16)
	for i := range plainKey {
		plainKey[i] = fileKey[i] ^ fileKey[i+16]
	}
	attr, err := decryptAttr(plainKey, fileRec.A)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := attr["lbl"]; ok {
		t.Error("lbl survived clearAttributes")
	}
	if _, ok := attr["rr"]; ok {
		t.Error("rr survived clearAttributes")
	}
	if attr.Custom()["i"] != "keep-me" {
		t.Error("custom attributes should survive clearAttributes")
	}
}

func TestImportRejectsFileSource(t *testing.T) {
	m := buildImportTree(t)
	file := m.FS.HashLookup("SRCF0001")
	dst := m.FS.HashLookup("DSTD0001")

	if _, err := m.ImportFolder(file, dst, false); err == nil {
		t.Error("file accepted as import source")
	}
}
