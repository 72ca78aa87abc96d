package mega

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	mrand "math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// UploadOpts carries the optional attributes of an upload. The zero
// value uploads a plain file with just a name.
type UploadOpts struct {
	// Name of the created node. Mandatory.
	Name string
	// MTime in unix seconds, stored in the t attribute when non-zero.
	MTime int64
	// Label color 0-7; 0 omits the attribute.
	Label int
	// Fav marks the node as favourite.
	Fav bool
	// Custom merges into the e sub-map of the attributes.
	Custom map[string]interface{}
	// Fingerprint for the c attribute; UploadFileOpts fills it from
	// the source file when empty.
	Fingerprint string
	// ReplaceHandle makes the upload a new version of this node (ov).
	ReplaceHandle string
	// Media attaches attribute 8/9 to the fa string.
	Media *MediaInfo
	// Thumbnail/Preview are opaque JPEG bytes uploaded as file
	// attributes 0 and 1. Pixel generation is up to the caller.
	Thumbnail []byte
	Preview   []byte
}

// Progress is invoked after each chunk reaches the server. Counts are
// monotonic: chunks report in index order even when their PUTs finish
// out of order. Long-running callbacks block the upload driver.
type Progress func(totalBytes, uploadedBytes int64, totalChunks, uploadedChunks int)

type macJob struct {
	id        int
	plaintext []byte
}

// Upload contains the internal state of a upload
type Upload struct {
	m          *Mega
	parenthash string
	opts       UploadOpts
	uploadUrl  string
	aes_block  cipher.Block
	iv         []byte
	kiv        []byte
	kbytes     []byte
	ukey       []uint32
	fa         []string

	// MAC worker state. Chunks enqueue plaintext; the worker folds
	// CBC-MACs strictly in chunk-index order.
	macCh chan macJob
	macWg sync.WaitGroup

	mutex             sync.Mutex // to protect the following
	chunks            []chunkSize
	chunk_macs        [][]byte
	completion_handle []byte
	completed         []bool
	frontier          int
	frontierBytes     int64
	progressFn        Progress
}

// Create a new Upload of name into parent of fileSize
//
// Call Chunks to find out how many chunks there are, then for id =
// 0..chunks-1 Call ChunkLocation then UploadChunk.  Finally call
// Finish() to receive the error status and the *Node.
func (m *Mega) NewUpload(parent *Node, name string, fileSize int64) (*Upload, error) {
	return m.NewUploadOpts(parent, fileSize, UploadOpts{Name: name})
}

// NewUploadOpts starts an upload with full attribute control.
func (m *Mega) NewUploadOpts(parent *Node, fileSize int64, opts UploadOpts) (*Upload, error) {
	if parent == nil || opts.Name == "" {
		return nil, EARGS
	}
	if t := parent.GetType(); t == FILE {
		return nil, fmt.Errorf("%w: upload target is a file", EARGS)
	}

	var msg UploadMsg
	var res UploadResp
	parenthash := parent.GetHash()

	msg.Cmd = "u"
	msg.S = fileSize
	if m.config.https {
		msg.SSL = 2
	}

	result, err := m.api.Send(&msg)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(result, &res)
	if err != nil {
		return nil, err
	}

	// 24 bytes of key material: 16-byte AES key and 8-byte CTR nonce.
	ukey := []uint32{0, 0, 0, 0, 0, 0}
	for i := range ukey {
		ukey[i] = uint32(mrand.Int31())
	}

	kbytes, err := a32_to_bytes(ukey[:4])
	if err != nil {
		return nil, err
	}
	kiv, err := a32_to_bytes([]uint32{ukey[4], ukey[5], 0, 0})
	if err != nil {
		return nil, err
	}
	aes_block, err := aes.NewCipher(kbytes)
	if err != nil {
		return nil, err
	}

	// chunk CBC-MAC IV is nonce||nonce
	iv, err := a32_to_bytes([]uint32{ukey[4], ukey[5], ukey[4], ukey[5]})
	if err != nil {
		return nil, err
	}

	chunks := getChunkSizes(fileSize)

	// File size is zero
	// Do one empty request to get the completion handle
	if len(chunks) == 0 {
		chunks = append(chunks, chunkSize{position: 0, size: 0})
	}

	uploadUrl := res.P
	if m.config.https && strings.HasPrefix(uploadUrl, "http://") {
		uploadUrl = "https://" + strings.TrimPrefix(uploadUrl, "http://")
	}

	u := &Upload{
		m:                 m,
		parenthash:        parenthash,
		opts:              opts,
		uploadUrl:         uploadUrl,
		aes_block:         aes_block,
		iv:                iv,
		kiv:               kiv,
		kbytes:            kbytes,
		ukey:              ukey,
		macCh:             make(chan macJob, m.ul_workers),
		chunks:            chunks,
		chunk_macs:        make([][]byte, len(chunks)),
		completion_handle: []byte{},
		completed:         make([]bool, len(chunks)),
	}

	u.macWg.Add(1)
	go u.macWorker()

	return u, nil
}

// SetProgress installs the per-chunk progress callback.
func (u *Upload) SetProgress(fn Progress) {
	u.mutex.Lock()
	u.progressFn = fn
	u.mutex.Unlock()
}

// Chunks returns The number of chunks in the upload.
func (u *Upload) Chunks() int {
	return len(u.chunks)
}

// ChunkLocation returns the position in the file and the size of the chunk
func (u *Upload) ChunkLocation(id int) (position int64, size int, err error) {
	if id < 0 || id >= len(u.chunks) {
		return 0, 0, EARGS
	}
	return u.chunks[id].position, u.chunks[id].size, nil
}

// macWorker drains the plaintext channel. MACs land in the chunk_macs
// slice in index order: out-of-order arrivals wait in a slot buffer
// until their predecessors are folded.
func (u *Upload) macWorker() {
	defer u.macWg.Done()

	pending := make(map[int][]byte)
	next := 0

	fold := func(pt []byte) []byte {
		enc := cipher.NewCBCEncrypter(u.aes_block, u.iv)
		block := make([]byte, 16)
		padded := paddnull(pt, 16)
		for i := 0; i < len(padded); i += 16 {
			copy(block[0:16], padded[i:i+16])
			enc.CryptBlocks(block, block)
		}
		return block
	}

	for job := range u.macCh {
		pending[job.id] = job.plaintext
		for {
			pt, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			mac := fold(pt)
			u.mutex.Lock()
			u.chunk_macs[next] = mac
			u.mutex.Unlock()
			next++
		}
	}
}

// UploadChunk encrypts and uploads the chunk of id. The plaintext is
// handed off to the MAC worker; the ciphertext goes to the storage
// server. Chunk buffers are owned by the upload after the call.
func (u *Upload) UploadChunk(ctx context.Context, id int, chunk []byte) (err error) {
	chk_start, chk_size, err := u.ChunkLocation(id)
	if err != nil {
		return err
	}
	if len(chunk) != chk_size {
		return errors.New("upload chunk is wrong size")
	}

	// CTR counter starts at offset/16 and advances per block.
	ctr_iv, err := bytes_to_a32(u.kiv)
	if err != nil {
		return err
	}
	ctr_iv[2] = uint32(uint64(chk_start) / 0x1000000000)
	ctr_iv[3] = uint32(chk_start / 0x10)
	bctr_iv, err := a32_to_bytes(ctr_iv)
	if err != nil {
		return err
	}
	ctr_aes := cipher.NewCTR(u.aes_block, bctr_iv)

	enc := make([]byte, len(chunk))
	ctr_aes.XORKeyStream(enc, chunk)

	// Plaintext ownership moves to the MAC worker; the bounded channel
	// applies backpressure when encryption outruns MAC folding.
	select {
	case u.macCh <- macJob{id: id, plaintext: chunk}:
	case <-ctx.Done():
		return ctx.Err()
	}

	var rsp *http.Response
	var req *http.Request
	chk_url := fmt.Sprintf("%s/%d", u.uploadUrl, chk_start)

	sleepTime := minSleepTime // initial backoff time
	for retry := 0; retry < u.m.retryMax+1; retry++ {
		reader := bytes.NewReader(enc)
		req, err = http.NewRequestWithContext(ctx, "POST", chk_url, reader)
		if err != nil {
			return err
		}
		rsp, err = u.m.client.Do(req)
		if err == nil {
			if rsp.StatusCode == 200 {
				break
			}
			err = errors.New("Http Status: " + rsp.Status)
			_ = rsp.Body.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u.m.debugf("%s: Retry upload chunk %d/%d: %v", u.opts.Name, retry, u.m.retryMax, err)
		backOffSleep(&sleepTime)
	}
	if err != nil {
		return err
	}
	if rsp == nil {
		return errors.New("retries exceeded")
	}

	chunk_resp, err := io.ReadAll(rsp.Body)
	if err != nil {
		_ = rsp.Body.Close()
		return err
	}

	err = rsp.Body.Close()
	if err != nil {
		return err
	}

	// A numeric body is the storage server rejecting the packet.
	var code ErrorMsg
	if len(chunk_resp) > 0 && json.Unmarshal(bytes.TrimSpace(chunk_resp), &code) == nil && code < 0 {
		return parseError(code)
	}

	u.mutex.Lock()
	if len(chunk_resp) > 0 {
		// The final packet answers with the completion token.
		u.completion_handle = chunk_resp
	}
	u.completed[id] = true
	// Progress reports stay in chunk-index order regardless of PUT
	// completion order.
	for u.frontier < len(u.completed) && u.completed[u.frontier] {
		u.frontierBytes += int64(u.chunks[u.frontier].size)
		u.frontier++
	}
	fn := u.progressFn
	total := int64(0)
	for _, c := range u.chunks {
		total += int64(c.size)
	}
	uploaded := u.frontierBytes
	frontier := u.frontier
	nchunks := len(u.chunks)
	u.mutex.Unlock()

	if fn != nil {
		fn(total, uploaded, nchunks, frontier)
	}

	return nil
}

// uploadFileAttr pushes one encrypted file attribute (thumbnail or
// preview) and records its typ*handle reference for the fa string.
func (u *Upload) uploadFileAttr(ctx context.Context, typ int, data []byte) error {
	handle, err := u.m.putFileAttr(ctx, u.kbytes, typ, data)
	if err != nil {
		return err
	}

	u.mutex.Lock()
	u.fa = append(u.fa, fmt.Sprintf("%d*%s", typ, handle))
	u.mutex.Unlock()

	return nil
}

// putFileAttr encrypts data with the file key (CBC, zero IV) and
// uploads it through the ufa flow, returning the attribute handle.
func (m *Mega) putFileAttr(ctx context.Context, key []byte, typ int, data []byte) (string, error) {
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return "", err
	}
	buf := paddnull(append([]byte(nil), data...), 16)
	mode := cipher.NewCBCEncrypter(block, zero_iv)
	mode.CryptBlocks(buf, buf)

	var msg FileAttrUploadMsg
	var res FileAttrUploadResp
	msg.Cmd = "ufa"
	msg.S = int64(len(buf))
	if m.config.https {
		msg.SSL = 2
	}

	result, err := m.api.Send(&msg)
	if err != nil {
		return "", err
	}
	err = json.Unmarshal(result, &res)
	if err != nil || res.P == "" {
		return "", fmt.Errorf("%w: bad ufa response", EBADRESP)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", res.P+"/0", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	rsp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != 200 {
		return "", errors.New("Http Status: " + rsp.Status)
	}
	handle, err := io.ReadAll(rsp.Body)
	if err != nil {
		return "", err
	}
	if len(handle) == 0 {
		return "", fmt.Errorf("%w: empty attribute handle", EBADRESP)
	}

	return base64urlencode(handle), nil
}

// SetMediaAttr encodes info under the node's key and attaches it with a
// pfa command.
func (m *Mega) SetMediaAttr(node *Node, info *MediaInfo) error {
	if node == nil || info == nil {
		return EARGS
	}

	m.FS.mutex.Lock()
	compkey := node.meta.compkey
	hash := node.hash
	m.FS.mutex.Unlock()

	if len(compkey) == 0 {
		return fmt.Errorf("%w: node %s", ECRYPTO, hash)
	}

	fa, err := EncodeMediaAttr(info, compkey)
	if err != nil {
		return err
	}

	_, err = m.api.Send(&FileAttrPutMsg{Cmd: "pfa", N: hash, Fa: fa})
	return err
}

// buildAttrs assembles the attribute map for the new node.
func (u *Upload) buildAttrs() NodeAttr {
	attr := NodeAttr{"n": u.opts.Name}
	if u.opts.MTime != 0 {
		attr["t"] = u.opts.MTime
	}
	if u.opts.Fingerprint != "" {
		attr["c"] = u.opts.Fingerprint
	}
	if u.opts.Label > 0 && u.opts.Label <= 7 {
		attr["lbl"] = u.opts.Label
	}
	if u.opts.Fav {
		attr["fav"] = 1
	}
	if len(u.opts.Custom) > 0 {
		attr["e"] = u.opts.Custom
	}

	return attr
}

// Finish waits for the MAC worker, folds the meta-MAC, wraps the node
// key with the master key and issues the p command. The created node is
// returned. With ReplaceHandle set the server links the old file as the
// previous version of the new node.
func (u *Upload) Finish() (node *Node, err error) {
	close(u.macCh)
	u.macWg.Wait()

	// meta-MAC: ECB-iterate the per-chunk MACs, then fold to 8 bytes.
	mac_data := make([]byte, 16)
	mac_enc := cipher.NewCBCEncrypter(u.aes_block, zero_iv)
	for _, v := range u.chunk_macs {
		if v == nil {
			return nil, fmt.Errorf("%w: chunk MAC missing", EMACMISMATCH)
		}
		mac_enc.CryptBlocks(mac_data, v)
	}

	t, err := bytes_to_a32(mac_data)
	if err != nil {
		return nil, err
	}
	meta_mac := []uint32{t[0] ^ t[1], t[2] ^ t[3]}

	attr_data, err := encryptAttr(u.kbytes, u.buildAttrs())
	if err != nil {
		return nil, err
	}

	// On-wire node key: key halves XORed with nonce||meta_mac, then
	// the plain nonce and meta-MAC, ECB-wrapped under the master key.
	key := []uint32{u.ukey[0] ^ u.ukey[4], u.ukey[1] ^ u.ukey[5],
		u.ukey[2] ^ meta_mac[0], u.ukey[3] ^ meta_mac[1],
		u.ukey[4], u.ukey[5], meta_mac[0], meta_mac[1]}

	buf, err := a32_to_bytes(key)
	if err != nil {
		return nil, err
	}

	// Media attributes encrypt under the composite key, whose XXTEA
	// words include the meta-MAC; they can only be encoded now.
	if u.opts.Media != nil {
		mediaFa, merr := EncodeMediaAttr(u.opts.Media, buf)
		if merr != nil {
			return nil, merr
		}
		u.mutex.Lock()
		u.fa = append(u.fa, mediaFa)
		u.mutex.Unlock()
	}
	master_aes, err := aes.NewCipher(u.m.masterKey())
	if err != nil {
		return nil, err
	}
	err = blockEncrypt(master_aes, buf, buf)
	if err != nil {
		return nil, err
	}

	u.mutex.Lock()
	completion := string(u.completion_handle)
	fa := strings.Join(u.fa, "/")
	u.mutex.Unlock()

	if completion == "" {
		return nil, fmt.Errorf("%w: no completion token received", EINCOMPLETE)
	}

	var cmsg PutNodesMsg
	var cres PutNodesResp

	cmsg.Cmd = "p"
	cmsg.T = u.parenthash
	cmsg.N = []NodeRecord{{
		H:  completion,
		T:  FILE,
		A:  attr_data,
		K:  base64urlencode(buf),
		Fa: fa,
		Ov: u.opts.ReplaceHandle,
	}}
	cmsg.I, err = randString(10)
	if err != nil {
		return nil, err
	}

	result, err := u.m.api.Send(&cmsg)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(result, &cres)
	if err != nil {
		return nil, err
	}
	if len(cres.F) == 0 {
		return nil, EBADRESP
	}

	u.m.FS.mutex.Lock()
	defer u.m.FS.mutex.Unlock()
	return u.m.addFSNode(cres.F[0])
}

// Upload a file to the filesystem
func (m *Mega) UploadFile(ctx context.Context, srcpath string, parent *Node, name string, progress *chan int) (node *Node, err error) {
	defer func() {
		if progress != nil {
			close(*progress)
		}
	}()

	opts := UploadOpts{Name: name}
	var fn Progress
	if progress != nil {
		prev := int64(0)
		fn = func(total, uploaded int64, totalChunks, uploadedChunks int) {
			if uploaded > prev {
				*progress <- int(uploaded - prev)
				prev = uploaded
			}
		}
	}

	return m.UploadFileOpts(ctx, srcpath, parent, opts, fn)
}

// UploadFileOpts uploads a local file with full attribute control:
// mtime and fingerprint are derived from the source file when unset,
// media attributes and thumbnails come from opts, and ReplaceHandle
// versions an existing node.
func (m *Mega) UploadFileOpts(ctx context.Context, srcpath string, parent *Node, opts UploadOpts, progress Progress) (node *Node, err error) {
	var infile *os.File
	var fileSize int64

	info, err := os.Stat(srcpath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ENOENT, err)
	}
	fileSize = info.Size()

	infile, err = os.OpenFile(srcpath, os.O_RDONLY, 0666)
	if err != nil {
		return nil, err
	}
	defer func() {
		e := infile.Close()
		if err == nil {
			err = e
		}
	}()

	if opts.Name == "" {
		opts.Name = filepath.Base(srcpath)
	}
	if opts.MTime == 0 {
		opts.MTime = info.ModTime().Unix()
	}
	if opts.Fingerprint == "" {
		opts.Fingerprint, err = fingerprint(infile, fileSize, opts.MTime)
		if err != nil {
			return nil, err
		}
	}
	if opts.Media != nil && opts.Media.Shortformat == 0 {
		c, v, a := opts.Media.FormatStrings(nil)
		if !knownMediaFormat(c, v, a) {
			opts.Media.Shortformat = 255
		}
	}

	u, err := m.NewUploadOpts(parent, fileSize, opts)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		u.SetProgress(progress)
	}

	// File attributes ride alongside the chunk uploads.
	if len(opts.Thumbnail) > 0 {
		if err = u.uploadFileAttr(ctx, 0, opts.Thumbnail); err != nil {
			return nil, err
		}
	}
	if len(opts.Preview) > 0 {
		if err = u.uploadFileAttr(ctx, 1, opts.Preview); err != nil {
			return nil, err
		}
	}
	workch := make(chan int)
	errch := make(chan error, m.ul_workers)
	wg := sync.WaitGroup{}

	// Fire chunk upload workers
	for w := 0; w < m.ul_workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for id := range workch {
				chk_start, chk_size, err := u.ChunkLocation(id)
				if err != nil {
					errch <- err
					return
				}
				chunk := make([]byte, chk_size)
				n, err := infile.ReadAt(chunk, chk_start)
				if err != nil && err != io.EOF {
					errch <- err
					return
				}
				if n != len(chunk) {
					errch <- errors.New("chunk too short")
					return
				}

				err = u.UploadChunk(ctx, id, chunk)
				if err != nil {
					errch <- err
					return
				}
			}
		}()
	}

	// Place chunk upload jobs to chan
	err = nil
	for id := 0; id < u.Chunks() && err == nil; {
		select {
		case workch <- id:
			id++
		case err = <-errch:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	close(workch)

	wg.Wait()

	// A worker can fail after the last job was handed out.
	if err == nil {
		select {
		case err = <-errch:
		default:
		}
	}

	if err != nil {
		// Abort without node creation; the orphaned upload expires on
		// the server.
		close(u.macCh)
		u.macWg.Wait()
		return nil, err
	}

	return u.Finish()
}
