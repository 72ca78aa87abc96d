package mega

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	mrand "math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Default settings
const (
	API_URL              = "https://g.api.mega.co.nz"
	BASE_DOWNLOAD_URL    = "https://mega.co.nz"
	USER_AGENT           = "megapy/2.0"
	RETRIES              = 4
	DOWNLOAD_WORKERS     = 3
	MAX_DOWNLOAD_WORKERS = 30
	UPLOAD_WORKERS       = 4
	MAX_UPLOAD_WORKERS   = 30
	TIMEOUT              = time.Second * 300
	CONNECT_TIMEOUT      = time.Second * 30
	SOCK_READ_TIMEOUT    = time.Second * 60
	HTTPSONLY            = false
	minSleepTime         = 10 * time.Millisecond // for retries
	maxSleepTime         = 5 * time.Second       // for retries
)

type config struct {
	baseurl      string
	userAgent    string
	keepalive    bool
	limit        int
	limitPerHost int

	proxyURL  string
	proxyUser string
	proxyPass string

	tlsVerify bool

	timeout        time.Duration
	connectTimeout time.Duration
	sockReadTime   time.Duration

	retryMax       int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	retryExpBase   float64

	extra map[string]string

	dl_workers int
	ul_workers int

	autoThumbnail  bool
	autoPreview    bool
	videoFrameTime float64

	https bool
}

func newConfig() config {
	return config{
		baseurl:        API_URL,
		userAgent:      USER_AGENT,
		keepalive:      true,
		limit:          100,
		limitPerHost:   10,
		tlsVerify:      true,
		timeout:        TIMEOUT,
		connectTimeout: CONNECT_TIMEOUT,
		sockReadTime:   SOCK_READ_TIMEOUT,
		retryMax:       RETRIES,
		retryBaseDelay: 250 * time.Millisecond,
		retryMaxDelay:  16 * time.Second,
		retryExpBase:   2.0,
		dl_workers:     DOWNLOAD_WORKERS,
		ul_workers:     UPLOAD_WORKERS,
		autoThumbnail:  true,
		autoPreview:    true,
		videoFrameTime: 1.0,
		https:          HTTPSONLY,
	}
}

// Set mega service base url
func (c *config) SetAPIUrl(u string) {
	if strings.HasSuffix(u, "/") {
		u = strings.TrimRight(u, "/")
	}
	c.baseurl = u
}

// SetUserAgent sets the User-Agent header on all API calls.
func (c *config) SetUserAgent(ua string) {
	c.userAgent = ua
}

// Set number of retries for api calls
func (c *config) SetRetries(r int) {
	c.retryMax = r
}

// SetRetryBackoff tunes the batch retry policy: delays follow
// base*expBase^attempt capped at max.
func (c *config) SetRetryBackoff(base, max time.Duration, expBase float64) {
	c.retryBaseDelay = base
	c.retryMaxDelay = max
	c.retryExpBase = expBase
}

// SetProxy routes all HTTP through the given proxy URL with optional
// credentials.
func (c *config) SetProxy(url, username, password string) {
	c.proxyURL = url
	c.proxyUser = username
	c.proxyPass = password
}

// SetTLSVerify toggles certificate verification on the transport.
func (c *config) SetTLSVerify(verify bool) {
	c.tlsVerify = verify
}

// SetKeepalive toggles HTTP connection reuse.
func (c *config) SetKeepalive(on bool) {
	c.keepalive = on
}

// SetPoolLimits sets the connection pool sizes.
func (c *config) SetPoolLimits(limit, perHost int) {
	c.limit = limit
	c.limitPerHost = perHost
}

// SetExtraHeader adds a header to every API call.
func (c *config) SetExtraHeader(k, v string) {
	if c.extra == nil {
		c.extra = make(map[string]string)
	}
	c.extra[k] = v
}

// Set concurrent download workers
func (c *config) SetDownloadWorkers(w int) error {
	if w <= MAX_DOWNLOAD_WORKERS {
		c.dl_workers = w
		return nil
	}

	return EWORKER_LIMIT_EXCEEDED
}

// Set connection timeouts. Zero values keep the current setting.
func (c *config) SetTimeOut(total, connect, sockRead time.Duration) {
	if total > 0 {
		c.timeout = total
	}
	if connect > 0 {
		c.connectTimeout = connect
	}
	if sockRead > 0 {
		c.sockReadTime = sockRead
	}
}

// Set concurrent upload workers
func (c *config) SetUploadWorkers(w int) error {
	if w <= MAX_UPLOAD_WORKERS {
		c.ul_workers = w
		return nil
	}

	return EWORKER_LIMIT_EXCEEDED
}

// SetAutoMedia controls thumbnail/preview generation hooks and the
// video probe frame time.
func (c *config) SetAutoMedia(thumbnail, preview bool, frameTime float64) {
	c.autoThumbnail = thumbnail
	c.autoPreview = preview
	c.videoFrameTime = frameTime
}

// Set use https for transfers
func (c *config) SetHTTPS(e bool) {
	c.https = e
}

// retryDelay computes the batch backoff delay for an attempt number.
func (c *config) retryDelay(attempt int) time.Duration {
	d := float64(c.retryBaseDelay)
	for i := 0; i < attempt; i++ {
		d *= c.retryExpBase
	}
	if d > float64(c.retryMaxDelay) {
		d = float64(c.retryMaxDelay)
	}

	return time.Duration(d)
}

type Mega struct {
	config
	// Version of the account
	accountVersion int
	// Salt for the account if accountVersion > 1
	accountSalt []byte
	// Sequence number
	sn int64
	// Server state sn
	ssn string
	// Session ID
	sid string
	// Master key
	k []byte
	// Decrypted RSA private key blob
	privk []byte
	// User handle hash (v1 login)
	uh []byte
	// Account identity
	email    string
	userID   string
	userName string
	// Filesystem object
	FS *MegaFS
	// HTTP Client
	client *http.Client
	// Command pipeline
	api *pipeline
	// Session persistence, nil unless UseStorage was called
	store SessionStorage
	// Cached mc lookup table
	codecs *mediaCodecs
	// Loggers
	logf   func(format string, v ...interface{})
	debugf func(format string, v ...interface{})
	// protects sid, k, privk, identity fields
	authMu sync.RWMutex
	// mutex to protect waitEvents
	waitEventsMu sync.Mutex
	// Outstanding channels to close to indicate events all received
	waitEvents []chan struct{}
	// closed to stop the event poller
	pollStop chan struct{}
}

func New() *Mega {
	max := big.NewInt(0x100000000)
	bigx, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic(err) // this should be returned, but this is a public interface
	}
	cfg := newConfig()
	mgfs := newMegaFS()
	m := &Mega{
		config: cfg,
		sn:     bigx.Int64(),
		FS:     mgfs,
	}
	m.client = newHttpClient(cfg)
	m.api = newPipeline(m)
	m.SetLogger(log.Printf)
	m.SetDebugger(nil)
	return m
}

// SetClient sets the HTTP client in use
func (m *Mega) SetClient(client *http.Client) *Mega {
	m.client = client
	return m
}

// UseStorage attaches a session store. Login snapshots the session into
// it; Logout deletes the snapshot; Disconnect keeps it.
func (m *Mega) UseStorage(s SessionStorage) *Mega {
	m.store = s
	return m
}

// discardLogf discards the log messages
func discardLogf(format string, v ...interface{}) {
}

// SetLogger sets the logger for important messages.  By default this
// is log.Printf.  Use nil to discard the messages.
func (m *Mega) SetLogger(logf func(format string, v ...interface{})) *Mega {
	if logf == nil {
		logf = discardLogf
	}
	m.logf = logf
	return m
}

// SetDebugger sets the logger for debug messages.  By default these
// messages are not output.
func (m *Mega) SetDebugger(debugf func(format string, v ...interface{})) *Mega {
	if debugf == nil {
		debugf = discardLogf
	}
	m.debugf = debugf
	return m
}

// Accessors shared with the pipeline and transfer engines.

func (m *Mega) gateway() string { return m.baseurl }

func (m *Mega) userAgentString() string { return m.userAgent }

func (m *Mega) extraHeaders() map[string]string { return m.extra }

func (m *Mega) httpClient() *http.Client { return m.client }

func (m *Mega) nextSeq() int64 {
	return atomic.AddInt64(&m.sn, 1) - 1
}

func (m *Mega) sessionID() string {
	m.authMu.RLock()
	defer m.authMu.RUnlock()
	return m.sid
}

func (m *Mega) masterKey() []byte {
	m.authMu.RLock()
	defer m.authMu.RUnlock()
	return m.k
}

// prelogin call
func (m *Mega) prelogin(email string) error {
	var msg PreloginMsg
	var res PreloginResp

	email = strings.ToLower(email) // mega uses lowercased emails for login purposes

	msg.Cmd = "us0"
	msg.User = email

	result, err := m.api.SendImmediate(&msg)
	if err != nil {
		return err
	}

	err = json.Unmarshal(result, &res)
	if err != nil {
		return err
	}

	if res.Version == 0 {
		return errors.New("prelogin: no version returned")
	} else if res.Version > 2 {
		return fmt.Errorf("prelogin: version %d account not supported", res.Version)
	} else if res.Version == 2 {
		if len(res.Salt) == 0 {
			return errors.New("prelogin: no salt returned")
		}
		m.accountSalt, err = base64urldecode(res.Salt)
		if err != nil {
			return err
		}
	}
	m.accountVersion = res.Version

	return nil
}

// Authenticate and start a session
func (m *Mega) login(email string, passwd string, multiFactor string) error {
	var msg LoginMsg
	var res LoginResp
	var err error
	var result []byte

	email = strings.ToLower(email) // mega uses lowercased emails for login purposes

	passkey, err := password_key(passwd)
	if err != nil {
		return err
	}
	uhandle, err := stringhash(email, passkey)
	if err != nil {
		return err
	}
	m.uh = make([]byte, len(uhandle))
	copy(m.uh, uhandle)

	msg.Cmd = "us"
	msg.User = email
	msg.Mfa = multiFactor

	if m.accountVersion == 1 {
		msg.Handle = uhandle
	} else {
		const derivedKeyLength = 2 * aes.BlockSize
		derivedKey := pbkdf2.Key([]byte(passwd), m.accountSalt, 100000, derivedKeyLength, sha512.New)
		authKey := derivedKey[aes.BlockSize:]
		passkey = derivedKey[:aes.BlockSize]

		sessionKey := make([]byte, aes.BlockSize)
		_, err = rand.Read(sessionKey)
		if err != nil {
			return err
		}
		msg.Handle = base64urlencode(authKey)
		msg.SessionKey = base64urlencode(sessionKey)
	}

	result, err = m.api.SendImmediate(&msg)
	if err != nil {
		return err
	}

	err = json.Unmarshal(result, &res)
	if err != nil {
		return err
	}

	k, err := base64urldecode(res.Key)
	if err != nil {
		return err
	}
	cipher, err := aes.NewCipher(passkey)
	if err != nil {
		return err
	}
	cipher.Decrypt(k, k)

	sid, err := decryptSessionId(res.Privk, res.Csid, k)
	if err != nil {
		return err
	}

	privk, err := base64urldecode(res.Privk)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return err
	}
	err = blockDecrypt(block, privk, privk)
	if err != nil {
		return err
	}

	m.authMu.Lock()
	m.k = k
	m.sid = sid
	m.privk = privk
	m.email = email
	m.authMu.Unlock()

	return nil
}

// Authenticate and start a session
func (m *Mega) Login(email string, passwd string) error {
	return m.MultiFactorLogin(email, passwd, "")
}

// MultiFactorLogin - Authenticate and start a session with 2FA
func (m *Mega) MultiFactorLogin(email, passwd, multiFactor string) error {
	err := m.prelogin(email)
	if err != nil {
		return err
	}

	err = m.login(email, passwd, multiFactor)
	if err != nil {
		return err
	}

	user, err := m.GetUser()
	if err != nil {
		return err
	}
	m.authMu.Lock()
	m.userID = user.U
	m.userName = user.Name
	m.authMu.Unlock()

	waitEvent := m.WaitEventsStart()

	err = m.getFileSystem()
	if err != nil {
		return err
	}

	// Wait until the all the pending events have been received
	m.WaitEvents(waitEvent, 5*time.Second)

	return m.persistSession()
}

// persistSession snapshots the live session into the attached store.
func (m *Mega) persistSession() error {
	if m.store == nil {
		return nil
	}

	m.authMu.RLock()
	data := &SessionData{
		Email:      m.email,
		SessionID:  m.sid,
		UserID:     m.userID,
		UserName:   m.userName,
		MasterKey:  append([]byte(nil), m.k...),
		PrivateKey: append([]byte(nil), m.privk...),
	}
	m.authMu.RUnlock()

	err := m.store.Save(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ESTORAGE, err)
	}

	return nil
}

// RestoreSession resumes a previously persisted session without
// credentials. The session is validated with a ug call before the tree
// is fetched.
func (m *Mega) RestoreSession() error {
	if m.store == nil {
		return fmt.Errorf("%w: no session storage attached", ESTORAGE)
	}

	data, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", ESTORAGE, err)
	}
	if data == nil {
		return ENOENT
	}

	m.authMu.Lock()
	m.sid = data.SessionID
	m.k = append([]byte(nil), data.MasterKey...)
	m.privk = append([]byte(nil), data.PrivateKey...)
	m.email = data.Email
	m.userID = data.UserID
	m.userName = data.UserName
	m.authMu.Unlock()

	user, err := m.GetUser()
	if err != nil {
		return err
	}
	m.authMu.Lock()
	m.userID = user.U
	m.userName = user.Name
	m.authMu.Unlock()

	waitEvent := m.WaitEventsStart()

	err = m.getFileSystem()
	if err != nil {
		return err
	}
	m.WaitEvents(waitEvent, 5*time.Second)

	return nil
}

// Disconnect drops the transport state but keeps any persisted session
// snapshot, so RestoreSession can resume later.
func (m *Mega) Disconnect() {
	m.stopPolling()

	m.authMu.Lock()
	m.sid = ""
	m.k = nil
	m.privk = nil
	m.authMu.Unlock()

	m.FS = newMegaFS()
}

// Logout invalidates the server session and deletes the persisted
// snapshot.
func (m *Mega) Logout() error {
	_, err := m.api.SendImmediate(&LogoutMsg{Cmd: "sml"})

	m.Disconnect()

	if m.store != nil {
		if derr := m.store.Delete(); derr != nil && err == nil {
			err = fmt.Errorf("%w: %v", ESTORAGE, derr)
		}
	}

	return err
}

func (m *Mega) stopPolling() {
	m.waitEventsMu.Lock()
	if m.pollStop != nil {
		close(m.pollStop)
		m.pollStop = nil
	}
	m.waitEventsMu.Unlock()
}

// WaitEventsStart - call this before you do the action which might
// generate events then use the returned channel as a parameter to
// WaitEvents to wait for the event(s) to be received.
func (m *Mega) WaitEventsStart() <-chan struct{} {
	ch := make(chan struct{})
	m.waitEventsMu.Lock()
	m.waitEvents = append(m.waitEvents, ch)
	m.waitEventsMu.Unlock()
	return ch
}

// WaitEvents waits for all outstanding events to be received for a
// maximum of duration.  eventChan should be a channel as returned
// from WaitEventStart.
//
// If the timeout elapsed then it returns true otherwise false.
func (m *Mega) WaitEvents(eventChan <-chan struct{}, duration time.Duration) (timedout bool) {
	m.debugf("Waiting for events to be finished for %v", duration)
	timer := time.NewTimer(duration)
	select {
	case <-eventChan:
		m.debugf("Events received")
		timedout = false
	case <-timer.C:
		m.debugf("Timeout waiting for events")
		timedout = true
	}
	timer.Stop()
	return timedout
}

// waitEventsFire - fire the wait event
func (m *Mega) waitEventsFire() {
	m.waitEventsMu.Lock()
	if len(m.waitEvents) > 0 {
		m.debugf("Signalling events received")
		for _, ch := range m.waitEvents {
			close(ch)
		}
		m.waitEvents = nil
	}
	m.waitEventsMu.Unlock()
}

// Get user information
func (m *Mega) GetUser() (UserResp, error) {
	var msg UserMsg
	var res UserResp

	msg.Cmd = "ug"

	result, err := m.api.Send(&msg)
	if err != nil {
		return res, err
	}

	err = json.Unmarshal(result, &res)
	return res, err
}

// Get quota information
func (m *Mega) GetQuota() (QuotaResp, error) {
	var msg QuotaMsg
	var res QuotaResp

	msg.Cmd = "uq"
	msg.Xfer = 1
	msg.Strg = 1

	result, err := m.api.Send(&msg)
	if err != nil {
		return res, err
	}

	err = json.Unmarshal(result, &res)
	return res, err
}

// MediaCodecs fetches and caches the mc codec lookup table used to name
// the numeric ids in media attribute 9. The table is additionally
// cached through the session store when one is attached.
func (m *Mega) MediaCodecs() (*mediaCodecs, error) {
	if m.codecs != nil {
		return m.codecs, nil
	}

	if m.store != nil {
		if cached, err := m.store.CacheGet("mc"); err == nil && cached != "" {
			if mc, err := parseMediaCodecs([]byte(cached)); err == nil {
				m.codecs = mc
				return mc, nil
			}
		}
	}

	result, err := m.api.Send(&MediaCodecsMsg{Cmd: "mc"})
	if err != nil {
		return nil, err
	}
	mc, err := parseMediaCodecs(result)
	if err != nil {
		return nil, err
	}
	m.codecs = mc

	if m.store != nil {
		_ = m.store.CachePut("mc", string(result))
	}

	return mc, nil
}

// Get all nodes from filesystem
func (m *Mega) getFileSystem() error {
	var msg FilesMsg
	var res FilesResp

	msg.Cmd = "f"
	msg.C = 1
	msg.R = 1

	result, err := m.api.Send(&msg)
	if err != nil {
		return err
	}

	err = json.Unmarshal(result, &res)
	if err != nil {
		return err
	}

	err = m.buildFS(&res)
	if err != nil {
		return err
	}

	m.ssn = res.Sn

	m.waitEventsMu.Lock()
	if m.pollStop == nil {
		m.pollStop = make(chan struct{})
		go m.pollEvents(m.pollStop)
	}
	m.waitEventsMu.Unlock()

	return nil
}

// Move a file from one location to another
func (m *Mega) Move(src *Node, parent *Node) error {
	if src == nil || parent == nil {
		return EARGS
	}
	var msg MoveFileMsg
	var err error

	msg.Cmd = "m"
	msg.N = src.GetHash()
	msg.T = parent.GetHash()
	msg.I, err = randString(10)
	if err != nil {
		return err
	}

	_, err = m.api.Send(&msg)
	if err != nil {
		return err
	}

	m.FS.moveNode(src, parent)

	return nil
}

// Rename a file or folder
func (m *Mega) Rename(src *Node, name string) error {
	if src == nil {
		return EARGS
	}
	var msg FileAttrMsg

	m.FS.mutex.Lock()
	master_aes, err := aes.NewCipher(m.masterKey())
	if err != nil {
		m.FS.mutex.Unlock()
		return err
	}
	attr := src.attrs
	if attr == nil {
		attr = NodeAttr{}
	}
	attr.SetName(name)
	attr_data, err := encryptAttr(src.meta.key, attr)
	if err != nil {
		m.FS.mutex.Unlock()
		return err
	}
	key := make([]byte, len(src.meta.compkey))
	err = blockEncrypt(master_aes, key, src.meta.compkey)
	if err != nil {
		m.FS.mutex.Unlock()
		return err
	}
	msg.N = src.hash
	m.FS.mutex.Unlock()

	msg.Cmd = "a"
	msg.Attr = attr_data
	msg.Key = base64urlencode(key)
	msg.I, err = randString(10)
	if err != nil {
		return err
	}

	_, err = m.api.Send(&msg)
	if err != nil {
		return err
	}

	m.FS.mutex.Lock()
	src.name = name
	m.FS.mutex.Unlock()

	return nil
}

// Create a directory in the filesystem
func (m *Mega) CreateDir(name string, parent *Node) (*Node, error) {
	if parent == nil {
		return nil, EARGS
	}
	var msg PutNodesMsg
	var res PutNodesResp

	compkey := []uint32{0, 0, 0, 0, 0, 0}
	for i := range compkey {
		compkey[i] = uint32(mrand.Int31())
	}

	master_aes, err := aes.NewCipher(m.masterKey())
	if err != nil {
		return nil, err
	}
	attr := NodeAttr{"n": name}
	ukey, err := a32_to_bytes(compkey[:4])
	if err != nil {
		return nil, err
	}
	attr_data, err := encryptAttr(ukey, attr)
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(ukey))
	err = blockEncrypt(master_aes, key, ukey)
	if err != nil {
		return nil, err
	}

	msg.Cmd = "p"
	msg.T = parent.GetHash()
	msg.N = []NodeRecord{{
		H: "xxxxxxxx",
		T: FOLDER,
		A: attr_data,
		K: base64urlencode(key),
	}}
	msg.I, err = randString(10)
	if err != nil {
		return nil, err
	}

	result, err := m.api.Send(&msg)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(result, &res)
	if err != nil {
		return nil, err
	}
	if len(res.F) == 0 {
		return nil, EBADRESP
	}

	m.FS.mutex.Lock()
	defer m.FS.mutex.Unlock()
	return m.addFSNode(res.F[0])
}

// Delete a file or directory from filesystem
func (m *Mega) Delete(node *Node, destroy bool) error {
	if node == nil {
		return EARGS
	}
	if !destroy {
		return m.Move(node, m.FS.GetTrash())
	}

	var msg FileDeleteMsg
	var err error
	msg.Cmd = "d"
	msg.N = node.GetHash()
	msg.I, err = randString(10)
	if err != nil {
		return err
	}

	_, err = m.api.Send(&msg)
	if err != nil {
		return err
	}

	m.FS.removeNode(node)

	return nil
}

func (m *Mega) getLink(n *Node) (string, error) {
	var msg GetLinkMsg
	var res string

	msg.Cmd = "l"
	msg.N = n.GetHash()

	result, err := m.api.Send(&msg)
	if err != nil {
		return "", err
	}
	err = json.Unmarshal(result, &res)
	if err != nil {
		return "", err
	}
	return res, nil
}

// Exports public link for node, with or without decryption key included
func (m *Mega) Link(n *Node, includeKey bool) (string, error) {
	id, err := m.getLink(n)
	if err != nil {
		return "", err
	}
	if includeKey {
		m.FS.mutex.Lock()
		key := base64urlencode(n.meta.compkey)
		m.FS.mutex.Unlock()
		return fmt.Sprintf("%v/#!%v!%v", BASE_DOWNLOAD_URL, id, key), nil
	}
	return fmt.Sprintf("%v/#!%v", BASE_DOWNLOAD_URL, id), nil
}

// LoginAnonymous authenticates and starts a session with an anonymous
// temporary user
func (m *Mega) LoginAnonymous() error {
	m.debugf("Anonymous login")

	masterKey := make([]uint32, 4)
	passwordKey := make([]uint32, 4)
	sessionChallenge := make([]uint32, 4)

	for i := range masterKey {
		masterKey[i] = uint32(mrand.Int31())
		passwordKey[i] = uint32(mrand.Int31())
		sessionChallenge[i] = uint32(mrand.Int31())
	}

	// Encrypt master key with password key
	encryptedMasterKey, err := a32_to_base64([]uint32{
		masterKey[0] ^ passwordKey[0],
		masterKey[1] ^ passwordKey[1],
		masterKey[2] ^ passwordKey[2],
		masterKey[3] ^ passwordKey[3],
	})
	if err != nil {
		return err
	}

	challengeBytes, err := a32_to_bytes(sessionChallenge)
	if err != nil {
		return err
	}

	encryptedChallenge, err := a32_to_bytes([]uint32{
		sessionChallenge[0] ^ masterKey[0],
		sessionChallenge[1] ^ masterKey[1],
		sessionChallenge[2] ^ masterKey[2],
		sessionChallenge[3] ^ masterKey[3],
	})
	if err != nil {
		return err
	}

	// Concatenate challenge and encrypted challenge
	ts := base64urlencode(append(challengeBytes, encryptedChallenge...))

	var provisionMsg struct {
		Cmd string `json:"a"`
		K   string `json:"k"`
		TS  string `json:"ts"`
	}

	provisionMsg.Cmd = "up"
	provisionMsg.K = encryptedMasterKey
	provisionMsg.TS = ts

	result, err := m.api.SendImmediate(&provisionMsg)
	if err != nil {
		return err
	}

	var userHandle string
	err = json.Unmarshal(result, &userHandle)
	if err != nil {
		return fmt.Errorf("failed to unmarshal user handle: %v, response: %s", err, result)
	}

	m.debugf("Got anonymous user handle: %s", userHandle)

	var msg LoginMsg
	var res LoginResp

	msg.Cmd = "us"
	msg.User = userHandle

	result, err = m.api.SendImmediate(&msg)
	if err != nil {
		return err
	}

	err = json.Unmarshal(result, &res)
	if err != nil {
		return fmt.Errorf("failed to unmarshal login response: %v, response: %s", err, result)
	}

	k := make([]byte, 16)
	kbytes, err := a32_to_bytes(passwordKey)
	if err != nil {
		return err
	}
	copy(k, kbytes)

	var sid string
	switch {
	case res.Key != "":
		encKey, err := base64urldecode(res.Key)
		if err != nil {
			return fmt.Errorf("failed to decode k: %v", err)
		}

		cipher, err := aes.NewCipher(k)
		if err != nil {
			return fmt.Errorf("failed to create cipher: %v", err)
		}

		cipher.Decrypt(encKey, encKey)
		copy(k, encKey)

		if res.Sid != "" {
			sid = res.Sid
		} else if res.Tsid != "" {
			sid = res.Tsid
		}
	case res.Privk != "" && res.Csid != "":
		sid, err = decryptSessionId(res.Privk, res.Csid, k)
		if err != nil {
			return fmt.Errorf("failed to decrypt session ID: %v", err)
		}
	default:
		if res.Sid != "" {
			sid = res.Sid
		} else if res.Tsid != "" {
			sid = res.Tsid
		}
	}

	if sid == "" {
		return fmt.Errorf("no session ID found in response")
	}

	m.authMu.Lock()
	m.k = k
	m.sid = sid
	m.authMu.Unlock()

	waitEvent := m.WaitEventsStart()

	err = m.getFileSystem()
	if err != nil {
		return err
	}

	m.WaitEvents(waitEvent, 5*time.Second)

	return nil
}

// process an add node event
func (m *Mega) processAddNode(evRaw []byte) error {
	m.FS.mutex.Lock()
	defer m.FS.mutex.Unlock()

	var ev FSEvent
	err := json.Unmarshal(evRaw, &ev)
	if err != nil {
		return err
	}

	for _, itm := range ev.T.Files {
		_, err = m.addFSNode(itm)
		if err != nil {
			return err
		}
	}
	return nil
}

// process an update node event
func (m *Mega) processUpdateNode(evRaw []byte) error {
	m.FS.mutex.Lock()
	defer m.FS.mutex.Unlock()

	var ev FSEvent
	err := json.Unmarshal(evRaw, &ev)
	if err != nil {
		return err
	}

	node := m.FS.hashLookup(ev.N)
	if node == nil {
		return ENOENT
	}
	attr, err := decryptAttr(node.meta.key, ev.Attr)
	if err == nil {
		node.name = attr.Name()
		node.attrs = attr
	} else {
		node.name = "BAD ATTRIBUTE"
	}

	node.ts = time.Unix(ev.Ts, 0)
	return nil
}

// process a delete node event
func (m *Mega) processDeleteNode(evRaw []byte) error {
	var ev FSEvent
	err := json.Unmarshal(evRaw, &ev)
	if err != nil {
		return err
	}

	m.FS.mutex.Lock()
	node := m.FS.hashLookup(ev.N)
	m.FS.mutex.Unlock()

	if node != nil {
		m.FS.removeNode(node)
	}
	return nil
}

// Listen for server event notifications and play actions
func (m *Mega) pollEvents(stop <-chan struct{}) {
	var err error
	var resp *http.Response
	sleepTime := minSleepTime // initial backoff time
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err != nil {
			m.debugf("pollEvents: error from server: %v", err)
			backOffSleep(&sleepTime)
		} else {
			// reset sleep time to minimum on success
			sleepTime = minSleepTime
		}

		url := fmt.Sprintf("%s/sc?sn=%s&sid=%s", m.baseurl, m.ssn, m.sessionID())
		resp, err = m.client.Post(url, "application/xml", nil)
		if err != nil {
			m.logf("pollEvents: Error fetching status: %s", err)
			continue
		}

		if resp.StatusCode != 200 {
			m.logf("pollEvents: Error from server: %s", resp.Status)
			_ = resp.Body.Close()
			continue
		}

		buf, err := io.ReadAll(resp.Body)
		if err != nil {
			m.logf("pollEvents: Error reading body: %v", err)
			_ = resp.Body.Close()
			continue
		}
		err = resp.Body.Close()
		if err != nil {
			m.logf("pollEvents: Error closing body: %v", err)
			continue
		}

		// First attempt to parse an array
		var events Events
		err = json.Unmarshal(buf, &events)
		if err != nil {
			// Try parsing as a lone error message
			var emsg ErrorMsg
			err = json.Unmarshal(buf, &emsg)
			if err != nil {
				m.logf("pollEvents: Bad response received from server: %s", buf)
			} else {
				err = parseError(emsg)
				if err == EAGAIN {
				} else if err != nil {
					m.logf("pollEvents: Error received from server: %v", err)
				}
			}
			continue
		}

		// if wait URL is set, then fetch it and continue - we
		// don't expect anything else if we have a wait URL.
		if events.W != "" {
			m.waitEventsFire()
			if len(events.E) > 0 {
				m.logf("pollEvents: Unexpected event with w set: %s", buf)
			}
			resp, err = m.client.Get(events.W)
			if err == nil {
				_ = resp.Body.Close()
			}
			continue
		}
		m.ssn = events.Sn

		// For each event in the array, parse it
		for _, evRaw := range events.E {
			// First attempt to unmarshal as an error message
			var emsg ErrorMsg
			err = json.Unmarshal(evRaw, &emsg)
			if err == nil {
				m.logf("pollEvents: Error message received %s", evRaw)
				err = parseError(emsg)
				if err != nil {
					m.logf("pollEvents: Event from server was error: %v", err)
				}
				continue
			}

			// Now unmarshal as a generic event
			var gev GenericEvent
			err = json.Unmarshal(evRaw, &gev)
			if err != nil {
				m.logf("pollEvents: Couldn't parse event from server: %v: %s", err, evRaw)
				continue
			}
			m.debugf("pollEvents: Parsing event %q: %s", gev.Cmd, evRaw)

			// Work out what to do with the event
			var process func([]byte) error
			switch gev.Cmd {
			case "t": // node addition
				process = m.processAddNode
			case "u": // node update
				process = m.processUpdateNode
			case "d": // node deletion
				process = m.processDeleteNode
			case "s", "s2": // share addition/update/revocation
			case "c": // contact addition/update
			case "k": // crypto key request
			case "fa": // file attribute update
			case "ua": // user attribute update
			case "psts": // account updated
			case "ipc": // incoming pending contact request (to us)
			case "opc": // outgoing pending contact request (from us)
			case "upci": // incoming pending contact request update (accept/deny/ignore)
			case "upco": // outgoing pending contact request update (from them, accept/deny/ignore)
			case "ph": // public links handles
			case "se": // set email
			case "mcc": // chat creation / peer's invitation / peer's removal
			case "mcna": // granted / revoked access to a node
			case "uac": // user access control
			default:
				m.debugf("pollEvents: Unknown message %q received: %s", gev.Cmd, evRaw)
			}

			// process the event if we can
			if process != nil {
				err := process(evRaw)
				if err != nil {
					m.logf("pollEvents: Error processing event %q '%s': %v", gev.Cmd, evRaw, err)
				}
			}
		}
	}
}
