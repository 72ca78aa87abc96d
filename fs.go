package mega

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Filesystem node types
const (
	FILE   = 0
	FOLDER = 1
	ROOT   = 2
	INBOX  = 3
	TRASH  = 4
)

// Filesystem node
type Node struct {
	fs       *MegaFS
	name     string
	hash     string
	parent   *Node
	children []*Node
	ntype    int
	size     int64
	ts       time.Time
	owner    string
	meta     NodeMeta
	attrs    NodeAttr
	fa       string
	isShared bool
	// set when no known key decrypts raw_k; such nodes keep a
	// placeholder name and are skipped by transfers
	undecryptable bool
}

type NodeMeta struct {
	key     []byte
	compkey []byte
	iv      []byte
	mac     []byte
}

func (n *Node) removeChild(c *Node) bool {
	index := -1
	for i, v := range n.children {
		if v.hash == c.hash {
			index = i
			break
		}
	}

	if index >= 0 {
		n.children[index] = n.children[len(n.children)-1]
		n.children = n.children[:len(n.children)-1]
		return true
	}

	return false
}

func (n *Node) addChild(c *Node) {
	if n != nil {
		n.children = append(n.children, c)
	}
}

func (n *Node) getChildren() []*Node {
	return n.children
}

func (n *Node) GetType() int {
	n.fs.mutex.Lock()
	defer n.fs.mutex.Unlock()
	return n.ntype
}

func (n *Node) GetSize() int64 {
	n.fs.mutex.Lock()
	defer n.fs.mutex.Unlock()
	return n.size
}

func (n *Node) GetTimeStamp() time.Time {
	n.fs.mutex.Lock()
	defer n.fs.mutex.Unlock()
	return n.ts
}

func (n *Node) GetName() string {
	n.fs.mutex.Lock()
	defer n.fs.mutex.Unlock()
	return n.name
}

func (n *Node) GetHash() string {
	n.fs.mutex.Lock()
	defer n.fs.mutex.Unlock()
	return n.hash
}

func (n *Node) GetOwner() string {
	n.fs.mutex.Lock()
	defer n.fs.mutex.Unlock()
	return n.owner
}

// GetAttrs returns the decrypted attribute map, nil for undecryptable
// nodes.
func (n *Node) GetAttrs() NodeAttr {
	n.fs.mutex.Lock()
	defer n.fs.mutex.Unlock()
	return n.attrs
}

// FileAttrString returns the raw fa field referencing thumbnails,
// previews and media attributes.
func (n *Node) FileAttrString() string {
	n.fs.mutex.Lock()
	defer n.fs.mutex.Unlock()
	return n.fa
}

// MediaInfo decodes media attribute 8/9 from the node's fa field, nil
// when absent.
func (n *Node) MediaInfo() (*MediaInfo, error) {
	n.fs.mutex.Lock()
	fa := n.fa
	compkey := n.meta.compkey
	n.fs.mutex.Unlock()

	if fa == "" || len(compkey) == 0 {
		return nil, nil
	}

	return DecodeMediaAttr(fa, compkey)
}

// IsUndecryptable reports whether the node's key failed to resolve
// under the user key and every known share key.
func (n *Node) IsUndecryptable() bool {
	n.fs.mutex.Lock()
	defer n.fs.mutex.Unlock()
	return n.undecryptable
}

// Shares returns the handles of share roots this node lives under, the
// nearest first.
func (n *Node) Shares() []string {
	n.fs.mutex.Lock()
	defer n.fs.mutex.Unlock()

	var shares []string
	for p := n; p != nil; p = p.parent {
		if _, ok := n.fs.skmap[p.hash]; ok {
			shares = append(shares, p.hash)
		}
	}

	return shares
}

// Mega filesystem object
type MegaFS struct {
	root   *Node
	trash  *Node
	inbox  *Node
	sroots []*Node
	lookup map[string]*Node
	// decrypted and authenticated share keys by share root handle
	skmap map[string][]byte
	// nodes whose parent has not arrived yet, keyed by parent handle
	pending map[string][]*Node
	mutex   sync.Mutex
}

func newMegaFS() *MegaFS {
	fs := &MegaFS{
		lookup:  make(map[string]*Node),
		skmap:   make(map[string][]byte),
		pending: make(map[string][]*Node),
	}
	return fs
}

// Get filesystem root node
func (fs *MegaFS) GetRoot() *Node {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	return fs.root
}

// Get filesystem trash node
func (fs *MegaFS) GetTrash() *Node {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	return fs.trash
}

// Get inbox node
func (fs *MegaFS) GetInbox() *Node {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	return fs.inbox
}

// Get top level directory nodes shared by other users
func (fs *MegaFS) GetSharedRoots() []*Node {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	return fs.sroots
}

// Get a node pointer from its hash
func (fs *MegaFS) HashLookup(h string) *Node {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	return fs.hashLookup(h)
}

func (fs *MegaFS) hashLookup(h string) *Node {
	if node, ok := fs.lookup[h]; ok {
		return node
	}

	return nil
}

// Get the list of child nodes for a given node
func (fs *MegaFS) GetChildren(n *Node) ([]*Node, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	var empty []*Node

	if n == nil {
		return empty, EARGS
	}

	node := fs.hashLookup(n.hash)
	if node == nil {
		return empty, ENOENT
	}

	return node.getChildren(), nil
}

// Retreive all the nodes in the given node tree path by name
// This method returns array of nodes upto the matched subpath
// (in same order as input names array) even if the target node is not located.
func (fs *MegaFS) PathLookup(root *Node, ns []string) ([]*Node, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if root == nil {
		return nil, EARGS
	}

	var err error
	var found bool = true

	nodepath := []*Node{}

	children := root.children
	for _, name := range ns {
		found = false
		for _, n := range children {
			if n.name == name {
				nodepath = append(nodepath, n)
				children = n.children
				found = true
				break
			}
		}

		if found == false {
			break
		}
	}

	if found == false {
		err = ENOENT
	}

	return nodepath, err
}

// ResolvePath walks a /-separated path from the root. "." and ".."
// segments are honoured; name matching is case sensitive and the
// first-seen sibling wins on duplicates.
func (fs *MegaFS) ResolvePath(p string) (*Node, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if fs.root == nil {
		return nil, ENOENT
	}

	cur := fs.root
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if cur.parent != nil {
				cur = cur.parent
			}
			continue
		}

		var next *Node
		for _, c := range cur.children {
			if c.name == seg {
				next = c
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ENOENT, p)
		}
		cur = next
	}

	return cur, nil
}

// FindAll returns every child of parent with the given name, in
// first-seen order.
func (fs *MegaFS) FindAll(parent *Node, name string) []*Node {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if parent == nil {
		return nil
	}

	var matches []*Node
	for _, c := range parent.children {
		if c.name == name {
			matches = append(matches, c)
		}
	}

	return matches
}

// Glob matches nodes against a /-separated pattern. Segments support
// the usual * and ? wildcards; a bare ** segment matches any number of
// intermediate folders, including none.
func (fs *MegaFS) Glob(pattern string) ([]*Node, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if fs.root == nil {
		return nil, ENOENT
	}

	matches := []*Node{fs.root}
	for _, seg := range strings.Split(strings.Trim(pattern, "/"), "/") {
		if seg == "" || seg == "." {
			continue
		}

		seen := make(map[string]bool)
		var next []*Node
		add := func(n *Node) {
			if !seen[n.hash] {
				seen[n.hash] = true
				next = append(next, n)
			}
		}

		if seg == "**" {
			var descend func(n *Node)
			descend = func(n *Node) {
				add(n)
				for _, c := range n.children {
					descend(c)
				}
			}
			for _, n := range matches {
				descend(n)
			}
		} else {
			for _, n := range matches {
				for _, c := range n.children {
					ok, err := path.Match(seg, c.name)
					if err != nil {
						return nil, fmt.Errorf("%w: bad glob pattern %q", EARGS, pattern)
					}
					if ok {
						add(c)
					}
				}
			}
		}

		matches = next
	}

	return matches, nil
}

// Walk visits the subtree below root in pre-order, calling fn once per
// folder with its subfolders and files split out, in the manner of a
// POSIX directory walk. A non-nil error from fn stops the walk.
func (fs *MegaFS) Walk(root *Node, fn func(dir *Node, folders []*Node, files []*Node) error) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if root == nil {
		return EARGS
	}

	var walk func(n *Node) error
	walk = func(n *Node) error {
		var folders, files []*Node
		for _, c := range n.children {
			if c.ntype == FOLDER {
				folders = append(folders, c)
			} else {
				files = append(files, c)
			}
		}

		if err := fn(n, folders, files); err != nil {
			return err
		}
		for _, f := range folders {
			if err := walk(f); err != nil {
				return err
			}
		}
		return nil
	}

	return walk(root)
}

// PrintTree writes an indented listing of the subtree below root,
// descending at most maxDepth levels. Children print in name order to
// keep the output stable.
func (fs *MegaFS) PrintTree(w io.Writer, root *Node, maxDepth int) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if root == nil {
		return EARGS
	}

	var print func(n *Node, depth int) error
	print = func(n *Node, depth int) error {
		if depth > maxDepth {
			return nil
		}
		_, err := fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), n.name)
		if err != nil {
			return err
		}

		children := append([]*Node(nil), n.children...)
		sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })
		for _, c := range children {
			if err := print(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	return print(root, 0)
}

// moveNode reattaches src below parent in the local view.
func (fs *MegaFS) moveNode(src, parent *Node) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if src.parent != nil {
		src.parent.removeChild(src)
	}
	parent.addChild(src)
	src.parent = parent
}

// removeNode drops node and its subtree from the local view.
func (fs *MegaFS) removeNode(node *Node) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if node.parent != nil {
		node.parent.removeChild(node)
	}

	var drop func(n *Node)
	drop = func(n *Node) {
		delete(fs.lookup, n.hash)
		for _, c := range n.children {
			drop(c)
		}
	}
	drop(node)
}

// addShareKey authenticates and stores one share-key entry. The auth
// hash must equal AES_ECB(MasterKey, h||h); placeholder entries are
// discarded.
func (fs *MegaFS) addShareKey(mk []byte, e ShareKeyEntry, logf func(string, ...interface{})) {
	if e.Hash == "" || isPlaceholder(e.Key) || isPlaceholder(e.Auth) {
		return
	}

	ha, err := base64urldecode(e.Auth)
	if err != nil {
		logf("share key %s: bad auth hash: %v", e.Hash, err)
		return
	}
	ek, err := base64urldecode(e.Key)
	if err != nil {
		logf("share key %s: bad key: %v", e.Hash, err)
		return
	}
	if len(ek) != 16 || len(ha) != 16 {
		return
	}

	block, err := aes.NewCipher(mk)
	if err != nil {
		return
	}

	auth := make([]byte, 16)
	err = blockEncrypt(block, auth, []byte(e.Hash+e.Hash))
	if err != nil {
		return
	}
	if !constantTimeEq(auth, ha) {
		logf("share key %s: auth hash mismatch, entry discarded", e.Hash)
		return
	}

	sk := make([]byte, 16)
	err = blockDecrypt(block, sk, ek)
	if err != nil {
		return
	}

	fs.skmap[e.Hash] = sk
}

// decodeShareKeys extracts the share-key entries from an f response.
// When both forms are present ok0 wins and the legacy ok list is
// ignored.
func decodeShareKeys(res *FilesResp) []ShareKeyEntry {
	if len(res.Ok0) > 0 {
		// ok0 streams either a list or a map keyed by handle.
		var list []ShareKeyEntry
		if err := json.Unmarshal(res.Ok0, &list); err == nil {
			return list
		}
		var byHandle map[string]ShareKeyEntry
		if err := json.Unmarshal(res.Ok0, &byHandle); err == nil {
			handles := make([]string, 0, len(byHandle))
			for h := range byHandle {
				handles = append(handles, h)
			}
			sort.Strings(handles)
			list = make([]ShareKeyEntry, 0, len(byHandle))
			for _, h := range handles {
				e := byHandle[h]
				if e.Hash == "" {
					e.Hash = h
				}
				list = append(list, e)
			}
			return list
		}
		// Unparseable ok0 still suppresses the legacy list.
		return nil
	}

	return res.Ok
}

// resolveNodeKey decrypts a node's raw id:key pairs. The user pair is
// preferred over share pairs even when both decrypt; within each class
// pairs are tried in order.
func resolveNodeKey(mk []byte, userID string, itm *FSNode, skmap map[string][]byte) ([]byte, error) {
	block, err := aes.NewCipher(mk)
	if err != nil {
		return nil, err
	}

	type pair struct{ id, enc string }
	var pairs []pair
	for _, part := range strings.Split(itm.Key, "/") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		pairs = append(pairs, pair{kv[0], kv[1]})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: node %s has no usable key pairs", ECRYPTO, itm.Hash)
	}

	try := func(blk cipher.Block, enc string) ([]byte, bool) {
		buf, err := base64urldecode(enc)
		if err != nil || len(buf) == 0 || len(buf)%16 != 0 {
			return nil, false
		}
		if err := blockDecrypt(blk, buf, buf); err != nil {
			return nil, false
		}
		return buf, true
	}

	for _, p := range pairs {
		if p.id == userID || p.id == itm.User {
			if key, ok := try(block, p.enc); ok {
				return key, nil
			}
		}
	}

	for _, p := range pairs {
		sk, ok := skmap[p.id]
		if !ok {
			continue
		}
		skBlock, err := aes.NewCipher(sk)
		if err != nil {
			continue
		}
		if key, ok := try(skBlock, p.enc); ok {
			return key, nil
		}
	}

	return nil, fmt.Errorf("%w: node %s", ECRYPTO, itm.Hash)
}

// buildFS consumes a full f response into a fresh tree and swaps it in
// once complete. A partially built tree is never visible to readers.
func (m *Mega) buildFS(res *FilesResp) error {
	fs := newMegaFS()
	mk := m.masterKey()

	for _, e := range decodeShareKeys(res) {
		fs.addShareKey(mk, e, m.logf)
	}

	for _, itm := range res.F {
		_, err := m.addNodeTo(fs, itm)
		if err != nil {
			m.debugf("couldn't decode FSNode %#v: %v ", itm, err)
			continue
		}
	}

	for parent, orphans := range fs.pending {
		m.debugf("%d orphan node(s) still waiting for parent %s", len(orphans), parent)
	}

	m.FS = fs

	return nil
}

// addFSNode decodes one node record into the current tree. Event
// processing and p responses take the FS mutex before calling.
func (m *Mega) addFSNode(itm FSNode) (*Node, error) {
	return m.addNodeTo(m.FS, itm)
}

// addNodeTo decodes one node record into fs. The node is attached
// under its parent when the parent is known; otherwise it is deferred
// and linked once the parent arrives.
func (m *Mega) addNodeTo(fs *MegaFS, itm FSNode) (*Node, error) {
	mk := m.masterKey()

	var compkey []uint32
	var key []uint32
	var attr NodeAttr
	undecryptable := false

	// Shared roots carry their share key inline; register it before
	// resolving so the node's own pairs can use it. Inline sk fields
	// predate the ha auth hash, so they decrypt without the check.
	if itm.SUser != "" && itm.SKey != "" && !isPlaceholder(itm.SKey) {
		if _, ok := fs.skmap[itm.Hash]; !ok {
			if sk, err := base64urldecode(itm.SKey); err == nil && len(sk) == 16 {
				if block, err := aes.NewCipher(mk); err == nil {
					if blockDecrypt(block, sk, sk) == nil {
						fs.skmap[itm.Hash] = sk
					}
				}
			}
		}
	}

	if itm.T == FOLDER || itm.T == FILE {
		buf, err := resolveNodeKey(mk, m.userID, &itm, fs.skmap)
		switch {
		case err == nil:
			compkey, err = bytes_to_a32(buf)
			if err != nil {
				return nil, err
			}
		default:
			m.debugf("node %s: %v", itm.Hash, err)
			undecryptable = true
		}

		if !undecryptable {
			if itm.T == FILE {
				if len(compkey) < 8 {
					m.logf("ignoring item: compkey too short (%d): %#v", len(compkey), itm)
					return nil, nil
				}
				key = []uint32{compkey[0] ^ compkey[4], compkey[1] ^ compkey[5], compkey[2] ^ compkey[6], compkey[3] ^ compkey[7]}
			} else {
				key = compkey
			}

			bkey, err := a32_to_bytes(key)
			if err == nil {
				attr, err = decryptAttr(bkey, itm.Attr)
			}
			if err != nil {
				attr = nil
			}
		}
	}

	var node *Node
	if n, ok := fs.lookup[itm.Hash]; ok {
		node = n
	} else {
		node = &Node{
			fs: fs,
		}
		fs.lookup[itm.Hash] = node
	}

	node.hash = itm.Hash
	node.ntype = itm.T
	node.size = itm.Sz
	node.ts = time.Unix(itm.Ts, 0)
	node.owner = itm.User
	node.fa = itm.Fa
	node.attrs = attr
	node.undecryptable = undecryptable

	switch {
	case attr != nil:
		node.name = attr.Name()
	case undecryptable:
		node.name = "UNDECRYPTABLE"
	case itm.T == FILE || itm.T == FOLDER:
		node.name = "BAD ATTRIBUTE"
	}

	switch itm.T {
	case FILE:
		var meta NodeMeta
		var err error
		if !undecryptable {
			meta.key, err = a32_to_bytes(key)
			if err != nil {
				return nil, err
			}
			meta.iv, err = a32_to_bytes([]uint32{compkey[4], compkey[5], 0, 0})
			if err != nil {
				return nil, err
			}
			meta.mac, err = a32_to_bytes([]uint32{compkey[6], compkey[7]})
			if err != nil {
				return nil, err
			}
			meta.compkey, err = a32_to_bytes(compkey)
			if err != nil {
				return nil, err
			}
		}
		node.meta = meta
	case FOLDER:
		var meta NodeMeta
		var err error
		if !undecryptable {
			meta.key, err = a32_to_bytes(key)
			if err != nil {
				return nil, err
			}
			meta.compkey, err = a32_to_bytes(compkey)
			if err != nil {
				return nil, err
			}
		}
		node.meta = meta
	case ROOT:
		node.name = "Cloud Drive"
		fs.root = node
	case INBOX:
		node.name = "InBox"
		fs.inbox = node
	case TRASH:
		node.name = "Trash"
		fs.trash = node
	}

	// Shared directories
	if itm.SUser != "" && itm.SKey != "" {
		node.isShared = true
		fs.sroots = append(fs.sroots, node)
	}

	// Link under the parent, or defer until it arrives. A node is
	// never attached before its parent exists in the tree.
	if itm.Parent != "" {
		if parent, ok := fs.lookup[itm.Parent]; ok {
			parent.removeChild(node)
			parent.addChild(node)
			node.parent = parent
		} else {
			fs.pending[itm.Parent] = append(fs.pending[itm.Parent], node)
		}
	}

	// Attach any orphans that were waiting for this node.
	if orphans, ok := fs.pending[itm.Hash]; ok {
		delete(fs.pending, itm.Hash)
		for _, o := range orphans {
			node.removeChild(o)
			node.addChild(o)
			o.parent = node
		}
	}

	return node, nil
}
