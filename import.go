package mega

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/json"
	"fmt"
)

// ImportFolder copies a whole subtree under a target folder with a
// single p command. Folders get fresh keys; files keep theirs. The
// server remaps the source handles and parent links in the response.
//
// Attribute handling: unknown fields are preserved unless
// clearAttributes is set, which also scrubs lbl, fav, s4 and sen. The
// rubbish-restore field rr is always removed from copies.
func (m *Mega) ImportFolder(src *Node, target *Node, clearAttributes bool) ([]*Node, error) {
	if src == nil || target == nil {
		return nil, EARGS
	}
	if src.GetType() != FOLDER {
		return nil, fmt.Errorf("%w: import source must be a folder", EARGS)
	}
	if t := target.GetType(); t == FILE {
		return nil, fmt.Errorf("%w: import target is a file", EARGS)
	}

	records, err := m.prepareImportNodes(src, clearAttributes)
	if err != nil {
		return nil, err
	}

	var msg PutNodesMsg
	var res PutNodesResp

	msg.Cmd = "p"
	msg.T = target.GetHash()
	msg.N = records
	msg.Sm = 1
	msg.V = 3
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
		return nil, fmt.Errorf("%w: bad p response: %v", EBADRESP, err)
	}

	m.FS.mutex.Lock()
	defer m.FS.mutex.Unlock()

	nodes := make([]*Node, 0, len(res.F))
	for _, itm := range res.F {
		n, err := m.addFSNode(itm)
		if err != nil {
			m.debugf("import: couldn't decode node %s: %v", itm.Hash, err)
			continue
		}
		nodes = append(nodes, n)
	}

	return nodes, nil
}

// prepareImportNodes collects the source subtree in pre-order and
// builds the node records: re-wrapped keys and re-encrypted attributes,
// parents referenced by source handle (omitted on the subtree root,
// which binds to the command's t).
func (m *Mega) prepareImportNodes(src *Node, clearAttributes bool) ([]NodeRecord, error) {
	master_aes, err := aes.NewCipher(m.masterKey())
	if err != nil {
		return nil, err
	}

	m.FS.mutex.Lock()
	defer m.FS.mutex.Unlock()

	var collect func(n *Node) []*Node
	collect = func(n *Node) []*Node {
		nodes := []*Node{n}
		for _, c := range n.children {
			nodes = append(nodes, collect(c)...)
		}
		return nodes
	}
	all := collect(src)

	records := make([]NodeRecord, 0, len(all))
	for _, n := range all {
		if n.undecryptable {
			m.debugf("import: skipping undecryptable node %s", n.hash)
			continue
		}

		var keyForAttrs []byte
		var wrapped []byte

		if n.ntype == FOLDER {
			// Fresh key per copied folder.
			keyForAttrs = make([]byte, 16)
			if _, err := rand.Read(keyForAttrs); err != nil {
				return nil, err
			}
			wrapped = make([]byte, 16)
			if err := blockEncrypt(master_aes, wrapped, keyForAttrs); err != nil {
				return nil, err
			}
		} else {
			// Files keep their existing composite key.
			if len(n.meta.compkey) != 32 {
				m.debugf("import: skipping file %s without key", n.hash)
				continue
			}
			keyForAttrs = n.meta.key
			wrapped = make([]byte, 32)
			if err := blockEncrypt(master_aes, wrapped, n.meta.compkey); err != nil {
				return nil, err
			}
		}

		attr := NodeAttr{}
		for k, v := range n.attrs {
			attr[k] = v
		}
		if attr.Name() == "" {
			attr.SetName(n.name)
		}
		if clearAttributes {
			delete(attr, "s4")
			delete(attr, "lbl")
			delete(attr, "fav")
			delete(attr, "sen")
		}
		delete(attr, "rr")

		attrData, err := encryptAttr(keyForAttrs, attr)
		if err != nil {
			return nil, err
		}

		rec := NodeRecord{
			H: n.hash,
			T: n.ntype,
			A: attrData,
			K: base64urlencode(wrapped),
		}
		if n != src {
			rec.P = n.parent.hash
		}
		records = append(records, rec)
	}

	return records, nil
}
