package mega

import "encoding/json"

// Wire messages exchanged with the /cs endpoint. Field tags follow
// MEGA's single-letter command vocabulary.

type LoginMsg struct {
	Cmd        string `json:"a"`
	User       string `json:"user"`
	Handle     string `json:"uh,omitempty"`
	SessionKey string `json:"sek,omitempty"`
	Si         string `json:"si,omitempty"`
	Mfa        string `json:"mfa,omitempty"`
}

type LoginResp struct {
	Csid  string `json:"csid"`
	Privk string `json:"privk"`
	Key   string `json:"k"`
	Ach   int    `json:"ach"`
	Sid   string `json:"sid"`
	Tsid  string `json:"tsid"`
	U     string `json:"u"`
}

type PreloginMsg struct {
	Cmd  string `json:"a"`
	User string `json:"user"`
}

type PreloginResp struct {
	Version int    `json:"v"`
	Salt    string `json:"s"`
}

type UserMsg struct {
	Cmd string `json:"a"`
}

type UserResp struct {
	U     string `json:"u"`
	S     int    `json:"s"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Key   string `json:"k"`
	Privk string `json:"privk"`
	Pubk  string `json:"pubk"`
}

type QuotaMsg struct {
	// Action
	Cmd string `json:"a"`
	// Without strg=1 and xfer=1 there is no data in the response
	Strg int `json:"strg"`
	Xfer int `json:"xfer"`
	Pro  int `json:"pro"`
}

type QuotaResp struct {
	// Mstrg is total capacity in bytes
	Mstrg uint64 `json:"mstrg"`
	// Cstrg is used capacity in bytes
	Cstrg uint64 `json:"cstrg"`
	// Per folder usage in bytes?
	Cstrgn map[string][]int64 `json:"cstrgn"`
}

type FilesMsg struct {
	Cmd string `json:"a"`
	C   int    `json:"c"`
	R   int    `json:"r,omitempty"`
}

type FSNode struct {
	Hash   string `json:"h"`
	Parent string `json:"p"`
	User   string `json:"u"`
	T      int    `json:"t"`
	Attr   string `json:"a"`
	Key    string `json:"k"`
	Fa     string `json:"fa,omitempty"`
	Ts     int64  `json:"ts"`
	Sz     int64  `json:"s"`
	SUser  string `json:"su,omitempty"`
	SKey   string `json:"sk,omitempty"`
}

type ShareKeyEntry struct {
	Hash string `json:"h"`
	Auth string `json:"ha"`
	Key  string `json:"k"`
}

type FilesResp struct {
	F []FSNode `json:"f"`

	Ok []ShareKeyEntry `json:"ok"`

	// Streaming form of the share-key list. Shape varies between a
	// list and a map keyed by handle, so it is decoded lazily.
	Ok0 json.RawMessage `json:"ok0,omitempty"`

	S []struct {
		Hash  string `json:"h"`
		Owner string `json:"o"`
	} `json:"s"`
	User []struct {
		User  string `json:"u"`
		C     int    `json:"c"`
		Email string `json:"m"`
	} `json:"u"`
	Sn string `json:"sn"`
}

type FileAttrMsg struct {
	Cmd  string `json:"a"`
	Attr string `json:"at"`
	Key  string `json:"k,omitempty"`
	N    string `json:"n"`
	I    string `json:"i"`
}

type FileDeleteMsg struct {
	Cmd string `json:"a"`
	N   string `json:"n"`
	I   string `json:"i"`
}

type MoveFileMsg struct {
	Cmd string `json:"a"`
	N   string `json:"n"`
	T   string `json:"t"`
	I   string `json:"i"`
}

type DownloadMsg struct {
	Cmd string `json:"a"`
	G   int    `json:"g"`
	N   string `json:"n,omitempty"`
	P   string `json:"p,omitempty"`
	SSL int    `json:"ssl,omitempty"`
}

type DownloadResp struct {
	G    string   `json:"g"`
	Size uint64   `json:"s"`
	Attr string   `json:"at"`
	Fa   string   `json:"fa"`
	Err  ErrorMsg `json:"e"`
}

type UploadMsg struct {
	Cmd string `json:"a"`
	S   int64  `json:"s"`
	SSL int    `json:"ssl,omitempty"`
}

type UploadResp struct {
	P string `json:"p"`
}

// NodeRecord is one entry in the n array of a p command. Ov converts
// the put into a new version of an existing file; P binds a copied
// child to its source parent during folder import.
type NodeRecord struct {
	H  string `json:"h"`
	T  int    `json:"t"`
	A  string `json:"a"`
	K  string `json:"k"`
	P  string `json:"p,omitempty"`
	Fa string `json:"fa,omitempty"`
	Ov string `json:"ov,omitempty"`
}

type PutNodesMsg struct {
	Cmd string       `json:"a"`
	T   string       `json:"t"`
	N   []NodeRecord `json:"n"`
	Sm  int          `json:"sm,omitempty"`
	V   int          `json:"v,omitempty"`
	I   string       `json:"i,omitempty"`
}

type PutNodesResp struct {
	F []FSNode `json:"f"`
}

type GetLinkMsg struct {
	Cmd string `json:"a"`
	N   string `json:"n"`
}

// ufa requests an upload slot for a file attribute (thumbnail, preview,
// media attr payloads uploaded out of band).
type FileAttrUploadMsg struct {
	Cmd string `json:"a"`
	S   int64  `json:"s"`
	SSL int    `json:"ssl,omitempty"`
}

type FileAttrUploadResp struct {
	P string `json:"p"`
}

// pfa attaches uploaded attribute handles to a node.
type FileAttrPutMsg struct {
	Cmd string `json:"a"`
	N   string `json:"n"`
	Fa  string `json:"fa"`
}

type MediaCodecsMsg struct {
	Cmd string `json:"a"`
}

type LogoutMsg struct {
	Cmd string `json:"a"`
}

type Events struct {
	W  string            `json:"w"`
	Sn string            `json:"sn"`
	E  []json.RawMessage `json:"a"`
}

// GenericEvent is a generic event for parsing the Cmd type before
// decoding more specifically
type GenericEvent struct {
	Cmd string `json:"a"`
}

// FSEvent - event for various file system events
//
// Delete (a=d)
// Update attr (a=u)
// New nodes (a=t)
type FSEvent struct {
	Cmd string `json:"a"`

	T struct {
		Files []FSNode `json:"f"`
	} `json:"t"`
	Owner string `json:"ou"`

	N    string `json:"n"`
	User string `json:"u"`
	Attr string `json:"at"`
	Key  string `json:"k"`
	Ts   int64  `json:"ts"`
	I    string `json:"i"`
}
