package relayspace

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/relayspace/internal/executor"
)

// DefaultMaxFileSize is the upload cap given to new accounts.
const DefaultMaxFileSize = 50 << 20

type Conversation struct {
	Messages []Message `json:"messages"`
}

type Message struct {
	Author  UserID `json:"author"`
	Content string `json:"content"`
	Created int64  `json:"created"`
	Edited  *int64 `json:"edited,omitempty"`
}

type Document struct {
	Elements []Element `json:"elements"`
}

type ElementStyle string

const (
	StyleTitle      ElementStyle = "title"
	StylePart       ElementStyle = "part"
	StyleChapter    ElementStyle = "chapter"
	StyleSection    ElementStyle = "section"
	StyleSubsection ElementStyle = "subsection"
	StyleImage      ElementStyle = "image"
	StyleParagraph  ElementStyle = "paragraph"
)

func (s ElementStyle) Valid() bool {
	switch s {
	case StyleTitle, StylePart, StyleChapter, StyleSection, StyleSubsection, StyleImage, StyleParagraph:
		return true
	}
	return false
}

type Element struct {
	Data  string       `json:"data"`
	Style ElementStyle `json:"style"`
}

type Sheet struct {
	Cells map[Index]Cell `json:"cells"`
}

type CellFormula string

var cellFormulas = map[CellFormula]struct{}{
	"Literal": {}, "TagSum": {}, "TagMean": {}, "TagMode": {}, "TagCount": {},
	"TagRange": {}, "TagMedian": {}, "TagMinimum": {}, "TagMaximum": {}, "TagProduct": {},
	"CellsSum": {}, "CellsRatio": {}, "CellsProduct": {}, "CellsRemainder": {},
	"CellsDifference": {}, "CellSqrt": {},
}

func (f CellFormula) Valid() bool {
	_, ok := cellFormulas[f]
	return ok
}

type Cell struct {
	Text    string      `json:"text"`
	Formula CellFormula `json:"formula"`
	Tags    []string    `json:"tags"`
}

type Bucket struct {
	Files []File `json:"files"`
}

type File struct {
	Name     string `json:"name"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Uploaded int64  `json:"uploaded"`
}

type UserData struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status"`
}

type EntityAccess struct {
	ReadOnly    bool     `json:"read_only"`
	LocalName   string   `json:"local_name"`
	Tags        []string `json:"tags"`
	LastSeenRev Revision `json:"last_seen_rev"`
}

type InviteData struct {
	OrigName string   `json:"orig_name"`
	Sender   UserID   `json:"sender"`
	Target   EntityID `json:"target"`
	ReadOnly bool     `json:"read_only"`
}

type SecretUserData struct {
	Invites      []InviteData              `json:"invites"`
	Entities     map[EntityID]EntityAccess `json:"entities"`
	PasswordHash string                    `json:"password_hash"`
	ServerAdmin  bool                      `json:"server_admin"`
	MaxFileSize  int64                     `json:"max_file_size"`
}

// SessionID identifies one live connection of a user.
type SessionID = uint64

// User is the payload of a user entity. Sessions are live delivery
// mailboxes and never leave the process.
type User struct {
	Public   UserData                                `json:"public"`
	Secret   SecretUserData                          `json:"secret"`
	Tokens   []string                                `json:"tokens"`
	Sessions map[SessionID]*executor.Sender[*Update] `json:"-"`
}

func (u *User) access(target EntityID) (EntityAccess, bool) {
	access, ok := u.Secret.Entities[target]
	return access, ok
}

func (u *User) grant(target EntityID, access EntityAccess) {
	if u.Secret.Entities == nil {
		u.Secret.Entities = map[EntityID]EntityAccess{}
	}
	u.Secret.Entities[target] = access
}

func (u *User) sessionSenders() []*executor.Sender[*Update] {
	senders := make([]*executor.Sender[*Update], 0, len(u.Sessions))
	for _, tx := range u.Sessions {
		senders = append(senders, tx)
	}
	return senders
}

type ImageKind string

const (
	ImagePicture  ImageKind = "picture"
	ImageGradient ImageKind = "gradient"
)

// AssociatedImage is either a picture URL or a two-color gradient.
type AssociatedImage struct {
	Kind     ImageKind
	Picture  string
	Gradient [2]string
}

func Picture(url string) AssociatedImage {
	return AssociatedImage{Kind: ImagePicture, Picture: url}
}

func RandomGradient() AssociatedImage {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return AssociatedImage{
		Kind: ImageGradient,
		Gradient: [2]string{
			fmt.Sprintf("#%02x%02x%02x", b[0], b[1], b[2]),
			fmt.Sprintf("#%02x%02x%02x", b[3], b[4], b[5]),
		},
	}
}

type imageJSON struct {
	Type ImageKind       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (img AssociatedImage) MarshalJSON() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch img.Kind {
	case ImagePicture:
		data, err = json.Marshal(img.Picture)
	case ImageGradient:
		data, err = json.Marshal(img.Gradient)
	default:
		return nil, fmt.Errorf("%w: image kind %q", ErrInvalidInput, img.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(imageJSON{Type: img.Kind, Data: data})
}

func (img *AssociatedImage) UnmarshalJSON(raw []byte) error {
	var wire imageJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	out := AssociatedImage{Kind: wire.Type}
	switch wire.Type {
	case ImagePicture:
		if err := json.Unmarshal(wire.Data, &out.Picture); err != nil {
			return err
		}
	case ImageGradient:
		if err := json.Unmarshal(wire.Data, &out.Gradient); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: image kind %q", ErrInvalidInput, wire.Type)
	}
	*img = out
	return nil
}
