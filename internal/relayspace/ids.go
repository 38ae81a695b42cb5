package relayspace

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type UserID = uint32

// NoUser marks an entity whose last member left.
const NoUser UserID = math.MaxUint32

type Revision = uint32

type Index = uint64

type Kind uint8

const (
	KindConversation Kind = iota + 1
	KindDocument
	KindBucket
	KindSpreadsheet
	KindUser
)

var kindNames = map[Kind]string{
	KindConversation: "conv",
	KindDocument:     "document",
	KindBucket:       "bucket",
	KindSpreadsheet:  "sheet",
	KindUser:         "user",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseCreatableKind maps the names clients use when creating an entity.
// Users are created through accounts, never through this path.
func ParseCreatableKind(name string) (Kind, error) {
	switch strings.TrimSpace(name) {
	case "conv":
		return KindConversation, nil
	case "doc":
		return KindDocument, nil
	case "sheet":
		return KindSpreadsheet, nil
	case "bucket":
		return KindBucket, nil
	default:
		return 0, invalid("invalid entity type " + strconv.Quote(name))
	}
}

// EntityID addresses one entity. Its text form is "<kind>-<raw>", e.g. conv-53.
type EntityID struct {
	Kind Kind
	Raw  uint32
}

func ConversationID(raw uint32) EntityID { return EntityID{Kind: KindConversation, Raw: raw} }
func DocumentID(raw uint32) EntityID     { return EntityID{Kind: KindDocument, Raw: raw} }
func BucketID(raw uint32) EntityID       { return EntityID{Kind: KindBucket, Raw: raw} }
func SheetID(raw uint32) EntityID        { return EntityID{Kind: KindSpreadsheet, Raw: raw} }
func UserEntity(raw UserID) EntityID     { return EntityID{Kind: KindUser, Raw: raw} }

func (id EntityID) String() string {
	return fmt.Sprintf("%s-%d", id.Kind, id.Raw)
}

func (id EntityID) IsUser() bool {
	return id.Kind == KindUser
}

func ParseEntityID(s string) (EntityID, error) {
	variant, raw, ok := strings.Cut(s, "-")
	if !ok {
		return EntityID{}, invalid("invalid entity id " + strconv.Quote(s))
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return EntityID{}, invalid("invalid entity raw id " + strconv.Quote(raw))
	}
	for kind, name := range kindNames {
		if name == variant {
			return EntityID{Kind: kind, Raw: uint32(n)}, nil
		}
	}
	return EntityID{}, invalid("invalid entity id variant " + strconv.Quote(variant))
}

func (id EntityID) MarshalText() ([]byte, error) {
	if _, ok := kindNames[id.Kind]; !ok {
		return nil, fmt.Errorf("%w: entity id with unknown kind %d", ErrInvalidInput, id.Kind)
	}
	return []byte(id.String()), nil
}

func (id *EntityID) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
