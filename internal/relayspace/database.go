package relayspace

import (
	"encoding/json"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Options configures a Database.
type Options struct {
	Logger zerolog.Logger
	// Now defaults to time.Now. Tests pin it.
	Now func() time.Time
	// MaxFileSize is the upload cap given to new accounts.
	MaxFileSize int64
	// PasswordCost is the bcrypt cost for new passwords.
	PasswordCost int
}

// Database is the whole collaborative state of one server process.
type Database struct {
	Conversations *Entities[Conversation]
	Documents     *Entities[Document]
	Buckets       *Entities[Bucket]
	Sheets        *Entities[Sheet]
	Users         *Entities[User]
	Refs          *RefCounts
	Barrier       *Barrier

	usernamesMu sync.RWMutex
	usernames   map[string]UserID

	sessionSeq  atomic.Uint64
	now         func() time.Time
	maxFileSize int64
	cost        int
	log         zerolog.Logger
}

func New(opts Options) *Database {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxFileSize := opts.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	cost := opts.PasswordCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	db := &Database{
		Conversations: NewEntities[Conversation](KindConversation),
		Documents:     NewEntities[Document](KindDocument),
		Buckets:       NewEntities[Bucket](KindBucket),
		Sheets:        NewEntities[Sheet](KindSpreadsheet),
		Users:         NewEntities[User](KindUser),
		Refs:          NewRefCounts(),
		Barrier:       &Barrier{},
		usernames:     map[string]UserID{},
		now:           now,
		maxFileSize:   maxFileSize,
		cost:          cost,
		log:           opts.Logger,
	}
	// A bucket abandoned by its last member no longer pins its blobs.
	db.Buckets.onReset = func(b *Bucket) {
		for _, f := range b.Files {
			db.release(f.SHA256)
		}
	}
	return db
}

// collection is the kind-independent face of Entities.
type collection interface {
	Metadata(raw uint32) (Metadata, bool)
	PushGuest(raw uint32, user UserID) error
	DropAccess(raw uint32, user UserID) error
	Len() int
	editMetadata(raw uint32, fn func(meta *Metadata) error) error
}

func (c *Entities[T]) editMetadata(raw uint32, fn func(meta *Metadata) error) error {
	entity, ok := c.Find(raw)
	if !ok {
		return notFound(EntityID{Kind: c.kind, Raw: raw}.String())
	}
	return entity.write(func(_ *T, meta *Metadata) error {
		return fn(meta)
	})
}

func (db *Database) collection(kind Kind) (collection, error) {
	switch kind {
	case KindConversation:
		return db.Conversations, nil
	case KindDocument:
		return db.Documents, nil
	case KindBucket:
		return db.Buckets, nil
	case KindSpreadsheet:
		return db.Sheets, nil
	case KindUser:
		return db.Users, nil
	default:
		return nil, invalid("unknown entity kind " + kind.String())
	}
}

func (db *Database) Metadata(id EntityID) (Metadata, error) {
	c, err := db.collection(id.Kind)
	if err != nil {
		return Metadata{}, err
	}
	meta, ok := c.Metadata(id.Raw)
	if !ok {
		return Metadata{}, notFound(id.String())
	}
	return meta, nil
}

func (db *Database) PushGuest(id EntityID, user UserID) error {
	c, err := db.collection(id.Kind)
	if err != nil {
		return err
	}
	return c.PushGuest(id.Raw, user)
}

func (db *Database) DropAccess(id EntityID, user UserID) error {
	c, err := db.collection(id.Kind)
	if err != nil {
		return err
	}
	return c.DropAccess(id.Raw, user)
}

func (db *Database) editMetadata(id EntityID, fn func(meta *Metadata) error) error {
	c, err := db.collection(id.Kind)
	if err != nil {
		return err
	}
	return c.editMetadata(id.Raw, fn)
}

func (db *Database) user(id UserID) (*Entity[User], error) {
	user, ok := db.Users.Find(id)
	if !ok {
		return nil, notFound(UserEntity(id).String())
	}
	return user, nil
}

func (db *Database) Now() time.Time {
	return db.now()
}

func (db *Database) Logger() zerolog.Logger {
	return db.log
}

// Snapshot is the persisted form of a Database. Sessions are never part
// of it.
type Snapshot struct {
	Conversations *Entities[Conversation] `json:"conversations"`
	Buckets       *Entities[Bucket]       `json:"buckets"`
	Sheets        *Entities[Sheet]        `json:"sheets"`
	Documents     *Entities[Document]     `json:"documents"`
	Users         *Entities[User]         `json:"users"`
	Usernames     map[string]UserID       `json:"usernames"`
	FileRefs      map[string]int          `json:"file_rc"`
}

// EncodeSnapshot serializes the full store. The caller holds the barrier
// exclusively so no mutation is half-applied.
func (db *Database) EncodeSnapshot() ([]byte, error) {
	db.usernamesMu.RLock()
	usernames := maps.Clone(db.usernames)
	db.usernamesMu.RUnlock()
	return json.MarshalIndent(Snapshot{
		Conversations: db.Conversations,
		Buckets:       db.Buckets,
		Sheets:        db.Sheets,
		Documents:     db.Documents,
		Users:         db.Users,
		Usernames:     usernames,
		FileRefs:      db.Refs.Snapshot(),
	}, "", "  ")
}

// RestoreSnapshot replaces the store's contents with a decoded snapshot.
func (db *Database) RestoreSnapshot(data []byte) error {
	snap := Snapshot{
		Conversations: NewEntities[Conversation](KindConversation),
		Buckets:       NewEntities[Bucket](KindBucket),
		Sheets:        NewEntities[Sheet](KindSpreadsheet),
		Documents:     NewEntities[Document](KindDocument),
		Users:         NewEntities[User](KindUser),
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	db.Conversations.Restore(snap.Conversations)
	db.Buckets.Restore(snap.Buckets)
	db.Sheets.Restore(snap.Sheets)
	db.Documents.Restore(snap.Documents)
	db.Users.Restore(snap.Users)

	db.usernamesMu.Lock()
	db.usernames = snap.Usernames
	if db.usernames == nil {
		db.usernames = map[string]UserID{}
	}
	db.usernamesMu.Unlock()

	db.Refs.Restore(snap.FileRefs)
	return nil
}
