package relayspace

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentworkforce/relayspace/internal/executor"
)

const defaultStatus = "Exploring"

// CreateAccount registers a new user. The first account becomes server
// admin.
func (db *Database) CreateAccount(name, password string) (UserID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, invalid("empty username")
	}
	if password == "" {
		return 0, invalid("empty password")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), db.cost)
	if err != nil {
		return 0, invalid(err.Error())
	}

	db.usernamesMu.Lock()
	if _, taken := db.usernames[name]; taken {
		db.usernamesMu.Unlock()
		return 0, invalid("username already taken")
	}
	id := db.Users.Create(Metadata{Image: RandomGradient()})
	db.usernames[name] = id.Raw
	db.usernamesMu.Unlock()

	user, _ := db.Users.Find(id.Raw)
	_ = user.write(func(u *User, meta *Metadata) error {
		meta.Author = id.Raw
		u.Public = UserData{Name: name, Status: defaultStatus}
		u.Secret.ServerAdmin = id.Raw == 0
		u.Secret.PasswordHash = string(hashed)
		u.Secret.MaxFileSize = db.maxFileSize
		return nil
	})
	db.log.Info().Uint32("user", id.Raw).Str("name", name).Msg("account created")
	return id.Raw, nil
}

// IssueToken checks the password and hands out a fresh session token.
func (db *Database) IssueToken(userID UserID, password string) (string, error) {
	user, err := db.user(userID)
	if err != nil {
		return "", err
	}
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw[:])
	err = user.write(func(u *User, _ *Metadata) error {
		if bcrypt.CompareHashAndPassword([]byte(u.Secret.PasswordHash), []byte(password)) != nil {
			return denied("wrong password")
		}
		u.Tokens = append(u.Tokens, token)
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// OpenSession authenticates token and registers a new update mailbox for
// the user. The caller owns the receiver and must call EndSession.
func (db *Database) OpenSession(userID UserID, token string) (SessionID, *executor.Receiver[*Update], error) {
	user, err := db.user(userID)
	if err != nil {
		return 0, nil, err
	}
	valid := false
	user.Read(func(u *User, _ *Metadata) {
		valid = slices.ContainsFunc(u.Tokens, func(t string) bool {
			return subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1
		})
	})
	if !valid {
		return 0, nil, denied("wrong token")
	}
	id, rx := db.attachSession(user)
	return id, rx, nil
}

func (db *Database) WhoIs(name string) (UserID, error) {
	db.usernamesMu.RLock()
	defer db.usernamesMu.RUnlock()
	id, ok := db.usernames[strings.TrimSpace(name)]
	if !ok {
		return 0, notFound("username " + name)
	}
	return id, nil
}

// IsServerAdmin reports whether user may run administrative operations.
func (db *Database) IsServerAdmin(userID UserID) (bool, error) {
	user, err := db.user(userID)
	if err != nil {
		return false, err
	}
	admin := false
	user.Read(func(u *User, _ *Metadata) {
		admin = u.Secret.ServerAdmin
	})
	return admin, nil
}

func (db *Database) MaxFileSize(userID UserID) (int64, error) {
	user, err := db.user(userID)
	if err != nil {
		return 0, err
	}
	var limit int64
	user.Read(func(u *User, _ *Metadata) {
		limit = u.Secret.MaxFileSize
	})
	return limit, nil
}

// Profile is what anyone may see of another user.
type Profile struct {
	Revision Revision
	Public   UserData
	Image    AssociatedImage
}

// SelfData is everything a user sees of themselves: their profile, the
// metadata of every entity they can reach, and their private settings.
type SelfData struct {
	Revision Revision
	Public   UserData
	Entities map[EntityID]Metadata
	Secret   SecretUserData
}

func (db *Database) LoadProfile(target UserID) (Profile, error) {
	user, err := db.user(target)
	if err != nil {
		return Profile{}, err
	}
	var out Profile
	user.Read(func(u *User, meta *Metadata) {
		out = Profile{Revision: meta.Revision, Public: u.Public, Image: meta.Image}
	})
	return out, nil
}

func (db *Database) LoadSelf(userID UserID) (SelfData, error) {
	user, err := db.user(userID)
	if err != nil {
		return SelfData{}, err
	}
	var out SelfData
	user.Read(func(u *User, meta *Metadata) {
		out = SelfData{
			Revision: meta.Revision,
			Public:   u.Public,
			Secret: SecretUserData{
				Invites:     slices.Clone(u.Secret.Invites),
				Entities:    make(map[EntityID]EntityAccess, len(u.Secret.Entities)),
				ServerAdmin: u.Secret.ServerAdmin,
				MaxFileSize: u.Secret.MaxFileSize,
			},
		}
		for id, access := range u.Secret.Entities {
			access.Tags = slices.Clone(access.Tags)
			out.Secret.Entities[id] = access
		}
	})

	out.Entities = make(map[EntityID]Metadata, len(out.Secret.Entities)+1)
	ids := append(make([]EntityID, 0, len(out.Secret.Entities)+1), UserEntity(userID))
	for id := range out.Secret.Entities {
		ids = append(ids, id)
	}
	for _, id := range ids {
		meta, err := db.Metadata(id)
		if err != nil {
			db.log.Error().Err(err).Uint32("user", userID).Str("entity", id.String()).Msg("access entry does not resolve")
			continue
		}
		out.Entities[id] = meta
	}
	return out, nil
}

// SetUserData replaces the public profile and notifies the user's friends.
func (db *Database) SetUserData(userID UserID, rev Revision, data UserData) (*Update, error) {
	user, err := db.user(userID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(data.Name) == "" {
		return nil, invalid("empty display name")
	}
	update, err := user.Mutate(rev, func(u *User, _ *Metadata) (Change, error) {
		u.Public = data
		return Change{Data: UserChanged{Data: data}}, nil
	})
	if err != nil {
		return nil, err
	}
	db.Notify(update)
	return update, nil
}

// CreateEntity makes a new entity of kind authored by user and records a
// writable access entry under localName.
func (db *Database) CreateEntity(userID UserID, kind Kind, localName string) (EntityID, error) {
	user, err := db.user(userID)
	if err != nil {
		return EntityID{}, err
	}
	meta := Metadata{Image: RandomGradient(), Author: userID}
	var id EntityID
	switch kind {
	case KindConversation:
		id = db.Conversations.Create(meta)
	case KindDocument:
		id = db.Documents.Create(meta)
	case KindSpreadsheet:
		id = db.Sheets.Create(meta)
	case KindBucket:
		id = db.Buckets.Create(meta)
	default:
		return EntityID{}, invalid("cannot create entity of kind " + kind.String())
	}
	_ = user.write(func(u *User, _ *Metadata) error {
		u.grant(id, EntityAccess{LocalName: localName})
		return nil
	})
	return id, nil
}

// OpenInvite accepts or discards the invite at index in the user's list.
// The user's revision guards the index. Accepting a friend request also
// grants the sender read-only access back to the user; that second write
// is not atomic with the first.
func (db *Database) OpenInvite(userID UserID, rev Revision, index Index, discard bool) error {
	user, err := db.user(userID)
	if err != nil {
		return err
	}
	var invite InviteData
	_, err = user.Mutate(rev, func(u *User, _ *Metadata) (Change, error) {
		if index >= Index(len(u.Secret.Invites)) {
			return Change{}, notFound("invite")
		}
		invite = u.Secret.Invites[index]
		u.Secret.Invites = slices.Delete(u.Secret.Invites, int(index), int(index)+1)
		if !discard {
			u.grant(invite.Target, EntityAccess{ReadOnly: invite.ReadOnly, LocalName: invite.OrigName})
		}
		return Change{Index: index}, nil
	})
	if err != nil || discard {
		return err
	}

	if invite.Target.IsUser() {
		friendID := invite.Target.Raw
		friend, err := db.user(friendID)
		if err != nil {
			return err
		}
		_ = friend.write(func(f *User, meta *Metadata) error {
			f.grant(UserEntity(userID), EntityAccess{ReadOnly: true, LocalName: "Friend Request"})
			meta.Revision++
			return nil
		})
		if err := db.PushGuest(UserEntity(userID), friendID); err != nil {
			return err
		}
		if err := db.PushGuest(invite.Target, userID); err != nil {
			return err
		}
		db.NotifyUser(friendID, &Update{ID: UserEntity(friendID), Index: Index(userID), Data: FriendAdded{}})
		return nil
	}

	if err := db.PushGuest(invite.Target, userID); err != nil {
		return err
	}
	meta, err := db.Metadata(invite.Target)
	if err != nil {
		return err
	}
	db.Notify(&Update{ID: invite.Target, NewRevision: meta.Revision, Data: GuestJoined{User: userID}})
	return nil
}
