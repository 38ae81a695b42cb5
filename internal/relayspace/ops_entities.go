package relayspace

import (
	"slices"
)

func (db *Database) editAccess(userID UserID, target EntityID, fn func(access *EntityAccess)) error {
	user, err := db.user(userID)
	if err != nil {
		return err
	}
	return user.write(func(u *User, _ *Metadata) error {
		access, ok := u.access(target)
		if !ok {
			return notFound("access to " + target.String())
		}
		fn(&access)
		u.grant(target, access)
		return nil
	})
}

func (db *Database) SetEntityTags(userID UserID, target EntityID, tags []string) error {
	return db.editAccess(userID, target, func(access *EntityAccess) {
		access.Tags = slices.Clone(tags)
	})
}

func (db *Database) RenameEntity(userID UserID, target EntityID, name string) error {
	return db.editAccess(userID, target, func(access *EntityAccess) {
		access.LocalName = name
	})
}

// MarkSeen records the last revision of target the user has looked at.
func (db *Database) MarkSeen(userID UserID, target EntityID, rev Revision) error {
	return db.editAccess(userID, target, func(access *EntityAccess) {
		if rev > access.LastSeenRev {
			access.LastSeenRev = rev
		}
	})
}

// CreateInvite offers access to target to each guest. Only the author may
// invite. Inviting to anything but one's own user entity is limited to
// friends; a friend request targets the sender's own user entity.
func (db *Database) CreateInvite(userID UserID, target EntityID, readOnly bool, guests []UserID) error {
	meta, err := db.Metadata(target)
	if err != nil {
		return err
	}
	if meta.Author != userID {
		return denied("not the author of " + target.String())
	}
	sender, err := db.user(userID)
	if err != nil {
		return err
	}
	var (
		friends  []UserID
		origName = "Friend Request"
	)
	sender.Read(func(u *User, m *Metadata) {
		friends = slices.Clone(m.Guests)
		if access, ok := u.access(target); ok {
			origName = access.LocalName
		}
	})

	for _, guestID := range guests {
		if guestID == userID {
			return invalid("cannot invite yourself")
		}
		if !target.IsUser() && !slices.Contains(friends, guestID) {
			return denied("not a friend (yet)")
		}
		if meta.IsGuest(guestID) {
			return invalid("guest already has access")
		}
		guest, err := db.user(guestID)
		if err != nil {
			return err
		}
		invited := false
		guest.Read(func(u *User, _ *Metadata) {
			invited = slices.ContainsFunc(u.Secret.Invites, func(inv InviteData) bool {
				return inv.Target == target
			})
		})
		if invited {
			return invalid("guest already invited")
		}
	}

	invite := InviteData{OrigName: origName, Sender: userID, Target: target, ReadOnly: readOnly}
	for _, guestID := range guests {
		guest, _ := db.Users.Find(guestID)
		var index Index
		_ = guest.write(func(u *User, _ *Metadata) error {
			index = Index(len(u.Secret.Invites))
			u.Secret.Invites = append(u.Secret.Invites, invite)
			return nil
		})
		db.NotifyUser(guestID, &Update{ID: UserEntity(guestID), Index: index, Data: InviteReceived{Invite: invite}})
	}
	return nil
}

// Drop relinquishes the user's access to target. Remaining members learn
// about the departure.
func (db *Database) Drop(userID UserID, target EntityID) error {
	if target == UserEntity(userID) {
		return invalid("cannot drop your own user")
	}
	if _, err := db.Access(userID, target); err != nil {
		return err
	}
	if err := db.DropAccess(target, userID); err != nil {
		return err
	}
	if err := db.revokeAccess(userID, target); err != nil {
		return err
	}
	db.notifyDeparture(target, userID)
	return nil
}

// BanGuest lets the author remove a guest from target.
func (db *Database) BanGuest(userID UserID, target EntityID, guestName string) error {
	guestID, err := db.WhoIs(guestName)
	if err != nil {
		return err
	}
	meta, err := db.Metadata(target)
	if err != nil {
		return err
	}
	if meta.Author != userID {
		return denied("not the author of " + target.String())
	}
	if guestID == userID || !meta.IsGuest(guestID) {
		return notFound("guest " + guestName)
	}
	if err := db.DropAccess(target, guestID); err != nil {
		return err
	}
	if err := db.revokeAccess(guestID, target); err != nil {
		db.log.Warn().Err(err).Uint32("guest", guestID).Str("entity", target.String()).Msg("banned guest had no access entry")
	}
	update := db.notifyDeparture(target, guestID)
	db.NotifyUser(guestID, update)
	return nil
}

// TransferOwnership makes a current guest the author of target. The
// previous author stays on as a guest with write access.
func (db *Database) TransferOwnership(userID UserID, target EntityID, newAuthorName string) error {
	if target.IsUser() {
		return invalid("users cannot change hands")
	}
	newAuthor, err := db.WhoIs(newAuthorName)
	if err != nil {
		return err
	}
	err = db.editMetadata(target, func(meta *Metadata) error {
		if meta.Author != userID {
			return denied("not the author of " + target.String())
		}
		i := slices.Index(meta.Guests, newAuthor)
		if i < 0 {
			return notFound("guest " + newAuthorName)
		}
		meta.Guests = slices.Delete(meta.Guests, i, i+1)
		meta.Guests = append(meta.Guests, userID)
		meta.Author = newAuthor
		return nil
	})
	if err != nil {
		return err
	}
	if err := db.editAccess(newAuthor, target, func(access *EntityAccess) {
		access.ReadOnly = false
	}); err != nil {
		db.log.Warn().Err(err).Uint32("user", newAuthor).Str("entity", target.String()).Msg("new author had no access entry")
	}
	meta, err := db.Metadata(target)
	if err != nil {
		return err
	}
	db.Notify(&Update{ID: target, NewRevision: meta.Revision, Data: GuestLeft{User: newAuthor}})
	db.Notify(&Update{ID: target, NewRevision: meta.Revision, Data: GuestJoined{User: userID}})
	return nil
}

func (db *Database) revokeAccess(userID UserID, target EntityID) error {
	user, err := db.user(userID)
	if err != nil {
		return err
	}
	return user.write(func(u *User, _ *Metadata) error {
		if _, ok := u.Secret.Entities[target]; !ok {
			return notFound("access to " + target.String())
		}
		delete(u.Secret.Entities, target)
		return nil
	})
}

func (db *Database) notifyDeparture(target EntityID, userID UserID) *Update {
	var rev Revision
	if meta, err := db.Metadata(target); err == nil {
		rev = meta.Revision
	}
	update := &Update{ID: target, NewRevision: rev, Data: GuestLeft{User: userID}}
	db.Notify(update)
	return update
}
