package relayspace

import (
	"errors"

	"github.com/agentworkforce/relayspace/internal/executor"
)

// Notify delivers u to every live session of the target entity's author
// and guests, once per session even when a user appears in the guest list
// more than once. A recipient that cannot be reached is logged and skipped.
func (db *Database) Notify(u *Update) {
	meta, err := db.Metadata(u.ID)
	if err != nil {
		db.log.Warn().Err(err).Str("entity", u.ID.String()).Str("update", string(u.Kind())).Msg("notify: no such entity")
		return
	}
	seen := make(map[UserID]struct{}, len(meta.Guests)+1)
	for _, member := range meta.Members() {
		if _, dup := seen[member]; dup {
			continue
		}
		seen[member] = struct{}{}
		db.NotifyUser(member, u)
	}
}

// NotifyUser delivers u to every live session of one user and returns how
// many sessions accepted it.
func (db *Database) NotifyUser(userID UserID, u *Update) int {
	user, ok := db.Users.Find(userID)
	if !ok {
		db.log.Warn().Uint32("user", userID).Str("entity", u.ID.String()).Msg("notify: stale user id in entity members")
		return 0
	}
	var senders []*executor.Sender[*Update]
	user.Read(func(p *User, _ *Metadata) {
		senders = p.sessionSenders()
	})
	delivered := 0
	for _, tx := range senders {
		if err := tx.Send(u); err != nil {
			if errors.Is(err, executor.ErrMailboxClosed) {
				db.log.Debug().Uint32("user", userID).Msg("notify: session mailbox closed")
				continue
			}
			db.log.Warn().Err(err).Uint32("user", userID).Msg("notify: delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (db *Database) attachSession(user *Entity[User]) (SessionID, *executor.Receiver[*Update]) {
	id := db.sessionSeq.Add(1)
	tx, rx := executor.NewMailbox[*Update]()
	_ = user.write(func(p *User, _ *Metadata) error {
		if p.Sessions == nil {
			p.Sessions = map[SessionID]*executor.Sender[*Update]{}
		}
		p.Sessions[id] = tx
		return nil
	})
	return id, rx
}

// EndSession unregisters a session's mailbox and closes it.
func (db *Database) EndSession(userID UserID, session SessionID) {
	user, ok := db.Users.Find(userID)
	if !ok {
		return
	}
	var tx *executor.Sender[*Update]
	_ = user.write(func(p *User, _ *Metadata) error {
		tx = p.Sessions[session]
		delete(p.Sessions, session)
		return nil
	})
	if tx != nil {
		tx.Close()
	}
}

// SessionCount reports how many live sessions a user has.
func (db *Database) SessionCount(userID UserID) int {
	user, ok := db.Users.Find(userID)
	if !ok {
		return 0
	}
	n := 0
	user.Read(func(p *User, _ *Metadata) {
		n = len(p.Sessions)
	})
	return n
}
