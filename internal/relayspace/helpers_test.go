package relayspace

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentworkforce/relayspace/internal/executor"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testPassword = "correct horse battery"

func newTestDB(t *testing.T) *Database {
	t.Helper()
	return New(Options{
		Logger:       zerolog.Nop(),
		Now:          func() time.Time { return testNow },
		PasswordCost: bcrypt.MinCost,
	})
}

func createUser(t *testing.T, db *Database, name string) UserID {
	t.Helper()
	id, err := db.CreateAccount(name, testPassword)
	require.NoError(t, err)
	return id
}

func openSession(t *testing.T, db *Database, user UserID) *executor.Receiver[*Update] {
	t.Helper()
	token, err := db.IssueToken(user, testPassword)
	require.NoError(t, err)
	session, rx, err := db.OpenSession(user, token)
	require.NoError(t, err)
	t.Cleanup(func() { db.EndSession(user, session) })
	return rx
}

func drain(rx *executor.Receiver[*Update]) []*Update {
	var out []*Update
	for {
		u, state := rx.TryRecv(nil)
		if state != executor.Received {
			return out
		}
		out = append(out, u)
	}
}

// befriend makes a and b friends through the invite flow.
func befriend(t *testing.T, db *Database, a, b UserID) {
	t.Helper()
	require.NoError(t, db.CreateInvite(a, UserEntity(a), true, []UserID{b}))
	self, err := db.LoadSelf(b)
	require.NoError(t, err)
	require.NoError(t, db.OpenInvite(b, self.Revision, Index(len(self.Secret.Invites)-1), false))
}

// share gives guest write access to target owned by author.
func share(t *testing.T, db *Database, author, guest UserID, target EntityID, readOnly bool) {
	t.Helper()
	require.NoError(t, db.CreateInvite(author, target, readOnly, []UserID{guest}))
	self, err := db.LoadSelf(guest)
	require.NoError(t, err)
	require.NoError(t, db.OpenInvite(guest, self.Revision, Index(len(self.Secret.Invites)-1), false))
}
