package relayspace

import "encoding/json"

type UpdateKind string

const (
	UpdateSetUser     UpdateKind = "set-user"
	UpdateNewInvite   UpdateKind = "new-invite"
	UpdateNewGuest    UpdateKind = "new-guest"
	UpdateByeGuest    UpdateKind = "bye-guest"
	UpdateNewFriend   UpdateKind = "new-friend"
	UpdateNewMessage  UpdateKind = "new-message"
	UpdateEditMessage UpdateKind = "edit-message"
	UpdateSetCell     UpdateKind = "set-cell"
	UpdateNewElement  UpdateKind = "new-element"
	UpdateSetElement  UpdateKind = "set-element"
	UpdateByeElement  UpdateKind = "bye-element"
	UpdateNewFile     UpdateKind = "new-file"
	UpdateSetFile     UpdateKind = "set-file"
	UpdateByeFile     UpdateKind = "bye-file"
)

// UpdateData is the kind-specific part of an Update. The set of
// implementations is closed.
type UpdateData interface {
	Kind() UpdateKind
	payload() any
}

type UserChanged struct{ Data UserData }
type InviteReceived struct{ Invite InviteData }
type GuestJoined struct{ User UserID }
type GuestLeft struct{ User UserID }
type FriendAdded struct{}
type MessagePosted struct{ Message Message }
type MessageEdited struct{ Message Message }
type CellSet struct{ Cell Cell }
type ElementInserted struct{ Element Element }
type ElementSet struct{ Element Element }
type ElementRemoved struct{}
type FileAdded struct{ File File }
type FileReplaced struct{ File File }
type FileRemoved struct{}

func (UserChanged) Kind() UpdateKind     { return UpdateSetUser }
func (InviteReceived) Kind() UpdateKind  { return UpdateNewInvite }
func (GuestJoined) Kind() UpdateKind     { return UpdateNewGuest }
func (GuestLeft) Kind() UpdateKind       { return UpdateByeGuest }
func (FriendAdded) Kind() UpdateKind     { return UpdateNewFriend }
func (MessagePosted) Kind() UpdateKind   { return UpdateNewMessage }
func (MessageEdited) Kind() UpdateKind   { return UpdateEditMessage }
func (CellSet) Kind() UpdateKind         { return UpdateSetCell }
func (ElementInserted) Kind() UpdateKind { return UpdateNewElement }
func (ElementSet) Kind() UpdateKind      { return UpdateSetElement }
func (ElementRemoved) Kind() UpdateKind  { return UpdateByeElement }
func (FileAdded) Kind() UpdateKind       { return UpdateNewFile }
func (FileReplaced) Kind() UpdateKind    { return UpdateSetFile }
func (FileRemoved) Kind() UpdateKind     { return UpdateByeFile }

func (d UserChanged) payload() any     { return d.Data }
func (d InviteReceived) payload() any  { return d.Invite }
func (d GuestJoined) payload() any     { return d.User }
func (d GuestLeft) payload() any       { return d.User }
func (FriendAdded) payload() any       { return nil }
func (d MessagePosted) payload() any   { return d.Message }
func (d MessageEdited) payload() any   { return d.Message }
func (d CellSet) payload() any         { return d.Cell }
func (d ElementInserted) payload() any { return d.Element }
func (d ElementSet) payload() any      { return d.Element }
func (ElementRemoved) payload() any    { return "" }
func (d FileAdded) payload() any       { return d.File }
func (d FileReplaced) payload() any    { return d.File }
func (FileRemoved) payload() any       { return "" }

// Update describes one accepted mutation. It is shared by pointer between
// every session it is delivered to and must not be modified after Notify.
type Update struct {
	ID          EntityID
	NewRevision Revision
	Index       Index
	Data        UpdateData
}

func (u *Update) Kind() UpdateKind {
	if u == nil || u.Data == nil {
		return ""
	}
	return u.Data.Kind()
}

func (u *Update) MarshalJSON() ([]byte, error) {
	var data any
	if u.Data != nil {
		data = u.Data.payload()
	}
	return json.Marshal(struct {
		Type        UpdateKind `json:"type"`
		ID          EntityID   `json:"id"`
		NewRevision Revision   `json:"new_revision"`
		Index       Index      `json:"index"`
		Data        any        `json:"data"`
	}{u.Kind(), u.ID, u.NewRevision, u.Index, data})
}

// Change is what an updater hands back to Mutate: where the mutation
// landed and what it carried.
type Change struct {
	Index Index
	Data  UpdateData
}
