package session

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/relayspace/internal/relayspace"
)

type handlerFunc func(s *Session, num uint64, params json.RawMessage) (Reply, error)

type route struct {
	fn    handlerFunc
	login bool
}

var routes = map[string]route{
	"send-challenge":     {fn: unimplemented},
	"complete-challenge": {fn: unimplemented},
	"create-account":     {fn: (*Session).createAccount},
	"get-token":          {fn: (*Session).getToken},
	"open-session":       {fn: (*Session).openSession},
	"load-user-data":     {fn: (*Session).loadUserData},
	"set-user-data":      {fn: (*Session).setUserData, login: true},
	"open-invite":        {fn: (*Session).openInvite, login: true},
	"who-is":             {fn: (*Session).whoIs},
	"create-entity":      {fn: (*Session).createEntity, login: true},
	"server-shutdown":    {fn: (*Session).serverShutdown, login: true},

	"load-history":       {fn: unimplemented, login: true},
	"set-entity-tags":    {fn: (*Session).setEntityTags, login: true},
	"rename-entity":      {fn: (*Session).renameEntity, login: true},
	"create-invite":      {fn: (*Session).createInvite, login: true},
	"transfer-ownership": {fn: (*Session).transferOwnership, login: true},
	"ban-guest":          {fn: (*Session).banGuest, login: true},
	"drop":               {fn: (*Session).drop, login: true},
	"mark-seen":          {fn: (*Session).markSeen, login: true},

	"load-messages-before": {fn: (*Session).loadMessages, login: true},
	"post-message":         {fn: (*Session).postMessage, login: true},
	"edit-message":         {fn: (*Session).editMessage, login: true},

	"load-spreadsheet": {fn: (*Session).loadSpreadsheet, login: true},
	"set-cell":         {fn: (*Session).setCell, login: true},

	"load-document":  {fn: (*Session).loadDocument, login: true},
	"insert-element": {fn: (*Session).insertElement, login: true},
	"delete-element": {fn: (*Session).deleteElement, login: true},
	"set-element":    {fn: (*Session).setElement, login: true},

	"load-bucket": {fn: (*Session).loadBucket, login: true},
	"delete-file": {fn: (*Session).deleteFile, login: true},
	"finish-file": {fn: (*Session).finishFile, login: true},
}

var errNotLoggedIn = fmt.Errorf("%w: not logged in yet", relayspace.ErrPermissionDenied)

func (s *Session) handle(req Request) (Reply, error) {
	r, ok := routes[req.Request]
	if !ok {
		return Reply{}, fmt.Errorf("%w: unknown request %q", relayspace.ErrInvalidInput, req.Request)
	}
	if r.login && !s.loggedIn {
		return Reply{}, errNotLoggedIn
	}
	return r.fn(s, req.Num, req.Parameters)
}

func unimplemented(_ *Session, _ uint64, _ json.RawMessage) (Reply, error) {
	return Reply{}, relayspace.ErrNotImplemented
}

// accounts

func (s *Session) createAccount(num uint64, params json.RawMessage) (Reply, error) {
	var name, password string
	if err := decode(params, &name, &password); err != nil {
		return Reply{}, err
	}
	id, err := s.db.CreateAccount(name, password)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Num: num, Reply: ReplyValidUsername, Parameters: id}, nil
}

func (s *Session) getToken(num uint64, params json.RawMessage) (Reply, error) {
	var (
		user     relayspace.UserID
		password string
	)
	if err := decode(params, &user, &password); err != nil {
		return Reply{}, err
	}
	token, err := s.db.IssueToken(user, password)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Num: num, Reply: ReplyAuthenticationToken, Parameters: token}, nil
}

func (s *Session) openSession(num uint64, params json.RawMessage) (Reply, error) {
	if s.loggedIn {
		return Reply{}, fmt.Errorf("%w: session already opened", relayspace.ErrInvalidState)
	}
	var (
		user  relayspace.UserID
		token string
	)
	if err := decode(params, &user, &token); err != nil {
		return Reply{}, err
	}
	id, updates, err := s.db.OpenSession(user, token)
	if err != nil {
		return Reply{}, err
	}
	s.user, s.sessionID, s.updates, s.loggedIn = user, id, updates, true
	s.log = s.log.With().Uint32("user", user).Logger()
	return success(num), nil
}

func (s *Session) loadUserData(num uint64, params json.RawMessage) (Reply, error) {
	var target *relayspace.UserID
	if len(params) > 0 {
		if err := decode(params, &target); err != nil {
			return Reply{}, err
		}
	}
	if target == nil {
		if !s.loggedIn {
			return Reply{}, errNotLoggedIn
		}
		self, err := s.db.LoadSelf(s.user)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Num: num, Reply: ReplySelfData, Parameters: []any{self.Revision, self.Public, self.Entities, self.Secret}}, nil
	}
	profile, err := s.db.LoadProfile(*target)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Num: num, Reply: ReplyUserData, Parameters: []any{profile.Revision, profile.Public, profile.Image}}, nil
}

func (s *Session) setUserData(num uint64, params json.RawMessage) (Reply, error) {
	var (
		rev  relayspace.Revision
		data relayspace.UserData
	)
	if err := decode(params, &rev, &data); err != nil {
		return Reply{}, err
	}
	if _, err := s.db.SetUserData(s.user, rev, data); err != nil {
		return Reply{}, err
	}
	return success(num), nil
}

func (s *Session) openInvite(num uint64, params json.RawMessage) (Reply, error) {
	var (
		rev     relayspace.Revision
		index   relayspace.Index
		discard bool
	)
	if err := decode(params, &rev, &index, &discard); err != nil {
		return Reply{}, err
	}
	if err := s.db.OpenInvite(s.user, rev, index, discard); err != nil {
		return Reply{}, err
	}
	return success(num), nil
}

func (s *Session) whoIs(num uint64, params json.RawMessage) (Reply, error) {
	var name string
	if err := decode(params, &name); err != nil {
		return Reply{}, err
	}
	id, err := s.db.WhoIs(name)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Num: num, Reply: ReplyValidUsername, Parameters: id}, nil
}

func (s *Session) createEntity(num uint64, params json.RawMessage) (Reply, error) {
	var kindName, localName string
	if err := decode(params, &kindName, &localName); err != nil {
		return Reply{}, err
	}
	kind, err := relayspace.ParseCreatableKind(kindName)
	if err != nil {
		return Reply{}, err
	}
	id, err := s.db.CreateEntity(s.user, kind, localName)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Num: num, Reply: ReplyEntityCreated, Parameters: id}, nil
}

func (s *Session) serverShutdown(num uint64, _ json.RawMessage) (Reply, error) {
	admin, err := s.db.IsServerAdmin(s.user)
	if err != nil {
		return Reply{}, err
	}
	if !admin {
		return Reply{}, fmt.Errorf("%w: not an admin", relayspace.ErrPermissionDenied)
	}
	if s.backup == nil {
		return Reply{}, fmt.Errorf("%w: backups are not configured", relayspace.ErrInvalidState)
	}
	s.log.Warn().Msg("shutdown requested by admin")
	s.backup.Trigger(relayspace.TriggerSession)
	return success(num), nil
}

// generic entity actions

func (s *Session) setEntityTags(num uint64, params json.RawMessage) (Reply, error) {
	var (
		target relayspace.EntityID
		tags   []string
	)
	if err := decode(params, &target, &tags); err != nil {
		return Reply{}, err
	}
	return success(num), s.db.SetEntityTags(s.user, target, tags)
}

func (s *Session) renameEntity(num uint64, params json.RawMessage) (Reply, error) {
	var (
		target relayspace.EntityID
		name   string
	)
	if err := decode(params, &target, &name); err != nil {
		return Reply{}, err
	}
	return success(num), s.db.RenameEntity(s.user, target, name)
}

func (s *Session) createInvite(num uint64, params json.RawMessage) (Reply, error) {
	var (
		target   relayspace.EntityID
		readOnly bool
		guests   []relayspace.UserID
	)
	if err := decode(params, &target, &readOnly, &guests); err != nil {
		return Reply{}, err
	}
	return success(num), s.db.CreateInvite(s.user, target, readOnly, guests)
}

func (s *Session) transferOwnership(num uint64, params json.RawMessage) (Reply, error) {
	var (
		target relayspace.EntityID
		name   string
	)
	if err := decode(params, &target, &name); err != nil {
		return Reply{}, err
	}
	return success(num), s.db.TransferOwnership(s.user, target, name)
}

func (s *Session) banGuest(num uint64, params json.RawMessage) (Reply, error) {
	var (
		target relayspace.EntityID
		name   string
	)
	if err := decode(params, &target, &name); err != nil {
		return Reply{}, err
	}
	return success(num), s.db.BanGuest(s.user, target, name)
}

func (s *Session) drop(num uint64, params json.RawMessage) (Reply, error) {
	var target relayspace.EntityID
	if err := decode(params, &target); err != nil {
		return Reply{}, err
	}
	return success(num), s.db.Drop(s.user, target)
}

func (s *Session) markSeen(num uint64, params json.RawMessage) (Reply, error) {
	var (
		target relayspace.EntityID
		rev    relayspace.Revision
	)
	if err := decode(params, &target, &rev); err != nil {
		return Reply{}, err
	}
	return success(num), s.db.MarkSeen(s.user, target, rev)
}

// conversations

func (s *Session) loadMessages(num uint64, params json.RawMessage) (Reply, error) {
	var (
		conv   uint32
		cursor MessageCursor
	)
	if err := decode(params, &conv, &cursor); err != nil {
		return Reply{}, err
	}
	position, err := cursor.position()
	if err != nil {
		return Reply{}, err
	}
	rev, start, messages, err := s.db.LoadMessages(s.user, conv, position)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Num: num, Reply: ReplyMessages, Parameters: []any{rev, start, messages}}, nil
}

func (s *Session) postMessage(num uint64, params json.RawMessage) (Reply, error) {
	var (
		conv    uint32
		rev     relayspace.Revision
		content string
	)
	if err := decode(params, &conv, &rev, &content); err != nil {
		return Reply{}, err
	}
	_, err := s.db.PostMessage(s.user, conv, rev, content)
	return success(num), err
}

func (s *Session) editMessage(num uint64, params json.RawMessage) (Reply, error) {
	var (
		conv    uint32
		rev     relayspace.Revision
		index   relayspace.Index
		content string
	)
	if err := decode(params, &conv, &rev, &index, &content); err != nil {
		return Reply{}, err
	}
	_, err := s.db.EditMessage(s.user, conv, rev, index, content)
	return success(num), err
}

// spreadsheets

func (s *Session) loadSpreadsheet(num uint64, params json.RawMessage) (Reply, error) {
	var sheet uint32
	if err := decode(params, &sheet); err != nil {
		return Reply{}, err
	}
	rev, cells, err := s.db.LoadSheet(s.user, sheet)
	if err != nil {
		return Reply{}, err
	}
	pairs := make([][2]any, 0, len(cells))
	for _, c := range cells {
		pairs = append(pairs, [2]any{c.Index, c.Cell})
	}
	return Reply{Num: num, Reply: ReplySpreadsheet, Parameters: []any{rev, pairs}}, nil
}

func (s *Session) setCell(num uint64, params json.RawMessage) (Reply, error) {
	var (
		sheet uint32
		rev   relayspace.Revision
		index relayspace.Index
		cell  relayspace.Cell
	)
	if err := decode(params, &sheet, &rev, &index, &cell); err != nil {
		return Reply{}, err
	}
	_, err := s.db.SetCell(s.user, sheet, rev, index, cell)
	return success(num), err
}

// documents

func (s *Session) loadDocument(num uint64, params json.RawMessage) (Reply, error) {
	var doc uint32
	if err := decode(params, &doc); err != nil {
		return Reply{}, err
	}
	rev, elements, err := s.db.LoadDocument(s.user, doc)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Num: num, Reply: ReplyDocument, Parameters: []any{rev, elements}}, nil
}

func (s *Session) insertElement(num uint64, params json.RawMessage) (Reply, error) {
	var (
		doc     uint32
		rev     relayspace.Revision
		index   relayspace.Index
		element relayspace.Element
	)
	if err := decode(params, &doc, &rev, &index, &element); err != nil {
		return Reply{}, err
	}
	_, err := s.db.InsertElement(s.user, doc, rev, index, element)
	return success(num), err
}

func (s *Session) deleteElement(num uint64, params json.RawMessage) (Reply, error) {
	var (
		doc   uint32
		rev   relayspace.Revision
		index relayspace.Index
	)
	if err := decode(params, &doc, &rev, &index); err != nil {
		return Reply{}, err
	}
	_, err := s.db.DeleteElement(s.user, doc, rev, index)
	return success(num), err
}

func (s *Session) setElement(num uint64, params json.RawMessage) (Reply, error) {
	var (
		doc     uint32
		rev     relayspace.Revision
		index   relayspace.Index
		element relayspace.Element
	)
	if err := decode(params, &doc, &rev, &index, &element); err != nil {
		return Reply{}, err
	}
	_, err := s.db.SetElement(s.user, doc, rev, index, element)
	return success(num), err
}

// buckets

func (s *Session) loadBucket(num uint64, params json.RawMessage) (Reply, error) {
	var bucket uint32
	if err := decode(params, &bucket); err != nil {
		return Reply{}, err
	}
	rev, files, err := s.db.LoadBucket(s.user, bucket)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Num: num, Reply: ReplyBucket, Parameters: []any{rev, files}}, nil
}

func (s *Session) deleteFile(num uint64, params json.RawMessage) (Reply, error) {
	var (
		bucket uint32
		rev    relayspace.Revision
		index  relayspace.Index
	)
	if err := decode(params, &bucket, &rev, &index); err != nil {
		return Reply{}, err
	}
	_, err := s.db.DeleteFile(s.user, bucket, rev, index)
	return success(num), err
}

// finishFile commits the bytes received in binary frames since the last
// finish-file as a new file in the bucket.
func (s *Session) finishFile(num uint64, params json.RawMessage) (Reply, error) {
	var (
		bucket uint32
		rev    relayspace.Revision
		name   string
	)
	if err := decode(params, &bucket, &rev, &name); err != nil {
		return Reply{}, err
	}
	upload, err := s.takeUpload()
	if err != nil {
		return Reply{}, err
	}
	update, err := s.db.FinishUpload(s.user, bucket, rev, name, upload)
	if err != nil {
		return Reply{}, err
	}
	s.log.Info().Str("bucket", relayspace.BucketID(bucket).String()).Uint64("index", update.Index).Msg("file uploaded")
	return success(num), nil
}
