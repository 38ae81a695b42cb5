package relayspace

import (
	"cmp"
	"slices"
	"strconv"
)

// MessagePage is how many messages one history load returns.
const MessagePage = 50

func (db *Database) conversation(userID UserID, raw uint32, write bool) (*Entity[Conversation], error) {
	id := ConversationID(raw)
	if err := db.CheckAccess(userID, id, write); err != nil {
		return nil, err
	}
	conv, ok := db.Conversations.Find(raw)
	if !ok {
		return nil, notFound(id.String())
	}
	return conv, nil
}

// LoadMessages returns up to MessagePage messages ending just before
// cursor, or ending at the latest message when cursor is nil, along with
// the index of the first one returned.
func (db *Database) LoadMessages(userID UserID, raw uint32, cursor *Index) (Revision, Index, []Message, error) {
	conv, err := db.conversation(userID, raw, false)
	if err != nil {
		return 0, 0, nil, err
	}
	var (
		rev      Revision
		start    Index
		messages []Message
	)
	conv.Read(func(c *Conversation, meta *Metadata) {
		stop := Index(len(c.Messages))
		if cursor != nil {
			if *cursor > stop {
				err = invalid("invalid cursor " + strconv.FormatUint(*cursor, 10))
				return
			}
			stop = *cursor
		}
		if stop > MessagePage {
			start = stop - MessagePage
		}
		rev = meta.Revision
		messages = slices.Clone(c.Messages[start:stop])
	})
	if err != nil {
		return 0, 0, nil, err
	}
	return rev, start, messages, nil
}

func (db *Database) PostMessage(userID UserID, raw uint32, rev Revision, content string) (*Update, error) {
	conv, err := db.conversation(userID, raw, true)
	if err != nil {
		return nil, err
	}
	msg := Message{Author: userID, Content: content, Created: db.now().Unix()}
	update, err := conv.Mutate(rev, func(c *Conversation, _ *Metadata) (Change, error) {
		index := Index(len(c.Messages))
		c.Messages = append(c.Messages, msg)
		return Change{Index: index, Data: MessagePosted{Message: msg}}, nil
	})
	if err != nil {
		return nil, err
	}
	db.Notify(update)
	return update, nil
}

func (db *Database) EditMessage(userID UserID, raw uint32, rev Revision, index Index, content string) (*Update, error) {
	conv, err := db.conversation(userID, raw, true)
	if err != nil {
		return nil, err
	}
	edited := db.now().Unix()
	update, err := conv.Mutate(rev, func(c *Conversation, _ *Metadata) (Change, error) {
		if index >= Index(len(c.Messages)) {
			return Change{}, invalid("bad message index")
		}
		msg := &c.Messages[index]
		if msg.Author != userID {
			return Change{}, denied("not the author of this message")
		}
		msg.Content = content
		msg.Edited = &edited
		return Change{Index: index, Data: MessageEdited{Message: *msg}}, nil
	})
	if err != nil {
		return nil, err
	}
	db.Notify(update)
	return update, nil
}

// IndexedCell is one populated spreadsheet cell.
type IndexedCell struct {
	Index Index
	Cell  Cell
}

func (db *Database) sheet(userID UserID, raw uint32, write bool) (*Entity[Sheet], error) {
	id := SheetID(raw)
	if err := db.CheckAccess(userID, id, write); err != nil {
		return nil, err
	}
	sheet, ok := db.Sheets.Find(raw)
	if !ok {
		return nil, notFound(id.String())
	}
	return sheet, nil
}

func (db *Database) LoadSheet(userID UserID, raw uint32) (Revision, []IndexedCell, error) {
	sheet, err := db.sheet(userID, raw, false)
	if err != nil {
		return 0, nil, err
	}
	var (
		rev   Revision
		cells []IndexedCell
	)
	sheet.Read(func(s *Sheet, meta *Metadata) {
		rev = meta.Revision
		cells = make([]IndexedCell, 0, len(s.Cells))
		for index, cell := range s.Cells {
			cell.Tags = slices.Clone(cell.Tags)
			cells = append(cells, IndexedCell{Index: index, Cell: cell})
		}
	})
	slices.SortFunc(cells, func(a, b IndexedCell) int {
		return cmp.Compare(a.Index, b.Index)
	})
	return rev, cells, nil
}

func (db *Database) SetCell(userID UserID, raw uint32, rev Revision, index Index, cell Cell) (*Update, error) {
	if cell.Formula == "" {
		cell.Formula = "Literal"
	}
	if !cell.Formula.Valid() {
		return nil, invalid("unknown cell formula " + strconv.Quote(string(cell.Formula)))
	}
	sheet, err := db.sheet(userID, raw, true)
	if err != nil {
		return nil, err
	}
	update, err := sheet.Mutate(rev, func(s *Sheet, _ *Metadata) (Change, error) {
		if s.Cells == nil {
			s.Cells = map[Index]Cell{}
		}
		s.Cells[index] = cell
		return Change{Index: index, Data: CellSet{Cell: cell}}, nil
	})
	if err != nil {
		return nil, err
	}
	db.Notify(update)
	return update, nil
}

func (db *Database) document(userID UserID, raw uint32, write bool) (*Entity[Document], error) {
	id := DocumentID(raw)
	if err := db.CheckAccess(userID, id, write); err != nil {
		return nil, err
	}
	doc, ok := db.Documents.Find(raw)
	if !ok {
		return nil, notFound(id.String())
	}
	return doc, nil
}

func (db *Database) LoadDocument(userID UserID, raw uint32) (Revision, []Element, error) {
	doc, err := db.document(userID, raw, false)
	if err != nil {
		return 0, nil, err
	}
	var (
		rev      Revision
		elements []Element
	)
	doc.Read(func(d *Document, meta *Metadata) {
		rev = meta.Revision
		elements = slices.Clone(d.Elements)
	})
	return rev, elements, nil
}

func (db *Database) InsertElement(userID UserID, raw uint32, rev Revision, index Index, element Element) (*Update, error) {
	if !element.Style.Valid() {
		return nil, invalid("unknown element style " + strconv.Quote(string(element.Style)))
	}
	return db.mutateDocument(userID, raw, rev, func(d *Document) (Change, error) {
		if index > Index(len(d.Elements)) {
			return Change{}, invalid("bad element index")
		}
		d.Elements = slices.Insert(d.Elements, int(index), element)
		return Change{Index: index, Data: ElementInserted{Element: element}}, nil
	})
}

func (db *Database) SetElement(userID UserID, raw uint32, rev Revision, index Index, element Element) (*Update, error) {
	if !element.Style.Valid() {
		return nil, invalid("unknown element style " + strconv.Quote(string(element.Style)))
	}
	return db.mutateDocument(userID, raw, rev, func(d *Document) (Change, error) {
		if index >= Index(len(d.Elements)) {
			return Change{}, invalid("bad element index")
		}
		d.Elements[index] = element
		return Change{Index: index, Data: ElementSet{Element: element}}, nil
	})
}

func (db *Database) DeleteElement(userID UserID, raw uint32, rev Revision, index Index) (*Update, error) {
	return db.mutateDocument(userID, raw, rev, func(d *Document) (Change, error) {
		if index >= Index(len(d.Elements)) {
			return Change{}, invalid("bad element index")
		}
		d.Elements = slices.Delete(d.Elements, int(index), int(index)+1)
		return Change{Index: index, Data: ElementRemoved{}}, nil
	})
}

func (db *Database) mutateDocument(userID UserID, raw uint32, rev Revision, fn func(d *Document) (Change, error)) (*Update, error) {
	doc, err := db.document(userID, raw, true)
	if err != nil {
		return nil, err
	}
	update, err := doc.Mutate(rev, func(d *Document, _ *Metadata) (Change, error) {
		return fn(d)
	})
	if err != nil {
		return nil, err
	}
	db.Notify(update)
	return update, nil
}

func (db *Database) bucket(userID UserID, raw uint32, write bool) (*Entity[Bucket], error) {
	id := BucketID(raw)
	if err := db.CheckAccess(userID, id, write); err != nil {
		return nil, err
	}
	bucket, ok := db.Buckets.Find(raw)
	if !ok {
		return nil, notFound(id.String())
	}
	return bucket, nil
}

func (db *Database) LoadBucket(userID UserID, raw uint32) (Revision, []File, error) {
	bucket, err := db.bucket(userID, raw, false)
	if err != nil {
		return 0, nil, err
	}
	var (
		rev   Revision
		files []File
	)
	bucket.Read(func(b *Bucket, meta *Metadata) {
		rev = meta.Revision
		files = slices.Clone(b.Files)
	})
	return rev, files, nil
}

// PutFile appends file, or replaces the entry at index. The new hash is
// retained and a replaced hash released.
func (db *Database) PutFile(userID UserID, raw uint32, rev Revision, index *Index, file File) (*Update, error) {
	bucket, err := db.bucket(userID, raw, true)
	if err != nil {
		return nil, err
	}
	var replaced *File
	update, err := bucket.Mutate(rev, func(b *Bucket, _ *Metadata) (Change, error) {
		n := Index(len(b.Files))
		at := n
		if index != nil {
			at = *index
		}
		if at > n {
			return Change{}, invalid("bad file index")
		}
		db.Refs.Retain(file.SHA256)
		if at == n {
			b.Files = append(b.Files, file)
			return Change{Index: at, Data: FileAdded{File: file}}, nil
		}
		old := b.Files[at]
		replaced = &old
		b.Files[at] = file
		return Change{Index: at, Data: FileReplaced{File: file}}, nil
	})
	if err != nil {
		return nil, err
	}
	db.Notify(update)
	if replaced != nil {
		db.release(replaced.SHA256)
	}
	return update, nil
}

func (db *Database) DeleteFile(userID UserID, raw uint32, rev Revision, index Index) (*Update, error) {
	bucket, err := db.bucket(userID, raw, true)
	if err != nil {
		return nil, err
	}
	var removed File
	update, err := bucket.Mutate(rev, func(b *Bucket, _ *Metadata) (Change, error) {
		if index >= Index(len(b.Files)) {
			return Change{}, invalid("bad file index")
		}
		removed = b.Files[index]
		b.Files = slices.Delete(b.Files, int(index), int(index)+1)
		return Change{Index: index, Data: FileRemoved{}}, nil
	})
	if err != nil {
		return nil, err
	}
	db.Notify(update)
	db.release(removed.SHA256)
	return update, nil
}

// FinishUpload commits a streamed upload as a new file at the end of the
// bucket. The upload's hash stays pinned until the bucket write has either
// retained it or failed.
func (db *Database) FinishUpload(userID UserID, raw uint32, rev Revision, name string, upload *Upload) (*Update, error) {
	if _, err := db.bucket(userID, raw, true); err != nil {
		upload.Abort()
		return nil, err
	}
	sum, size, err := upload.Finish()
	if err != nil {
		return nil, err
	}
	defer db.Refs.Unpin(sum)
	return db.PutFile(userID, raw, rev, nil, File{
		Name:     name,
		SHA256:   sum,
		Size:     size,
		Uploaded: db.now().Unix(),
	})
}

func (db *Database) release(sum string) {
	if !db.Refs.Release(sum) {
		db.log.Error().Str("sha256", sum).Msg("released a blob with no references")
	}
}
