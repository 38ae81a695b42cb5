package relayspace

import (
	"encoding/json"
	"slices"
	"sync"
)

type Metadata struct {
	Image    AssociatedImage `json:"image"`
	Author   UserID          `json:"author"`
	Guests   []UserID        `json:"guests"`
	Revision Revision        `json:"revision"`
}

func (m Metadata) clone() Metadata {
	m.Guests = slices.Clone(m.Guests)
	return m
}

// Members is the author followed by every guest, in guest-list order.
func (m Metadata) Members() []UserID {
	members := make([]UserID, 0, len(m.Guests)+1)
	if m.Author != NoUser {
		members = append(members, m.Author)
	}
	return append(members, m.Guests...)
}

func (m Metadata) IsGuest(user UserID) bool {
	return slices.Contains(m.Guests, user)
}

// Entity is one stored object. Its lock is independent of the collection
// it lives in and of every other entity.
type Entity[T any] struct {
	mu      sync.RWMutex
	id      EntityID
	payload T
	meta    Metadata
}

func (e *Entity[T]) ID() EntityID {
	return e.id
}

func (e *Entity[T]) Metadata() Metadata {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.meta.clone()
}

func (e *Entity[T]) Revision() Revision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.meta.Revision
}

// Read runs fn under the shared lock. fn must not retain or modify payload.
func (e *Entity[T]) Read(fn func(payload *T, meta *Metadata)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(&e.payload, &e.meta)
}

// Mutate applies updater only if the live revision equals expected. On
// success the revision advances by one and the returned Update carries it.
// An updater error leaves the entity untouched.
func (e *Entity[T]) Mutate(expected Revision, updater func(payload *T, meta *Metadata) (Change, error)) (*Update, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.meta.Revision != expected {
		return nil, &ConflictError{Entity: e.id, ExpectedRevision: expected, CurrentRevision: e.meta.Revision}
	}
	change, err := updater(&e.payload, &e.meta)
	if err != nil {
		return nil, err
	}
	e.meta.Revision++
	return &Update{
		ID:          e.id,
		NewRevision: e.meta.Revision,
		Index:       change.Index,
		Data:        change.Data,
	}, nil
}

// write runs fn under the exclusive lock without touching the revision.
// It serves bookkeeping that clients never race on: tokens, sessions,
// guest lists.
func (e *Entity[T]) write(fn func(payload *T, meta *Metadata) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&e.payload, &e.meta)
}

type entityJSON[T any] struct {
	Payload  T        `json:"payload"`
	Metadata Metadata `json:"metadata"`
}

// Entities is the growable collection of one kind. Ids are slice
// positions and are never reused.
type Entities[T any] struct {
	kind  Kind
	mu    sync.RWMutex
	items []*Entity[T]

	// onReset sees a payload just before DropAccess discards it.
	onReset func(payload *T)
}

func NewEntities[T any](kind Kind) *Entities[T] {
	return &Entities[T]{kind: kind}
}

func (c *Entities[T]) Kind() Kind {
	return c.kind
}

func (c *Entities[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Create appends an entity with a zero payload and returns its id.
func (c *Entities[T]) Create(meta Metadata) EntityID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := EntityID{Kind: c.kind, Raw: uint32(len(c.items))}
	c.items = append(c.items, &Entity[T]{id: id, meta: meta.clone()})
	return id
}

func (c *Entities[T]) Find(raw uint32) (*Entity[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(raw) >= len(c.items) {
		return nil, false
	}
	return c.items[raw], true
}

func (c *Entities[T]) Metadata(raw uint32) (Metadata, bool) {
	entity, ok := c.Find(raw)
	if !ok {
		return Metadata{}, false
	}
	return entity.Metadata(), true
}

// PushGuest appends user to the guest list. Repeated calls add repeated
// entries.
func (c *Entities[T]) PushGuest(raw uint32, user UserID) error {
	entity, ok := c.Find(raw)
	if !ok {
		return notFound(EntityID{Kind: c.kind, Raw: raw}.String())
	}
	return entity.write(func(_ *T, meta *Metadata) error {
		meta.Guests = append(meta.Guests, user)
		return nil
	})
}

// DropAccess removes user from the entity. An author leaving hands the
// entity to the oldest guest, or resets it and marks it ownerless when
// nobody is left.
func (c *Entities[T]) DropAccess(raw uint32, user UserID) error {
	id := EntityID{Kind: c.kind, Raw: raw}
	entity, ok := c.Find(raw)
	if !ok {
		return notFound(id.String())
	}
	return entity.write(func(payload *T, meta *Metadata) error {
		if meta.Author == user {
			if len(meta.Guests) == 0 {
				if c.onReset != nil {
					c.onReset(payload)
				}
				var zero T
				*payload = zero
				meta.Author = NoUser
				return nil
			}
			meta.Author = meta.Guests[0]
			meta.Guests = slices.Delete(meta.Guests, 0, 1)
			return nil
		}
		i := slices.Index(meta.Guests, user)
		if i < 0 {
			return notFound("guest " + UserEntity(user).String() + " in " + id.String())
		}
		meta.Guests = slices.Delete(meta.Guests, i, i+1)
		return nil
	})
}

// Restore swaps in the contents of other wholesale.
func (c *Entities[T]) Restore(other *Entities[T]) {
	if other == nil {
		c.mu.Lock()
		c.items = nil
		c.mu.Unlock()
		return
	}
	other.mu.Lock()
	items := other.items
	other.items = nil
	other.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, entity := range items {
		entity.id = EntityID{Kind: c.kind, Raw: uint32(i)}
	}
	c.items = items
}

func (c *Entities[T]) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]json.RawMessage, 0, len(c.items))
	for _, entity := range c.items {
		entity.mu.RLock()
		data, err := json.Marshal(entityJSON[T]{Payload: entity.payload, Metadata: entity.meta})
		entity.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return json.Marshal(out)
}

func (c *Entities[T]) UnmarshalJSON(data []byte) error {
	var wire []entityJSON[T]
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	items := make([]*Entity[T], len(wire))
	for i, w := range wire {
		items[i] = &Entity[T]{
			id:      EntityID{Kind: c.kind, Raw: uint32(i)},
			payload: w.Payload,
			meta:    w.Metadata,
		}
	}
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
	return nil
}
