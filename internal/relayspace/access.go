package relayspace

// CheckAccess gates an operation on target by user's access entry. Reads
// need any entry, writes need a writable one. Every user implicitly has
// access to their own user entity.
func (db *Database) CheckAccess(user UserID, target EntityID, write bool) error {
	if target == UserEntity(user) {
		return nil
	}
	entity, err := db.user(user)
	if err != nil {
		return err
	}
	var (
		access EntityAccess
		ok     bool
	)
	entity.Read(func(u *User, _ *Metadata) {
		access, ok = u.access(target)
	})
	if !ok {
		return denied("no such entity")
	}
	if write && access.ReadOnly {
		return denied("read-only access")
	}
	return nil
}

// Access returns user's entry for target.
func (db *Database) Access(user UserID, target EntityID) (EntityAccess, error) {
	entity, err := db.user(user)
	if err != nil {
		return EntityAccess{}, err
	}
	var (
		access EntityAccess
		ok     bool
	)
	entity.Read(func(u *User, _ *Metadata) {
		access, ok = u.access(target)
	})
	if !ok {
		return EntityAccess{}, notFound("access to " + target.String())
	}
	return access, nil
}
