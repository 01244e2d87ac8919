package domain

type IdentityKind int

const (
	IdentityAnonymous IdentityKind = iota
	IdentityUser
	IdentityGhost
)

// Identity is the authenticated caller behind one connection, resolved
// once at upgrade time. Ghosts are internal bots (e.g. recorders) that
// may hold a connection but never count as session members.
type Identity struct {
	UserID UserID
	Kind   IdentityKind
}

func Anonymous() Identity { return Identity{Kind: IdentityAnonymous} }

func (i Identity) IsUser() bool  { return i.Kind == IdentityUser }
func (i Identity) IsGhost() bool { return i.Kind == IdentityGhost }
