package model

// Identity is the principal resolved from a session token.
// The zero value is the anonymous identity.
type Identity struct {
	UserID string
	Role   string
}

// Anonymous is the identity used when no valid session is presented.
var Anonymous = Identity{}

// IsAnonymous reports whether the identity carries no user.
func (i Identity) IsAnonymous() bool {
	return i.UserID == ""
}
