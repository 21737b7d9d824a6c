package locker

import "fmt"

// Principal is the caller as supplied by the external auth layer.
// A zero UserID means anonymous.
type Principal struct {
	UserID string
	Role   string
}

// Anonymous returns the unauthenticated principal.
func Anonymous() Principal { return Principal{} }

func (p Principal) IsAnonymous() bool { return p.UserID == "" }

func (p Principal) String() string {
	if p.IsAnonymous() {
		return "anonymous"
	}
	return fmt.Sprintf("%s(%s)", p.UserID, p.Role)
}

// LinkCredentials are what an unauthenticated caller presents for a public link.
type LinkCredentials struct {
	Token    string
	Password string
}

// Decision is the outcome of a permission check. Deny is a normal result, not an error.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}
