package auth

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Kind distinguishes the two principal types that authenticate against the API.
type Kind string

const (
	KindAdmin   Kind = "admin"
	KindStudent Kind = "student"
)

// Principal is the authenticated caller, resolved once per request.
type Principal struct {
	Kind Kind
	ID   int64
}

// Admin builds an admin principal.
func Admin(id int64) Principal { return Principal{Kind: KindAdmin, ID: id} }

// Student builds a student principal.
func Student(id int64) Principal { return Principal{Kind: KindStudent, ID: id} }

// IsAdmin reports whether p is an admin (lecturer or course rep).
func (p Principal) IsAdmin() bool { return p.Kind == KindAdmin && p.ID > 0 }

// IsStudent reports whether p is a student.
func (p Principal) IsStudent() bool { return p.Kind == KindStudent && p.ID > 0 }

func (p Principal) subject() string { return strconv.FormatInt(p.ID, 10) }

func (p Principal) String() string { return fmt.Sprintf("%s:%d", p.Kind, p.ID) }

func principalFromClaims(c Claims) (Principal, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Principal{}, fmt.Errorf("invalid subject %q", c.Subject)
	}
	switch Kind(c.Role) {
	case KindAdmin, KindStudent:
		return Principal{Kind: Kind(c.Role), ID: id}, nil
	default:
		return Principal{}, fmt.Errorf("unknown role %q", c.Role)
	}
}

const principalKey = "principal"

// FromContext returns the principal stored by Authenticate.
func FromContext(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
