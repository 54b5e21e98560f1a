// README: Identifiers and caller identity.
package types

import (
	"strings"

	"github.com/google/uuid"
)

type ID string

// NewID returns a 32-char lowercase hex id.
func NewID() ID {
	return ID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (id ID) String() string { return string(id) }

type Role string

const (
	RoleCustomer Role = "customer"
	RoleFarmer   Role = "farmer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID   ID
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
