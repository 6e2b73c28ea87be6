package domain

import "fmt"

// Role of an authenticated caller, as asserted by the platform's auth layer.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleMerchant Role = "merchant"
	RoleService  Role = "service"
	RoleOperator Role = "operator"
	RoleGateway  Role = "gateway"
	RoleSystem   Role = "system"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleCustomer, RoleMerchant, RoleService, RoleOperator, RoleGateway, RoleSystem:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, s)
}

// Caller is the already-authenticated identity performing an operation.
type Caller struct {
	SubjectID string
	Role      Role
}

// SystemCaller is used by background workers.
var SystemCaller = Caller{SubjectID: "wallet-sweeper", Role: RoleSystem}

// Privileged reports whether the caller may act on any wallet.
func (c Caller) Privileged() bool {
	switch c.Role {
	case RoleService, RoleOperator, RoleGateway, RoleSystem:
		return true
	}
	return false
}

// CanActOn reports whether the caller may operate on userID's wallet.
func (c Caller) CanActOn(userID string) bool {
	if c.Privileged() {
		return true
	}
	return (c.Role == RoleCustomer || c.Role == RoleMerchant) && c.SubjectID != "" && c.SubjectID == userID
}

// Authorize returns ErrForbidden unless the caller may operate on userID's wallet.
func (c Caller) Authorize(userID string) error {
	if !c.CanActOn(userID) {
		return fmt.Errorf("%w: %s %q may not act on wallet of %q", ErrForbidden, c.Role, c.SubjectID, userID)
	}
	return nil
}

// Require returns ErrForbidden unless the caller has one of roles.
func (c Caller) Require(roles ...Role) error {
	for _, r := range roles {
		if c.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s not permitted", ErrForbidden, c.Role)
}
