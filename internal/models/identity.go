package models

// Identity is the caller as asserted by the session/auth collaborator.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) Room() (string, bool) {
	return RoomFor(i.Role, i.UserID)
}

func (i Identity) IsStaff() bool {
	return i.Role == RoleStaff || i.Role == RoleAdmin
}

// CanView reports whether the identity may read a customer's tokens.
func (i Identity) CanView(customerID string) bool {
	if i.IsStaff() {
		return true
	}
	return i.Role == RoleCustomer && i.UserID != "" && i.UserID == customerID
}
