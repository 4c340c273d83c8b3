package model

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSigner   Role = "signer"
	RoleMerchant Role = "merchant"
	RoleSystem   Role = "system"
)

// Actor is the authenticated identity behind an operation.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// SystemActor is used for scheduler-driven transitions.
var SystemActor = Actor{ID: "system", Name: "payout-engine", Role: RoleSystem}

func (a Actor) IsHuman() bool {
	return a.ID != "" && a.Role != RoleSystem
}

func (a Actor) IsAdmin() bool {
	return a.IsHuman() && a.Role == RoleAdmin
}

func (a Actor) String() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}
