package principal

import "time"

type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleAdmin      Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleFreelancer, RoleAdmin:
		return true
	}
	return false
}

// Principal is an authenticated caller; ID is the identity provider subject.
type Principal struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	Role        Role      `gorm:"column:role;index" json:"role"`
	DisplayName string    `gorm:"column:display_name" json:"display_name"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Principal) TableName() string { return "principals" }

func (p *Principal) Is(role Role) bool {
	return p != nil && p.Role == role
}

func (p *Principal) IsAdmin() bool {
	return p.Is(RoleAdmin)
}

// Subject returns the id, empty for anonymous callers.
func (p *Principal) Subject() string {
	if p == nil {
		return ""
	}
	return p.ID
}

type RegisterRequest struct {
	Role        Role   `json:"role" validate:"required,oneof=client freelancer"`
	DisplayName string `json:"display_name" validate:"max=120"`
}

type SetRoleRequest struct {
	Role Role `json:"role" validate:"required,oneof=client freelancer admin"`
}
