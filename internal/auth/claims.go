package auth

import "github.com/golang-jwt/jwt/v5"

// Roles understood by the control API. Operators may terminate live calls;
// viewers only watch.
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Claims are the only supported JWT claims shape for this service.
type Claims struct {
	jwt.RegisteredClaims

	UserID string `json:"user_id"`
	Role   string `json:"role"`
}
