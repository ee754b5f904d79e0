package auth

import "context"

const (
	RoleParent = "parent"
	RoleAupair = "aupair"
)

type contextKey struct{}

// AuthContext identifies the member making a request.
type AuthContext struct {
	MemberID string
	FamilyID string
	Role     string
}

func (ac AuthContext) IsParent() bool { return ac.Role == RoleParent }

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

func FamilyID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.FamilyID
}

func MemberID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.MemberID
}

func IsParent(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.IsParent()
}

// ValidRole reports whether role is one a member can hold.
func ValidRole(role string) bool {
	return role == RoleParent || role == RoleAupair
}
