package common

// AuthorizationHeaderName is the HTTP header / gRPC metadata key carrying the
// access token as "Bearer <token>".
const AuthorizationHeaderName = "authorization"

// BearerPrefix precedes the access token in the authorization header.
const BearerPrefix = "Bearer "

// Role names. Roles are plain strings with no hierarchy.
const (
	RoleAdmin    = "Admin"
	RoleCustomer = "Customer"
	RoleManager  = "Manager"
)
