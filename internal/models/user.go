package models

// UserRole is the role claim carried by access tokens from the identity service
type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)
