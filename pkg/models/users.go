package models

import "github.com/google/uuid"

// User represents an enrolled user. Password holds the bcrypt hash; user
// records are persisted under `_u_<id>` and never leave the process.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Password     string    `json:"password"`
	CollectionID uuid.UUID `json:"collection_id"`
	TenantID     uuid.UUID `json:"tenant_id"`
}

// UserForm is the signup request body
type UserForm struct {
	Username     string    `json:"username" binding:"required"`
	Password     string    `json:"password" binding:"required"`
	CollectionID uuid.UUID `json:"collection_id" binding:"required"`
	TenantID     uuid.UUID `json:"tenant_id" binding:"required"`
}

// Login is the login request body
type Login struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}
