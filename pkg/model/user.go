package model

import "time"

// User is a platform account. Agents authenticate with the same mechanism
// using a service account and the "agent" scope.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TokenPair is the credential set issued by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
