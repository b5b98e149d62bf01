package models

// AuthRequest is the body for login and signup.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is returned by login and signup.
type AuthResponse struct {
	Token string `json:"token"`
}

// User is the identity bound to outgoing telemetry.
type User struct {
	Username string `json:"username"`
	Token    string `json:"-"`
}
