package models

// ConnectionState is the lifecycle state of the live chat connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Identity is the signed-in user record kept in persisted storage.
type Identity struct {
	UserID int64 `json:"userId"`
}

// LoginResult is returned by the login endpoint.
type LoginResult struct {
	AccessToken string `json:"accessToken"`
	UserID      int64  `json:"userId"`
}
