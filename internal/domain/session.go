package domain

// DefaultDisplayName is shown when the host does not expose a username.
const DefaultDisplayName = "World App User"

// Session is the wallet identity of the current user.
type Session struct {
	Connected   bool   `json:"connected"`
	DisplayName string `json:"displayName,omitempty"`
	Identifier  string `json:"identifier,omitempty"`
}

// Active reports whether the session can be used. A session flagged as
// connected without an identifier is treated as disconnected.
func (s Session) Active() bool {
	return s.Connected && s.Identifier != ""
}
