package models

// MessagePage is one page of conversation history. Page 0 holds the most
// recent messages and messages inside a page are ordered newest-first.
type MessagePage struct {
	Messages   []ChatMessage `json:"messages"`
	PageIndex  int           `json:"pageIndex"`
	TotalPages int           `json:"totalPages"`
}

// HasMore reports whether an older page can still be requested.
func (p MessagePage) HasMore() bool {
	return len(p.Messages) > 0 && p.PageIndex < p.TotalPages-1
}

// Envelope is the response wrapper used by the HTTP API.
type Envelope[T any] struct {
	Data    *T     `json:"data,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Match is a matched pair that owns a conversation.
type Match struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"userId"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
	LastText string `json:"lastMessage,omitempty"`
	Unread   int    `json:"unreadCount"`
}

// UserProfile is the public profile of a user.
type UserProfile struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Age      int      `json:"age,omitempty"`
	Bio      string   `json:"bio,omitempty"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}
