package domain

import "time"

type UserRole string

const (
	RoleFounder        UserRole = "founder"
	RoleAdministrateur UserRole = "administrateur"
	RoleModerateur     UserRole = "moderateur"
	RoleCreator        UserRole = "creator"
	RoleMember         UserRole = "member"
)

// MessageTypeText is the only message type produced by the ledger.
const MessageTypeText = "text"

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	ProfileImage string    `json:"profileImage"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Post struct {
	ID            string    `json:"id"`
	AuthorID      string    `json:"authorId"`
	Content       string    `json:"content"`
	Likes         []string  `json:"likes"`
	CommentsCount int64     `json:"commentsCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasLike reports whether userID is in the post's like-set.
func (p Post) HasLike(userID string) bool {
	for _, id := range p.Likes {
		if id == userID {
			return true
		}
	}
	return false
}

type Comment struct {
	ID          string    `json:"id"`
	PostID      string    `json:"postId"`
	AuthorID    string    `json:"authorId"`
	AuthorName  string    `json:"authorName"`
	AuthorImage string    `json:"authorImage"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Product struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	ImageURL string  `json:"imageUrl"`
}

type CartItem struct {
	UserID    string    `json:"userId"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	Title     string    `json:"title"`
	Price     float64   `json:"price"`
	ImageURL  string    `json:"imageUrl"`
	AddedAt   time.Time `json:"addedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Message    string    `json:"message"`
	Type       string    `json:"type"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Settings struct {
	Values    map[string]any `json:"values"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
