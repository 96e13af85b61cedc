package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	DisplayName  string `gorm:"not null"`
	ProfileImage string
	Role         string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type PostModel struct {
	ID            string `gorm:"primaryKey"`
	AuthorID      string `gorm:"not null;index"`
	Content       string `gorm:"type:text"`
	CommentsCount int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

// PostLikeModel holds one member of a post's like-set.
type PostLikeModel struct {
	PostID    string    `gorm:"primaryKey"`
	UserID    string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

type CommentModel struct {
	ID          string `gorm:"primaryKey"`
	PostID      string `gorm:"not null;index"`
	AuthorID    string `gorm:"not null"`
	AuthorName  string
	AuthorImage string
	Content     string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

type ProductModel struct {
	ID        string  `gorm:"primaryKey"`
	Title     string  `gorm:"not null"`
	Price     float64 `gorm:"not null"`
	ImageURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CartItemModel struct {
	UserID    string `gorm:"primaryKey"`
	ProductID string `gorm:"primaryKey"`
	Quantity  int    `gorm:"not null"`
	Title     string
	Price     float64
	ImageURL  string
	AddedAt   time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type NotificationModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	Type      string
	Content   string
	IsRead    bool      `gorm:"not null;default:false;index"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID         string    `gorm:"primaryKey"`
	SenderID   string    `gorm:"not null;index"`
	ReceiverID string    `gorm:"not null;index"`
	Message    string    `gorm:"type:text;not null"`
	Type       string    `gorm:"not null"`
	IsRead     bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

type SettingsModel struct {
	ID        string         `gorm:"primaryKey"`
	Values    datatypes.JSON `gorm:"type:jsonb"`
	UpdatedBy string
	UpdatedAt time.Time
}
