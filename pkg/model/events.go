package model

import "time"

const (
	RoutingKeyPostCreated = "post.created"
	RoutingKeyPostDeleted = "post.deleted"
)

type PostCreatedEvent struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type PostDeletedEvent struct {
	PostID   string   `json:"postId"`
	UserID   string   `json:"userId"`
	MediaIDs []string `json:"mediaIds"`
}
