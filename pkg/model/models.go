package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Post struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	User      string             `bson:"user" json:"user"`
	Content   string             `bson:"content" json:"content"`
	MediaIDs  []string           `bson:"mediaIds" json:"mediaIds"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// PostPage is one page of the recency-sorted post listing. It is the value
// cached under the listing key family.
type PostPage struct {
	Posts       []Post `json:"posts"`
	CurrentPage int64  `json:"currentpage"`
	TotalPages  int64  `json:"totalPages"`
	TotalPosts  int64  `json:"totalPosts"`
}

// SearchPost is the search service's denormalized copy of a post. PostID is
// unique across the collection.
type SearchPost struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	PostID    string             `bson:"postId" json:"postId"`
	UserID    string             `bson:"userId" json:"userId"`
	Content   string             `bson:"content" json:"content"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	IndexedAt time.Time          `bson:"indexedAt" json:"indexedAt"`
	Score     float64            `bson:"score,omitempty" json:"score,omitempty"`
}

type Media struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	PublicID     string             `bson:"publicId" json:"publicId"`
	OriginalName string             `bson:"originalName" json:"originalName"`
	MimeType     string             `bson:"mimeType" json:"mimeType"`
	URL          string             `bson:"url" json:"url"`
	UserID       string             `bson:"userId" json:"userId"`
	CreatedAt    time.Time          `bson:"createdAt" json:"createdAt"`
}

// Blob is the result of storing binary media outside the document store.
type Blob struct {
	ID  string
	URL string
}

type BlobMetadata struct {
	Filename string
	MimeType string
	UserID   string
}
