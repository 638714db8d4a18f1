package model

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// ConversationMessage is one turn half in the append-only log of a document.
type ConversationMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UploadID  string    `gorm:"type:char(36);not null;index:idx_conversation_upload_created,priority:1" json:"upload_id"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Role      Role      `gorm:"size:8;not null" json:"role"`
	CreatedAt time.Time `gorm:"index:idx_conversation_upload_created,priority:2" json:"created_at"`
}

// AnswerContext exists only for ai messages.
// PageNumbers is stored as a JSON array of ints.
type AnswerContext struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	MessageID          uint      `gorm:"not null;uniqueIndex" json:"message_id"`
	PageNumbers        string    `gorm:"type:text;not null" json:"-"`
	StandaloneQuestion string    `gorm:"type:text;not null" json:"standalone_question"`
	CreatedAt          time.Time `json:"created_at"`
}

func (c *AnswerContext) SetPages(pages []int) {
	c.PageNumbers = EncodePages(pages)
}

func EncodePages(pages []int) string {
	if len(pages) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(pages)
	return string(b)
}

func DecodePages(raw string) []int {
	if raw == "" {
		return nil
	}
	var pages []int
	if err := json.Unmarshal([]byte(raw), &pages); err != nil || len(pages) == 0 {
		return nil
	}
	return pages
}

// Turn is the flattened history entry served to clients and held in the cache:
// a message left-joined with its answer context.
type Turn struct {
	Message            string    `json:"message"`
	Role               Role      `json:"type"`
	PageNumbers        []int     `json:"pageNumbers,omitempty"`
	StandaloneQuestion string    `json:"standaloneQuestion,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}
