package model

// Worker is the display profile of a sitter.
type Worker struct {
	ID        string `gorm:"primaryKey;size:64" json:"id"`
	Name      string `gorm:"size:128" json:"name"`
	Phone     string `gorm:"size:32" json:"phone,omitempty"`
	AvatarURL string `gorm:"size:512" json:"avatarUrl,omitempty"`
}
