package models

import "time"

// Character is a canonical card character, unique by (name, series).
type Character struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	CreatedAt  time.Time `json:"-"`
	UpdatedAt  time.Time `json:"-"`
	Name       string    `gorm:"size:255;not null;uniqueIndex:idx_character_name_series" json:"name"`
	Series     string    `gorm:"size:255;not null;uniqueIndex:idx_character_name_series" json:"series"`
	Wishlist   *int      `json:"wishlist,omitempty"`
	LastUpdate time.Time `gorm:"index" json:"last_update"`
}

// DroppedCard is one recognized card of a drop. Print and Edition are not read
// from the image yet and are always zero.
type DroppedCard struct {
	Character Character `json:"character"`
	Print     int       `json:"print"`
	Edition   int       `json:"edition"`
	// Resolved reports whether Character came from the store rather than raw OCR text.
	Resolved bool `json:"resolved"`
}
