package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxFailedReason is the size of the failed_reason column.
const MaxFailedReason = 255

// DropScan records one analyzed drop image. Failed scans are kept so they can be reviewed.
type DropScan struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DropID    string `gorm:"size:36;uniqueIndex;not null"`
	Source    string `gorm:"size:512"` // file path or attachment URL
	SlotCount int
	Resolved  int // slots matched against the store
	// Mark scan as failed (do not delete record so an admin can review)
	Failed       bool   `gorm:"default:false;index"`
	FailedReason string `gorm:"size:255"`
}

// Fail marks the scan failed with err as its reason. The reason is made valid
// UTF-8 and cut on a rune boundary to fit the column.
func (s *DropScan) Fail(err error) {
	s.Failed = true
	s.FailedReason = truncateRunes(strings.ToValidUTF8(err.Error(), "?"), MaxFailedReason)
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	i := max
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
