package models

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultTokenBudget caps the summed estimated tokens of a moodboard.
const (
	DefaultTokenBudget = 2_000_000
	MinSynopsisLength  = 20
)

var ErrInvalidBrief = errors.New("invalid brief")

type DocumentKind string

const (
	DocumentImage DocumentKind = "image"
	DocumentVideo DocumentKind = "video"
	DocumentAudio DocumentKind = "audio"
	DocumentPDF   DocumentKind = "pdf"
	DocumentText  DocumentKind = "text"
)

// Document is one moodboard entry. Data is only set for uploads that never
// reached blob storage; otherwise URL is the reference to the bytes.
type Document struct {
	Kind            DocumentKind `json:"kind" binding:"required,oneof=image video audio pdf text"`
	Name            string       `json:"name"`
	URL             string       `json:"url"`
	MimeType        string       `json:"mimeType,omitempty"`
	Data            []byte       `json:"data,omitempty"`
	EstimatedTokens int          `json:"estimatedTokens" binding:"gte=0"`
}

type Brief struct {
	ID        string     `json:"briefId"`
	Title     string     `json:"title"`
	Synopsis  string     `json:"synopsis"`
	Moodboard []Document `json:"moodboard"`
}

func (b Brief) TotalTokens() int {
	total := 0
	for _, d := range b.Moodboard {
		total += d.EstimatedTokens
	}
	return total
}

// Validate reports ErrInvalidBrief when the synopsis is too short or the
// moodboard is over budget. A budget <= 0 means DefaultTokenBudget.
func (b Brief) Validate(budget int) error {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(b.Synopsis)); n < MinSynopsisLength {
		return fmt.Errorf("%w: synopsis has %d characters, need at least %d", ErrInvalidBrief, n, MinSynopsisLength)
	}
	if total := b.TotalTokens(); total > budget {
		return fmt.Errorf("%w: moodboard holds %d tokens, budget is %d", ErrInvalidBrief, total, budget)
	}
	for i, d := range b.Moodboard {
		switch d.Kind {
		case DocumentImage, DocumentVideo, DocumentAudio, DocumentPDF, DocumentText:
		default:
			return fmt.Errorf("%w: moodboard[%d] has unknown kind %q", ErrInvalidBrief, i, d.Kind)
		}
		if d.URL == "" && len(d.Data) == 0 {
			return fmt.Errorf("%w: moodboard[%d] has no bytes reference", ErrInvalidBrief, i)
		}
	}
	return nil
}
