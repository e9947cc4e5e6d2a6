package note

import (
	"fmt"
	"strings"
)

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Topic     *string   `json:"topic,omitempty"`
	Content   *string   `json:"content,omitempty"`
	IsSaved   *bool     `json:"isSaved,omitempty"`
	ImageURI  *string   `json:"imageUri,omitempty"`
	Summary   *string   `json:"summary,omitempty"`
	KeyPoints *[]string `json:"keyPoints,omitempty"`
	Source    *string   `json:"source,omitempty"`
	Language  *string   `json:"language,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Topic == nil && p.Content == nil && p.IsSaved == nil &&
		p.ImageURI == nil && p.Summary == nil && p.KeyPoints == nil &&
		p.Source == nil && p.Language == nil
}

// Validate rejects patches that would break record invariants.
func (p Patch) Validate() error {
	if p.Topic != nil && strings.TrimSpace(*p.Topic) == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalid)
	}
	return nil
}

// Apply returns r with the patch fields set. Identity fields and CreatedAt
// are never touched.
func (p Patch) Apply(r Record) Record {
	r = r.Clone()
	if p.Topic != nil {
		r.Topic = *p.Topic
	}
	if p.Content != nil {
		r.Content = *p.Content
	}
	if p.IsSaved != nil {
		r.IsSaved = *p.IsSaved
	}
	if p.ImageURI != nil {
		r.ImageURI = *p.ImageURI
	}
	if p.Summary != nil {
		r.Summary = *p.Summary
	}
	if p.KeyPoints != nil {
		r.KeyPoints = normalizeKeyPoints(*p.KeyPoints)
	}
	if p.Source != nil {
		r.Source = *p.Source
	}
	if p.Language != nil {
		r.Language = *p.Language
	}
	return r
}

// SavedPatch builds a patch that only sets IsSaved.
func SavedPatch(saved bool) Patch {
	return Patch{IsSaved: &saved}
}
