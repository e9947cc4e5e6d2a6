// Package note defines the note record shared by the local cache, the remote
// store and the synchronizer.
package note

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record does not exist locally or remotely.
	ErrNotFound = errors.New("note not found")
	// ErrInvalid is returned when a record fails validation.
	ErrInvalid = errors.New("invalid note")
)

// Record is the unit of persisted knowledge. The JSON form is the local cache
// format and the remote wire format.
type Record struct {
	LocalID   string   `json:"localId"`
	RemoteID  string   `json:"remoteId,omitempty"`
	OwnerID   string   `json:"ownerId,omitempty"`
	Topic     string   `json:"topic"`
	Content   string   `json:"content"`
	CreatedAt int64    `json:"createdAt"`
	SyncedAt  int64    `json:"syncedAt,omitempty"`
	IsSaved   bool     `json:"isSaved"`
	ImageURI  string   `json:"imageUri,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	KeyPoints []string `json:"keyPoints,omitempty"`
	Source    string   `json:"source,omitempty"`
	Language  string   `json:"language,omitempty"`
}

// Options carries the optional fields accepted when a record is created.
type Options struct {
	ImageURI  string
	Summary   string
	KeyPoints []string
	Source    string
	Language  string
}

// New builds a local-only record with a fresh LocalID. ownerID may be empty
// when nobody is signed in.
func New(topic, content string, opts Options, ownerID string, now time.Time) (Record, error) {
	r := Record{
		LocalID:   uuid.New().String(),
		OwnerID:   ownerID,
		Topic:     topic,
		Content:   content,
		CreatedAt: Millis(now),
		ImageURI:  opts.ImageURI,
		Summary:   opts.Summary,
		KeyPoints: normalizeKeyPoints(opts.KeyPoints),
		Source:    opts.Source,
		Language:  opts.Language,
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Validate checks the record invariants.
func (r Record) Validate() error {
	if r.LocalID == "" {
		return fmt.Errorf("%w: local id is required", ErrInvalid)
	}
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalid)
	}
	if r.RemoteID != "" && r.OwnerID == "" {
		return fmt.Errorf("%w: record %s has a remote id but no owner", ErrInvalid, r.LocalID)
	}
	return nil
}

// IsLocalOnly reports whether the record has never been written remotely.
func (r Record) IsLocalOnly() bool {
	return r.RemoteID == ""
}

// Clone returns a copy that shares no slices with r.
func (r Record) Clone() Record {
	if r.KeyPoints != nil {
		r.KeyPoints = append([]string(nil), r.KeyPoints...)
	}
	return r
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// SortNewestFirst orders records by CreatedAt descending. Records with equal
// timestamps keep their relative order.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})
}

// IsNewestFirst reports whether records are ordered by CreatedAt descending.
func IsNewestFirst(records []Record) bool {
	for i := 1; i < len(records); i++ {
		if records[i].CreatedAt > records[i-1].CreatedAt {
			return false
		}
	}
	return true
}

// IndexOf returns the position of the record with localID, or -1.
func IndexOf(records []Record, localID string) int {
	for i := range records {
		if records[i].LocalID == localID {
			return i
		}
	}
	return -1
}

// Dedupe drops every record whose LocalID already appeared earlier in the
// slice, so callers put the authoritative copies first.
func Dedupe(records []Record) []Record {
	seen := make(map[string]struct{}, len(records))
	out := records[:0]
	for _, r := range records {
		if _, ok := seen[r.LocalID]; ok {
			continue
		}
		seen[r.LocalID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// CloneAll deep-copies a collection.
func CloneAll(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

func normalizeKeyPoints(points []string) []string {
	if len(points) == 0 {
		return nil
	}
	return append([]string(nil), points...)
}
