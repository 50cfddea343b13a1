package recycle

import (
	"errors"
	"time"

	"github.com/smtnode/smtnode/smt"
)

// ErrNoPolicy is returned by Clean when neither an age nor All was given.
var ErrNoPolicy = errors.New("recycle: clean requires an explicit policy")

// Filter narrows List results. Zero fields do not filter.
type Filter struct {
	// OlderThan keeps entries removed at least this long ago.
	OlderThan time.Duration
	// NewerThan keeps entries removed at most this long ago.
	NewerThan time.Duration
	MinSize   int
	MaxSize   int
	StaleRoot smt.Hash
}

func (f Filter) match(e *Entry, now time.Time) bool {
	age := now.Sub(e.RemovedAt)
	switch {
	case f.OlderThan > 0 && age < f.OlderThan:
		return false
	case f.NewerThan > 0 && age > f.NewerThan:
		return false
	case f.MinSize > 0 && e.Size < f.MinSize:
		return false
	case f.MaxSize > 0 && e.Size > f.MaxSize:
		return false
	case !f.StaleRoot.IsZero() && e.StaleSinceRoot != f.StaleRoot:
		return false
	}
	return true
}

// CleanPolicy selects the entries Clean deletes for good.
type CleanPolicy struct {
	OlderThan time.Duration
	All       bool
}

func (p CleanPolicy) Validate() error {
	if !p.All && p.OlderThan <= 0 {
		return ErrNoPolicy
	}
	return nil
}

// Page is one page of List results.
type Page struct {
	Entries    []*Entry `json:"entries"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}

// Stats summarizes the bin contents.
type Stats struct {
	Count      int       `json:"count"`
	TotalBytes int64     `json:"total_bytes"`
	Oldest     time.Time `json:"oldest,omitempty"`
	Newest     time.Time `json:"newest,omitempty"`
}
