package model

import "time"

// CollectedRecord is one fetched and normalized product page.
// Fields the page did not carry stay at their zero value.
type CollectedRecord struct {
	Locator     string            `json:"locator"`
	ASIN        string            `json:"asin,omitempty"`
	Title       string            `json:"title,omitempty"`
	Brand       string            `json:"brand,omitempty"`
	Price       *float64          `json:"price,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Features    []string          `json:"features,omitempty"`
	Reviews     []string          `json:"reviews,omitempty"`
	Rating      *float64          `json:"rating,omitempty"`
	ReviewCount *int              `json:"reviewCount,omitempty"`
	Category    string            `json:"category,omitempty"`
	IsSubject   bool              `json:"isSubject"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	FetchedAt   time.Time         `json:"fetchedAt"`
}

// Usable reports whether the record may feed downstream analysis.
func (r *CollectedRecord) Usable() bool {
	return r != nil && r.Success
}

// UsableRecords filters out failed fetches.
func UsableRecords(records []CollectedRecord) []CollectedRecord {
	out := make([]CollectedRecord, 0, len(records))
	for _, r := range records {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}
