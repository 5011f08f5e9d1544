package models

import "encoding/json"

// RawRecord is one upstream record exactly as returned by the API.
// It only lives long enough to be normalized.
type RawRecord struct {
	Resource ResourceType
	ID       string
	Payload  json.RawMessage // the full item object, attributes and relationships included
}

// RawPage is one page of upstream results.
type RawPage struct {
	Resource ResourceType
	Records  []RawRecord
	Limit    int
	Offset   int
	Total    int // upstream-reported total; 0 when the endpoint does not report one
}

// NextOffset is the offset the page after this one starts at.
func (p *RawPage) NextOffset() int { return p.Offset + len(p.Records) }

// Last reports whether this page is the final one for its resource.
func (p *RawPage) Last() bool {
	if len(p.Records) == 0 {
		return true
	}
	return p.Total > 0 && p.NextOffset() >= p.Total
}
