package contracts

import "sort"

// Record is one enumerated data record from a source. Field iteration must
// be sorted for deterministic rendering; use SortedFields.
type Record map[string]string

// SortedFields returns the field names in lexical order.
func (r Record) SortedFields() []string {
	fields := make([]string, 0, len(r))
	for f := range r {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// SourceFindings is everything a single connected source knows about
// the subject.
type SourceFindings struct {
	Source  string   `json:"source"`
	Records []Record `json:"records"`
}

// Findings is the output of the discover stage for one request.
// Sources are kept sorted by name so repeated packaging of the same
// findings yields identical bundles.
type Findings struct {
	RequestID string           `json:"request_id"`
	Sources   []SourceFindings `json:"sources"`
	// Partial is set when one or more sources failed during discovery.
	// The pipeline proceeds to packaging with whatever was found.
	Partial bool     `json:"partial,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Sort orders sources by name in place.
func (f *Findings) Sort() {
	sort.Slice(f.Sources, func(i, j int) bool {
		return f.Sources[i].Source < f.Sources[j].Source
	})
}

// TotalRecords counts records across all sources.
func (f *Findings) TotalRecords() int {
	n := 0
	for _, s := range f.Sources {
		n += len(s.Records)
	}
	return n
}
