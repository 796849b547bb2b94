package model

import "time"

// BusinessRecord is the canonical work unit flowing through the pipeline.
// Every field mutation records its originating source in Provenance, so a
// merged golden record can always answer "which source said this".
type BusinessRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zip_code,omitempty"`

	// SourceIDs maps a source system name to that system's identifier
	// for this record (e.g. "salesforce" -> "001xx...").
	SourceIDs map[string]string `json:"source_ids,omitempty"`

	// Provenance maps a field key to the source that contributed its
	// current value.
	Provenance map[string]string `json:"provenance,omitempty"`

	// MergedInto is the survivor's id when this record lost a dedupe
	// merge. Records are never hard-deleted; downstream references
	// resolve through this pointer.
	MergedInto string `json:"merged_into,omitempty"`

	// Revision is bumped on every persisted write and used for
	// optimistic conflict detection on merges.
	Revision int64 `json:"revision"`

	CompletenessScore int       `json:"completeness_score"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// highValueFields lists the attributes counted by Completeness. Order is
// stable so reports are reproducible.
var highValueFields = []string{
	"name", "phone", "email", "website", "street", "city", "state", "zip_code",
}

// HighValueFields returns the field keys counted toward completeness.
func HighValueFields() []string {
	out := make([]string, len(highValueFields))
	copy(out, highValueFields)
	return out
}

// Field returns the value of a high-value field by key.
func (r *BusinessRecord) Field(key string) string {
	switch key {
	case "name":
		return r.Name
	case "phone":
		return r.Phone
	case "email":
		return r.Email
	case "website":
		return r.Website
	case "street":
		return r.Street
	case "city":
		return r.City
	case "state":
		return r.State
	case "zip_code":
		return r.ZipCode
	default:
		return ""
	}
}

// SetField sets a high-value field and tags its provenance. Unknown keys
// are ignored.
func (r *BusinessRecord) SetField(key, value, source string) {
	switch key {
	case "name":
		r.Name = value
	case "phone":
		r.Phone = value
	case "email":
		r.Email = value
	case "website":
		r.Website = value
	case "street":
		r.Street = value
	case "city":
		r.City = value
	case "state":
		r.State = value
	case "zip_code":
		r.ZipCode = value
	default:
		return
	}
	if source != "" {
		if r.Provenance == nil {
			r.Provenance = make(map[string]string)
		}
		r.Provenance[key] = source
	}
}

// Completeness counts the non-empty high-value fields.
func (r *BusinessRecord) Completeness() int {
	n := 0
	for _, key := range highValueFields {
		if r.Field(key) != "" {
			n++
		}
	}
	return n
}

// Merged reports whether this record lost a dedupe merge.
func (r *BusinessRecord) Merged() bool {
	return r.MergedInto != ""
}

// Clone returns a deep copy, including the provenance and source-id maps.
func (r *BusinessRecord) Clone() *BusinessRecord {
	cp := *r
	if r.SourceIDs != nil {
		cp.SourceIDs = make(map[string]string, len(r.SourceIDs))
		for k, v := range r.SourceIDs {
			cp.SourceIDs[k] = v
		}
	}
	if r.Provenance != nil {
		cp.Provenance = make(map[string]string, len(r.Provenance))
		for k, v := range r.Provenance {
			cp.Provenance[k] = v
		}
	}
	return &cp
}
