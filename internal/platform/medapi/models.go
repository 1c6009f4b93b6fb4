package medapi

import "encoding/json"

// Address is a postal address shared by organizations, facilities and patients.
type Address struct {
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state"`
	Zip          string `json:"zip"`
	Country      string `json:"country,omitempty"`
}

// Organization is the account-level entity that owns facilities.
type Organization struct {
	ID       string  `json:"id,omitempty"`
	OID      string  `json:"oid,omitempty"`
	ETag     string  `json:"eTag,omitempty"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Location Address `json:"location"`
}

// Facility is a care site patients are registered at.
type Facility struct {
	ID      string  `json:"id,omitempty"`
	OID     string  `json:"oid,omitempty"`
	ETag    string  `json:"eTag,omitempty"`
	Name    string  `json:"name"`
	NPI     string  `json:"npi"`
	TIN     string  `json:"tin,omitempty"`
	Active  *bool   `json:"active,omitempty"`
	Address Address `json:"address"`
}

// PersonalIdentifier is a government identifier attached to a patient.
type PersonalIdentifier struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	State  string `json:"state,omitempty"`
	Period *struct {
		Start string `json:"start,omitempty"`
		End   string `json:"end,omitempty"`
	} `json:"period,omitempty"`
}

// Contact is a phone/email pair.
type Contact struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Patient is a person whose records can be queried.
type Patient struct {
	ID                  string               `json:"id,omitempty"`
	ETag                string               `json:"eTag,omitempty"`
	FacilityIDs         []string             `json:"facilityIds,omitempty"`
	ExternalID          string               `json:"externalId,omitempty"`
	FirstName           string               `json:"firstName"`
	LastName            string               `json:"lastName"`
	DOB                 string               `json:"dob"`
	GenderAtBirth       string               `json:"genderAtBirth"`
	PersonalIdentifiers []PersonalIdentifier `json:"personalIdentifiers,omitempty"`
	Address             []Address            `json:"address"`
	Contact             []Contact            `json:"contact,omitempty"`
}

// Progress is the remote job's counters for one phase of a document query.
type Progress struct {
	Status     string `json:"status"`
	Total      int    `json:"total,omitempty"`
	Successful int    `json:"successful,omitempty"`
	Errors     int    `json:"errors,omitempty"`
}

// DocumentQuery is the state of a patient's document query.
type DocumentQuery struct {
	RequestID string    `json:"requestId,omitempty"`
	Download  *Progress `json:"download,omitempty"`
	Convert   *Progress `json:"convert,omitempty"`
}

// Document is the subset of a FHIR DocumentReference the dashboard lists.
// Raw keeps the full resource for callers that need more.
type Document struct {
	ID          string          `json:"id"`
	FileName    string          `json:"fileName"`
	Description string          `json:"description,omitempty"`
	Type        json.RawMessage `json:"type,omitempty"`
	Date        string          `json:"date,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full resource in Raw.
func (d *Document) UnmarshalJSON(b []byte) error {
	type alias Document
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*d = Document(a)
	d.Raw = append(json.RawMessage(nil), b...)
	if d.FileName == "" {
		d.FileName = fileNameFromContent(b)
	}
	return nil
}

func fileNameFromContent(b []byte) string {
	var ref struct {
		Content []struct {
			Attachment struct {
				Title string `json:"title"`
			} `json:"attachment"`
		} `json:"content"`
	}
	if err := json.Unmarshal(b, &ref); err != nil || len(ref.Content) == 0 {
		return ""
	}
	return ref.Content[0].Attachment.Title
}

// DocumentFilters narrows ListDocuments. Empty fields are omitted.
type DocumentFilters struct {
	DateFrom string
	DateTo   string
	Content  string
}

// DocumentURL is a pre-signed download location.
type DocumentURL struct {
	URL string `json:"url"`
}

// ConsolidatedQuery is the state of a consolidated FHIR data query.
type ConsolidatedQuery struct {
	RequestID string `json:"requestId,omitempty"`
	Status    string `json:"status"`
	Resources string `json:"resources,omitempty"`
	DateFrom  string `json:"dateFrom,omitempty"`
	DateTo    string `json:"dateTo,omitempty"`
}

// ConsolidatedCount is the number of FHIR resources per type for a patient.
type ConsolidatedCount struct {
	Total     int            `json:"total"`
	Resources map[string]int `json:"resources"`
}
