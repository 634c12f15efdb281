// Package model holds the documents exchanged over the transport: inbound
// preservation and import requests, outbound state responses and the
// shutdown control message.
package model

import (
	"strings"
	"time"
	"unicode"
)

// Checksum is an expected digest supplied by a requester.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// Metadata carries the already-rendered XML sections of an object. URL
// references a metadata document to fetch instead of inline sections.
type Metadata struct {
	Descriptive  string `json:"descriptive,omitempty"`
	Provenance   string `json:"provenance,omitempty"`
	Preservation string `json:"preservation,omitempty"`
	Technical    string `json:"technical,omitempty"`
	URL          string `json:"url,omitempty"`
}

// IsEmpty reports whether no section or reference is present.
func (m Metadata) IsEmpty() bool {
	return m.Descriptive == "" && m.Provenance == "" && m.Preservation == "" && m.Technical == "" && m.URL == ""
}

// ContentFile identifies the payload file of a preservation request. Exactly
// one of Data (base64), Path or URL names the source.
type ContentFile struct {
	Name        string    `json:"name,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Data        string    `json:"data,omitempty"`
	Path        string    `json:"path,omitempty"`
	URL         string    `json:"url,omitempty"`
	Checksum    *Checksum `json:"checksum,omitempty"`
}

// PreservationRequest asks for an object to be packaged and stored.
type PreservationRequest struct {
	ID       string       `json:"id"`
	Profile  string       `json:"profile"`
	Callback string       `json:"callback"`
	Title    string       `json:"title,omitempty"`
	Metadata Metadata     `json:"metadata"`
	Content  *ContentFile `json:"content,omitempty"`
}

// InvalidFields lists the mandatory fields that are empty, and any identifying
// field that carries control characters.
func (r *PreservationRequest) InvalidFields() []string {
	var invalid []string
	invalid = checkField(invalid, "id", r.ID)
	invalid = checkField(invalid, "profile", r.Profile)
	invalid = checkField(invalid, "callback", r.Callback)
	return invalid
}

func checkField(invalid []string, name, value string) []string {
	switch {
	case strings.TrimSpace(value) == "":
		return append(invalid, name)
	case strings.IndexFunc(value, unicode.IsControl) >= 0:
		return append(invalid, name+" (control characters)")
	}
	return invalid
}

// ImportType selects what an import delivers.
type ImportType string

const (
	ImportMetadata ImportType = "METADATA"
	ImportFile     ImportType = "FILE"
)

// ContainerLocator points at one record inside an archived container.
// Offset and Length, when both set, allow a ranged retrieval.
type ContainerLocator struct {
	ContainerID       string    `json:"container_id"`
	RecordID          string    `json:"record_id"`
	Offset            *int64    `json:"offset,omitempty"`
	Length            *int64    `json:"length,omitempty"`
	ContainerChecksum *Checksum `json:"container_checksum,omitempty"`
}

// HasRange reports whether the locator carries a usable byte range.
func (l ContainerLocator) HasRange() bool {
	return l.Offset != nil && l.Length != nil && *l.Offset >= 0 && *l.Length > 0
}

// Security holds the optional constraints of an import request.
type Security struct {
	Checksum    *Checksum  `json:"checksum,omitempty"`
	Token       string     `json:"token,omitempty"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
}

// ImportRequest asks for a record of an archived container to be delivered.
type ImportRequest struct {
	ID          string           `json:"id"`
	Type        ImportType       `json:"type"`
	Profile     string           `json:"profile"`
	DeliveryURL string           `json:"delivery_url"`
	Locator     ContainerLocator `json:"locator"`
	Security    *Security        `json:"security,omitempty"`
}

// InvalidFields lists the mandatory fields that are empty or invalid.
func (r *ImportRequest) InvalidFields() []string {
	var invalid []string
	invalid = checkField(invalid, "id", r.ID)
	switch r.Type {
	case ImportMetadata, ImportFile:
	case "":
		invalid = append(invalid, "type")
	default:
		invalid = append(invalid, "type (METADATA or FILE)")
	}
	invalid = checkField(invalid, "profile", r.Profile)
	invalid = checkField(invalid, "delivery_url", r.DeliveryURL)
	invalid = checkField(invalid, "locator.container_id", r.Locator.ContainerID)
	invalid = checkField(invalid, "locator.record_id", r.Locator.RecordID)
	return invalid
}
