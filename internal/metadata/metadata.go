// Package metadata renders the metadata documents written into containers:
// the object's metadata wrapper and the preservation event.
package metadata

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"preserve-go/internal/model"
	"preserve-go/internal/pv"
)

const (
	Namespace      = "urn:pv:metadata:1"
	EventNamespace = "urn:pv:event:1"
)

// maxDocumentSize bounds a metadata document fetched by URL.
const maxDocumentSize = 16 << 20

type section struct {
	Inner string `xml:",innerxml"`
}

type document struct {
	XMLName      xml.Name `xml:"preservationMetadata"`
	Xmlns        string   `xml:"xmlns,attr"`
	ObjectID     string   `xml:"objectId,attr"`
	Profile      string   `xml:"profile,attr"`
	Title        string   `xml:"title,omitempty"`
	Descriptive  *section `xml:"descriptive,omitempty"`
	Provenance   *section `xml:"provenance,omitempty"`
	Preservation *section `xml:"preservation,omitempty"`
	Technical    *section `xml:"technical,omitempty"`
}

type event struct {
	XMLName        xml.Name `xml:"event"`
	Xmlns          string   `xml:"xmlns,attr"`
	Identifier     string   `xml:"eventIdentifier"`
	Type           string   `xml:"eventType"`
	DateTime       string   `xml:"eventDateTime"`
	Outcome        string   `xml:"eventOutcome"`
	LinkingObject  string   `xml:"linkingObjectIdentifier"`
	Profile        string   `xml:"profile,omitempty"`
	LinkingPackage string   `xml:"linkingContainerIdentifier,omitempty"`
}

// Renderer wraps the already-rendered sections of a request in one XML
// document. A request whose metadata names a URL gets that document
// verbatim instead.
type Renderer struct {
	client *retryablehttp.Client
	logger pv.Logger
}

var _ pv.MetadataRenderer = (*Renderer)(nil)

func NewRenderer(logger pv.Logger) *Renderer {
	if logger == nil {
		logger = pv.NewNopLogger()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = retryablehttp.LeveledLogger(logger)
	return &Renderer{client: client, logger: logger}
}

func (r *Renderer) Render(ctx context.Context, req *model.PreservationRequest) ([]byte, error) {
	md := req.Metadata
	if md.URL != "" {
		doc, err := r.fetch(ctx, md.URL)
		if err != nil {
			return nil, err
		}
		if err := wellFormed(doc); err != nil {
			return nil, fmt.Errorf("%w: metadata at %s: %v", pv.ErrValidation, md.URL, err)
		}
		return doc, nil
	}

	doc := document{
		Xmlns:    Namespace,
		ObjectID: req.ID,
		Profile:  req.Profile,
		Title:    req.Title,
	}
	sections := []struct {
		name string
		xml  string
		dst  **section
	}{
		{"descriptive", md.Descriptive, &doc.Descriptive},
		{"provenance", md.Provenance, &doc.Provenance},
		{"preservation", md.Preservation, &doc.Preservation},
		{"technical", md.Technical, &doc.Technical},
	}
	for _, s := range sections {
		if strings.TrimSpace(s.xml) == "" {
			continue
		}
		if err := wellFormed([]byte(s.xml)); err != nil {
			return nil, fmt.Errorf("%w: %s metadata: %v", pv.ErrValidation, s.name, err)
		}
		*s.dst = &section{Inner: s.xml}
	}
	return marshal(doc)
}

func (r *Renderer) RenderEvent(ev pv.PreservationEvent) ([]byte, error) {
	return marshal(event{
		Xmlns:          EventNamespace,
		Identifier:     ev.EventID,
		Type:           "preservation",
		DateTime:       ev.Time.UTC().Format(time.RFC3339Nano),
		Outcome:        ev.Outcome,
		LinkingObject:  ev.ObjectID,
		Profile:        ev.Profile,
		LinkingPackage: ev.ContainerID,
	})
}

func (r *Renderer) fetch(ctx context.Context, raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata url: %v", pv.ErrValidation, err)
	}
	switch u.Scheme {
	case "file":
		b, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading metadata: %v", pv.ErrStagingIO, err)
		}
		return b, nil
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported metadata url scheme %q", pv.ErrValidation, u.Scheme)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata url: %v", pv.ErrValidation, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching metadata: %v", pv.ErrStagingIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: fetching metadata %s: %s", pv.ErrStagingIO, raw, resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: fetching metadata: %v", pv.ErrStagingIO, err)
	}
	if len(b) > maxDocumentSize {
		return nil, fmt.Errorf("%w: metadata document at %s exceeds %d bytes", pv.ErrValidation, raw, maxDocumentSize)
	}
	r.logger.Debug("fetched metadata", "url", raw, "bytes", len(b))
	return b, nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// wellFormed reports whether b is a sequence of balanced XML tokens.
func wellFormed(b []byte) error {
	d := xml.NewDecoder(bytes.NewReader(b))
	depth := 0
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if depth != 0 {
		return errors.New("unbalanced elements")
	}
	return nil
}
