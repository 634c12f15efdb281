package pv

import (
	"context"
	"io"
	"time"

	"preserve-go/internal/digest"
	"preserve-go/internal/model"
)

// PreservationEvent is the provenance record written alongside a package.
type PreservationEvent struct {
	EventID     string
	ObjectID    string
	Profile     string
	ContainerID string
	Time        time.Time
	Outcome     string
}

// MetadataRenderer supplies the metadata bytes the packager writes verbatim.
type MetadataRenderer interface {
	// Render returns the object's metadata document.
	Render(ctx context.Context, req *model.PreservationRequest) ([]byte, error)

	// RenderEvent returns the preservation event document.
	RenderEvent(ev PreservationEvent) ([]byte, error)
}

// DeliveryOptions carries what a delivery target needs besides the bytes.
type DeliveryOptions struct {
	ContentType string
	Token       string
	Digest      digest.Digest
}

// DeliveryReceipt confirms a completed delivery.
type DeliveryReceipt struct {
	URL    string
	Bytes  int64
	Status string
}

// Deliverer sends import results to a delivery URL. Failures wrap ErrDelivery.
type Deliverer interface {
	Deliver(ctx context.Context, url string, r io.Reader, size int64, opts DeliveryOptions) (*DeliveryReceipt, error)
}

// TokenVerifier checks the security constraints of an import request.
// Failures wrap ErrValidation.
type TokenVerifier interface {
	Verify(sec *model.Security, now time.Time) error
}
