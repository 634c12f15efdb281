package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"preserve-go/internal/pv"
)

// Delivery is one call seen by RecordingDeliverer.
type Delivery struct {
	URL  string
	Data []byte
	Opts pv.DeliveryOptions
}

// RecordingDeliverer keeps deliveries in memory. Err, when set, fails every
// call with it wrapped in ErrDelivery.
type RecordingDeliverer struct {
	mu         sync.Mutex
	Err        error
	deliveries []Delivery
}

var _ pv.Deliverer = (*RecordingDeliverer)(nil)

func (d *RecordingDeliverer) Deliver(_ context.Context, url string, r io.Reader, size int64, opts pv.DeliveryOptions) (*pv.DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, fmt.Errorf("%w: %v", pv.ErrDelivery, d.Err)
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pv.ErrDelivery, err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: read %d bytes, expected %d", pv.ErrDelivery, n, size)
	}
	d.deliveries = append(d.deliveries, Delivery{URL: url, Data: buf.Bytes(), Opts: opts})
	return &pv.DeliveryReceipt{URL: url, Bytes: n, Status: "recorded"}, nil
}

func (d *RecordingDeliverer) Deliveries() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Delivery(nil), d.deliveries...)
}
