// Package delivery sends retrieved records to the delivery URL of an import
// request.
package delivery

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"preserve-go/internal/digest"
	"preserve-go/internal/pv"
)

// HeaderChecksum carries the record digest in its "alg:value" label form.
const HeaderChecksum = "X-Pv-Checksum"

// Deliverer PUTs records to http(s) URLs and, when allowed, writes them to
// file:// URLs on the local filesystem.
type Deliverer struct {
	client    *retryablehttp.Client
	allowFile bool
	logger    pv.Logger
}

var _ pv.Deliverer = (*Deliverer)(nil)

// Options configures a Deliverer.
type Options struct {
	Attempts  int
	Timeout   time.Duration
	AllowFile bool
	// RetryWait bounds the pause between attempts.
	RetryWait time.Duration
}

func NewDeliverer(opts Options, logger pv.Logger) *Deliverer {
	if logger == nil {
		logger = pv.NewNopLogger()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	client := retryablehttp.NewClient()
	client.RetryMax = opts.Attempts - 1
	client.RetryWaitMin = opts.RetryWait
	client.RetryWaitMax = 4 * opts.RetryWait
	client.Logger = retryablehttp.LeveledLogger(logger)
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	return &Deliverer{client: client, allowFile: opts.AllowFile, logger: logger}
}

func (d *Deliverer) Deliver(ctx context.Context, target string, r io.Reader, size int64, opts pv.DeliveryOptions) (*pv.DeliveryReceipt, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: delivery url: %v", pv.ErrDelivery, err)
	}
	switch u.Scheme {
	case "http", "https":
		return d.put(ctx, target, r, size, opts)
	case "file":
		if !d.allowFile {
			return nil, fmt.Errorf("%w: file delivery is disabled", pv.ErrDelivery)
		}
		return d.write(u.Path, target, r, size)
	default:
		return nil, fmt.Errorf("%w: unsupported delivery url scheme %q", pv.ErrDelivery, u.Scheme)
	}
}

func (d *Deliverer) put(ctx context.Context, target string, r io.Reader, size int64, opts pv.DeliveryOptions) (*pv.DeliveryReceipt, error) {
	// retryablehttp rewinds io.ReadSeeker bodies between attempts and
	// buffers anything else.
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, target, r)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", pv.ErrDelivery, err)
	}
	req.ContentLength = size
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.Digest.Value != "" {
		req.Header.Set(HeaderChecksum, opts.Digest.String())
		if h := digestHeader(opts.Digest); h != "" {
			req.Header.Set("Digest", h)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: PUT %s: %v", pv.ErrDelivery, target, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: PUT %s: %s", pv.ErrDelivery, target, resp.Status)
	}
	d.logger.Debug("delivered over http", "url", target, "status", resp.Status)
	return &pv.DeliveryReceipt{URL: target, Bytes: size, Status: resp.Status}, nil
}

// write places the record at path through a temp file and rename, so a
// reader never sees a partial file.
func (d *Deliverer) write(path, target string, r io.Reader, size int64) (*pv.DeliveryReceipt, error) {
	if path == "" || strings.HasSuffix(path, "/") {
		return nil, fmt.Errorf("%w: file delivery url %q names no file", pv.ErrDelivery, target)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", pv.ErrDelivery, dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".delivery-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pv.ErrDelivery, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: writing %s: %v", pv.ErrDelivery, path, err)
	}
	if n != size {
		tmp.Close()
		return nil, fmt.Errorf("%w: wrote %d bytes to %s, expected %d", pv.ErrDelivery, n, path, size)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: syncing %s: %v", pv.ErrDelivery, path, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", pv.ErrDelivery, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("%w: %v", pv.ErrDelivery, err)
	}
	d.logger.Debug("delivered to file", "path", path, "bytes", n)
	return &pv.DeliveryReceipt{URL: target, Bytes: n, Status: "written"}, nil
}

// digestHeader renders an RFC 3230 instance digest, or "" for algorithms
// without a registered token.
func digestHeader(d digest.Digest) string {
	var token string
	switch d.Algorithm {
	case digest.MD5:
		token = "MD5"
	case digest.SHA1:
		token = "SHA"
	case digest.SHA256:
		token = "SHA-256"
	case digest.SHA512:
		token = "SHA-512"
	default:
		return ""
	}
	raw, err := d.Decode()
	if err != nil {
		return ""
	}
	return token + "=" + base64.StdEncoding.EncodeToString(raw)
}
