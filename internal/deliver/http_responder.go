// Package deliver ships queue responses to external sinks. Its responders
// plug into the queue engine as the delivery callback; the queue guarantees
// at-least-once invocation, so sinks are expected to deduplicate by request
// ID.
package deliver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/schlange/internal/queue"
)

const (
	// HeaderRequestID carries the queue request ID so sinks can deduplicate
	// redeliveries.
	HeaderRequestID = "Schlange-Request-Id"
	// HeaderResponseCode carries the embedder's response code.
	HeaderResponseCode = "Schlange-Response-Code"

	defaultSignatureHeader = "Schlange-Signature"
	defaultTimestampHeader = "Schlange-Timestamp"
)

// HTTPResponder POSTs each response payload to a fixed sink URL. A non-2xx
// status is a delivery failure, which keeps the row claimable for a later
// respond pass.
type HTTPResponder struct {
	Client *http.Client
	URL    string

	// Secret enables HMAC-SHA256 signing of the body. Empty disables it.
	Secret          []byte
	SignatureHeader string
	TimestampHeader string

	Now func() time.Time
}

func NewHTTPResponder(client *http.Client, url string) (*HTTPResponder, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("deliver: empty sink url")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPResponder{
		Client:          client,
		URL:             url,
		SignatureHeader: defaultSignatureHeader,
		TimestampHeader: defaultTimestampHeader,
		Now:             time.Now,
	}, nil
}

// Respond implements the queue.Responder contract.
func (d *HTTPResponder) Respond(ctx context.Context, requestID int64, resp queue.Response) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(resp.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderRequestID, strconv.FormatInt(requestID, 10))
	req.Header.Set(HeaderResponseCode, strconv.FormatInt(int64(resp.Code), 10))
	if err := d.sign(req, resp.Data); err != nil {
		return err
	}

	res, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("sink returned status %d for request %d", res.StatusCode, requestID)
	}
	return nil
}

// sign sets the timestamp and signature headers over the canonical string
// METHOD\nPATH\nTIMESTAMP\nhex(sha256(body)).
func (d *HTTPResponder) sign(req *http.Request, body []byte) error {
	if len(d.Secret) == 0 {
		return nil
	}
	signatureHeader := strings.TrimSpace(d.SignatureHeader)
	timestampHeader := strings.TrimSpace(d.TimestampHeader)
	if signatureHeader == "" || timestampHeader == "" {
		return errors.New("deliver: signing headers are not configured")
	}

	nowFn := d.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	timestamp := strconv.FormatInt(nowFn().UTC().Unix(), 10)

	bodyHash := sha256.Sum256(body)
	reqPath := req.URL.EscapedPath()
	if reqPath == "" {
		reqPath = "/"
	}
	canonical := strings.ToUpper(req.Method) + "\n" + reqPath + "\n" + timestamp + "\n" + hex.EncodeToString(bodyHash[:])
	mac := hmac.New(sha256.New, d.Secret)
	_, _ = mac.Write([]byte(canonical))

	req.Header.Set(timestampHeader, timestamp)
	req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	return nil
}
