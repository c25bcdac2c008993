// Package compute turns queue requests into responses by calling out to a
// compute endpoint. It is the daemon's stock Handler; embedders with
// in-process handlers wire their own function instead.
package compute

import (
	"bytes"
	"context"
	"database/sql"
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
	// HeaderRequestID identifies the queue request being computed.
	HeaderRequestID = "Schlange-Request-Id"
	// HeaderResponseCode lets the compute endpoint set the response code
	// explicitly; a 2xx reply without it gets code 0.
	HeaderResponseCode = "Schlange-Response-Code"
)

// HTTPHandler POSTs each request payload to a compute URL and adopts the
// reply body as the response. A non-2xx status fails the handle pass, which
// rolls the whole batch back and leaves the rows claimable.
//
// The handler never touches the queue transaction; remote computation
// cannot participate in it.
type HTTPHandler struct {
	Client *http.Client
	URL    string

	// MaxResponseBytes caps the reply body; zero means 4 MiB.
	MaxResponseBytes int64
}

func NewHTTPHandler(client *http.Client, url string) (*HTTPHandler, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("compute: empty handler url")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPHandler{Client: client, URL: url}, nil
}

// Handle implements the queue.Handler contract.
func (h *HTTPHandler) Handle(ctx context.Context, req queue.Request, _ *sql.Tx) (queue.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(req.Data))
	if err != nil {
		return queue.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set(HeaderRequestID, strconv.FormatInt(req.ID, 10))

	res, err := h.Client.Do(httpReq)
	if err != nil {
		return queue.Response{}, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, res.Body)
		return queue.Response{}, fmt.Errorf("compute endpoint returned status %d for request %d", res.StatusCode, req.ID)
	}

	limit := h.MaxResponseBytes
	if limit <= 0 {
		limit = 4 << 20
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return queue.Response{}, err
	}
	if int64(len(body)) > limit {
		return queue.Response{}, fmt.Errorf("compute response for request %d exceeds %d bytes", req.ID, limit)
	}

	code := int32(0)
	if raw := strings.TrimSpace(res.Header.Get(HeaderResponseCode)); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return queue.Response{}, fmt.Errorf("compute endpoint sent invalid %s %q", HeaderResponseCode, raw)
		}
		code = int32(parsed)
	}

	return queue.Response{Code: code, Data: body}, nil
}
