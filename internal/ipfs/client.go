// Package ipfs is a minimal client for the add endpoint of an IPFS daemon's
// HTTP API. It classifies failures into retryable (daemon unreachable or
// overloaded) and fatal (daemon refused or answered nonsense).
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/Lllllllleong/documentledger/internal/models"
)

// Client talks to one IPFS daemon.
type Client struct {
	apiURL string
	client *http.Client
	pin    bool
}

// Config configures the daemon client.
type Config struct {
	APIURL  string
	Timeout time.Duration
	Pin     bool
}

// NewClient creates a client for the daemon at cfg.APIURL.
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = "http://127.0.0.1:5001"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		client: &http.Client{Timeout: cfg.Timeout},
		pin:    cfg.Pin,
	}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

type errorResponse struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

// Add uploads data as a single file and returns the CID the daemon assigns.
// Errors are marked ErrContentStoreUnavailable or ErrContentStoreRejected.
func (c *Client) Add(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "build multipart body"), models.ErrContentStoreRejected)
	}
	if _, err := part.Write(data); err != nil {
		return "", errors.Mark(errors.Wrap(err, "build multipart body"), models.ErrContentStoreRejected)
	}
	if err := mw.Close(); err != nil {
		return "", errors.Mark(errors.Wrap(err, "build multipart body"), models.ErrContentStoreRejected)
	}

	url := c.apiURL + "/api/v0/add?cid-version=1"
	if c.pin {
		url += "&pin=true"
	} else {
		url += "&pin=false"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "build add request"), models.ErrContentStoreRejected)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "ipfs add"), models.ErrContentStoreUnavailable)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "read ipfs add response"), models.ErrContentStoreUnavailable)
	}

	if resp.StatusCode != http.StatusOK {
		cause := errors.Newf("ipfs add failed: %s", resp.Status)
		var apiErr errorResponse
		daemonAnswered := json.Unmarshal(payload, &apiErr) == nil && apiErr.Message != ""
		if daemonAnswered {
			cause = errors.Newf("ipfs add failed: %s: %s", resp.Status, apiErr.Message)
		}
		if retryableStatus(resp.StatusCode, daemonAnswered) {
			return "", errors.Mark(cause, models.ErrContentStoreUnavailable)
		}
		return "", errors.Mark(cause, models.ErrContentStoreRejected)
	}

	// The daemon streams one JSON object per added entry; the file is the last.
	var last addResponse
	dec := json.NewDecoder(bytes.NewReader(payload))
	for {
		var entry addResponse
		if err := dec.Decode(&entry); err == io.EOF {
			break
		} else if err != nil {
			return "", errors.Mark(errors.Wrap(err, "parse ipfs add response"), models.ErrContentStoreRejected)
		}
		last = entry
	}
	if last.Hash == "" {
		return "", errors.Mark(errors.New("ipfs add response has no Hash field"), models.ErrContentStoreRejected)
	}
	return last.Hash, nil
}

// retryableStatus classifies a non-200 answer. The daemon reports request
// errors as a 500 carrying its JSON error object; any other 5xx came from
// something in front of it or from a daemon in trouble.
func retryableStatus(code int, daemonAnswered bool) bool {
	switch {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusInternalServerError:
		return !daemonAnswered
	case code >= 500:
		return true
	}
	return false
}
