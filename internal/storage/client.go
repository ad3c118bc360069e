// Package storage talks to the object-storage provider: it authorizes the
// account, acquires short-lived upload sessions and uploads byte buffers
// with integrity verification and a bounded retry.
package storage

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coursekit/thumbnail-worker/internal/signing"
)

const defaultAuthURL = "https://api.backblazeb2.com/b2api/v2/b2_authorize_account"

// ErrMissingCredentials reports that the client was constructed without a
// complete key pair or bucket. Raised before any network call is made.
var ErrMissingCredentials = errors.New("storage: missing credentials or bucket id")

// Config carries the provider credentials and the retry policy.
type Config struct {
	KeyID    string
	AppKey   string
	BucketID string

	// AuthURL overrides the account-authorization endpoint, mainly for tests.
	AuthURL string

	// MaxRetries is the number of times a failed upload is retried after a
	// session refresh. The reference behavior is exactly one.
	MaxRetries int

	HTTPClient *http.Client
}

// UploadSession is the short-lived endpoint/token pair the provider hands
// out for uploads. It is held by the owning client and refreshed after a
// failed upload attempt.
type UploadSession struct {
	UploadURL string
	Token     string
}

type authState struct {
	Token  string
	APIURL string
}

// Client is owned by a single worker goroutine; its cached auth and session
// state is never accessed concurrently.
type Client struct {
	keyID      string
	appKey     string
	bucketID   string
	authURL    string
	maxRetries int
	httpc      *http.Client

	auth    *authState
	session *UploadSession
}

func New(cfg Config) (*Client, error) {
	if cfg.KeyID == "" || cfg.AppKey == "" || cfg.BucketID == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		keyID:      cfg.KeyID,
		appKey:     cfg.AppKey,
		bucketID:   cfg.BucketID,
		authURL:    cfg.AuthURL,
		maxRetries: cfg.MaxRetries,
		httpc:      cfg.HTTPClient,
	}, nil
}

// Authorize exchanges the key pair for a bearer token and API base URL and
// caches both for the lifetime of the client.
func (c *Client) Authorize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authURL, nil)
	if err != nil {
		return fmt.Errorf("build authorize request: %w", err)
	}
	req.SetBasicAuth(c.keyID, c.appKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("authorize account: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authorize account: %s", readAPIError(resp))
	}

	var body struct {
		AuthorizationToken string `json:"authorizationToken"`
		APIURL             string `json:"apiUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode authorize response: %w", err)
	}

	c.auth = &authState{Token: body.AuthorizationToken, APIURL: body.APIURL}
	return nil
}

// uploadSession returns the cached session, obtaining one (and authorizing
// first if needed) when none is held.
func (c *Client) uploadSession(ctx context.Context) (*UploadSession, error) {
	if c.session != nil {
		return c.session, nil
	}
	if c.auth == nil {
		if err := c.Authorize(ctx); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(map[string]string{"bucketId": c.bucketID})
	if err != nil {
		return nil, fmt.Errorf("marshal upload url request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.auth.APIURL+"/b2api/v2/b2_get_upload_url", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build upload url request: %w", err)
	}
	req.Header.Set("Authorization", c.auth.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get upload url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get upload url: %s", readAPIError(resp))
	}

	var body struct {
		UploadURL          string `json:"uploadUrl"`
		AuthorizationToken string `json:"authorizationToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode upload url response: %w", err)
	}

	c.session = &UploadSession{UploadURL: body.UploadURL, Token: body.AuthorizationToken}
	return c.session, nil
}

// Upload stores data under fileName and returns the private reference
// "private:<file-id>:/<fileName>". A failed attempt drops the cached
// session, fetches a fresh one and retries the identical upload; the retry
// budget is Config.MaxRetries.
func (c *Client) Upload(ctx context.Context, data []byte, fileName string) (string, error) {
	digest := sha1.Sum(data)
	sum := hex.EncodeToString(digest[:])

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.session = nil
		}
		session, err := c.uploadSession(ctx)
		if err != nil {
			return "", err
		}

		fileID, err := c.put(ctx, session, data, fileName, sum)
		if err == nil {
			return signing.EncodePrivateRef(fileID, "/"+fileName), nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("upload %s: %w", fileName, lastErr)
}

func (c *Client) put(ctx context.Context, session *UploadSession, data []byte, fileName, sha1sum string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, session.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", session.Token)
	req.Header.Set("X-Bz-File-Name", encodeFileName(fileName))
	req.Header.Set("X-Bz-Content-Sha1", sha1sum)
	req.Header.Set("Content-Type", "b2/x-auto")
	req.ContentLength = int64(len(data))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload file: %s", readAPIError(resp))
	}

	var body struct {
		FileID string `json:"fileId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return body.FileID, nil
}

// encodeFileName percent-encodes each path segment, keeping the slashes the
// provider uses as folder separators.
func encodeFileName(name string) string {
	segments := strings.Split(name, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func readAPIError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, msg)
}
