package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PresignedUpload is the handshake result handed to a client before it
// uploads directly to the object store.
type PresignedUpload struct {
	URL       string `json:"url"`
	Key       string `json:"key"`
	Bucket    string `json:"bucket"`
	ExpiresAt int64  `json:"expiresAt"`
}

// ObjectInfo describes a stored object for upload verification.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

var ErrObjectNotFound = errors.New("objectstore: object not found")

// Store is the external object-store surface the core depends on.
type Store interface {
	PresignUpload(ctx context.Context, key, mimeType string, size int64) (PresignedUpload, error)
	PresignDownload(ctx context.Context, key, filename string) (string, error)
	ObjectURL(key string) string
	Bucket() string
	Head(ctx context.Context, key string) (ObjectInfo, error)
}

// S3Config configures the SigV4 presigner.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	Expiry          time.Duration
	Endpoint        string // override for non-AWS endpoints; empty for AWS
	HTTPClient      *http.Client
	Clock           func() time.Time
}

// S3Store presigns requests against an S3-compatible endpoint using
// query-string SigV4.
type S3Store struct {
	cfg    S3Config
	client *http.Client
	clock  func() time.Time
}

// NewS3Store constructs the presigner.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("objectstore: credentials are required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "ap-northeast-2"
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 5 * time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &S3Store{cfg: cfg, client: client, clock: clock}, nil
}

func (s *S3Store) host() string {
	if s.cfg.Endpoint != "" {
		return strings.TrimPrefix(strings.TrimPrefix(s.cfg.Endpoint, "https://"), "http://")
	}
	return fmt.Sprintf("%s.s3.%s.amazonaws.com", s.cfg.Bucket, s.cfg.Region)
}

func (s *S3Store) scheme() string {
	if strings.HasPrefix(s.cfg.Endpoint, "http://") {
		return "http"
	}
	return "https"
}

func (s *S3Store) objectPath(key string) string {
	if s.cfg.Endpoint != "" {
		return "/" + s.cfg.Bucket + "/" + key
	}
	return "/" + key
}

// ObjectURL returns the unsigned URL of an object.
func (s *S3Store) ObjectURL(key string) string {
	return s.scheme() + "://" + s.host() + s.objectPath(key)
}

// Bucket returns the configured bucket name.
func (s *S3Store) Bucket() string {
	return s.cfg.Bucket
}

// PresignUpload signs a PUT for the object key.
func (s *S3Store) PresignUpload(_ context.Context, key, _ string, _ int64) (PresignedUpload, error) {
	signed, expiresAt, err := s.presign(http.MethodPut, key, nil)
	if err != nil {
		return PresignedUpload{}, err
	}
	return PresignedUpload{
		URL:       signed,
		Key:       key,
		Bucket:    s.cfg.Bucket,
		ExpiresAt: expiresAt,
	}, nil
}

// PresignDownload signs a GET with a content-disposition override so the
// browser saves under the original filename.
func (s *S3Store) PresignDownload(_ context.Context, key, filename string) (string, error) {
	extra := url.Values{}
	if filename != "" {
		extra.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	signed, _, err := s.presign(http.MethodGet, key, extra)
	return signed, err
}

// Head verifies the object exists and reports its size and content type.
func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	signed, _, err := s.presign(http.MethodHead, key, nil)
	if err != nil {
		return ObjectInfo{}, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, signed, nil)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("objectstore: head request: %w", err)
	}
	response, err := s.client.Do(request)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("objectstore: head: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return ObjectInfo{}, ErrObjectNotFound
	}
	if response.StatusCode != http.StatusOK {
		return ObjectInfo{}, fmt.Errorf("objectstore: head status %d", response.StatusCode)
	}
	size, _ := strconv.ParseInt(response.Header.Get("Content-Length"), 10, 64)
	return ObjectInfo{
		Key:         key,
		Size:        size,
		ContentType: response.Header.Get("Content-Type"),
	}, nil
}

// presign builds a query-string SigV4 URL for the method and key.
func (s *S3Store) presign(method, key string, extra url.Values) (string, int64, error) {
	if key == "" {
		return "", 0, errors.New("objectstore: object key is required")
	}
	now := s.clock().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	credentialScope := dateStamp + "/" + s.cfg.Region + "/s3/aws4_request"

	query := url.Values{}
	query.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	query.Set("X-Amz-Credential", s.cfg.AccessKeyID+"/"+credentialScope)
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", strconv.Itoa(int(s.cfg.Expiry.Seconds())))
	query.Set("X-Amz-SignedHeaders", "host")
	for name, values := range extra {
		for _, value := range values {
			query.Add(name, value)
		}
	}

	canonicalURI := s.objectPath(key)
	canonicalQuery := canonicalQueryString(query)
	canonicalHeaders := "host:" + s.host() + "\n"
	canonicalRequest := strings.Join([]string{
		method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders,
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	signingKey := hmacSHA256(
		hmacSHA256(
			hmacSHA256(
				hmacSHA256([]byte("AWS4"+s.cfg.SecretAccessKey), dateStamp),
				s.cfg.Region),
			"s3"),
		"aws4_request")
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	signedURL := s.scheme() + "://" + s.host() + canonicalURI + "?" + canonicalQuery +
		"&X-Amz-Signature=" + signature
	return signedURL, now.Add(s.cfg.Expiry).UnixMilli(), nil
}

func canonicalQueryString(query url.Values) string {
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)
	var parts []string
	for _, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, value := range values {
			parts = append(parts, uriEncode(name)+"="+uriEncode(value))
		}
	}
	return strings.Join(parts, "&")
}

// uriEncode implements the S3 variant of RFC 3986 encoding.
func uriEncode(value string) string {
	var builder strings.Builder
	for _, b := range []byte(value) {
		switch {
		case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9',
			b == '-', b == '.', b == '_', b == '~':
			builder.WriteByte(b)
		default:
			builder.WriteString(fmt.Sprintf("%%%02X", b))
		}
	}
	return builder.String()
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
