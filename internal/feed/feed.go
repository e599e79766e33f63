// Package feed reads mechanism records from the FACTS Info CSV export or a
// CSD directory document, from a local file, an http(s) endpoint or s3.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/mechanisms"
)

type Format string

const (
	FormatCSV Format = "csv"
	FormatCSD Format = "csd"
)

var (
	ErrUnknownFormat     = errors.New("unknown feed format")
	ErrUnsupportedSource = errors.New("unsupported feed source")
)

const defaultHTTPTimeout = 5 * time.Minute

// Options configures how a feed source is fetched and decoded.
type Options struct {
	// Format overrides detection from the source's extension.
	Format Format

	// Username and Password are sent as basic auth to http(s) sources.
	Username string
	Password string
	Timeout  time.Duration

	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	HTTPClient *http.Client
}

// ParseFormat accepts "", "csv" and "csd"/"xml".
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case "csv", "factsinfo":
		return FormatCSV, nil
	case "csd", "xml":
		return FormatCSD, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

// DetectFormat guesses the format from the source path: .xml is CSD,
// anything else CSV.
func DetectFormat(source string) Format {
	path := source
	if u, err := url.Parse(source); err == nil && u.Scheme != "" {
		path = u.Path
	}
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		return FormatCSD
	}
	return FormatCSV
}

// Load opens source and decodes every record in it.
func Load(ctx context.Context, source string, opts Options, logger *slog.Logger) ([]mechanisms.Record, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	format := opts.Format
	if format == "" {
		format = DetectFormat(source)
	}
	rc, err := Open(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	logging.Action(logger, "reading feed", "source", redact(source), "format", string(format))
	switch format {
	case FormatCSV:
		return ReadCSV(rc, logger)
	case FormatCSD:
		return ReadCSD(rc, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Open returns a reader over source. Accepted sources are a plain path,
// file://, http://, https:// and s3://bucket/key.
func Open(ctx context.Context, source string, opts Options) (io.ReadCloser, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("%w: empty source", ErrUnsupportedSource)
	}
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// No scheme, or a Windows drive letter.
		return os.Open(source)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + path
		}
		return os.Open(path)
	case "http", "https":
		return openHTTP(ctx, u, opts)
	case "s3":
		return openS3(ctx, u, opts)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedSource, u.Scheme)
	}
}

func openHTTP(ctx context.Context, u *url.URL, opts Options) (io.ReadCloser, error) {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if opts.Username != "" {
		req.SetBasicAuth(opts.Username, opts.Password)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", redact(u.String()), err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch feed %s: http %d: %s", redact(u.String()), resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return resp.Body, nil
}

func parseS3(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: s3 source needs s3://bucket/key, got %q", ErrUnsupportedSource, u.String())
	}
	return bucket, key, nil
}

func openS3(ctx context.Context, u *url.URL, opts Options) (io.ReadCloser, error) {
	bucket, key, err := parseS3(u)
	if err != nil {
		return nil, err
	}
	region := opts.S3Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.S3PathStyle {
			o.UsePathStyle = true
		}
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
		}
	})
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// redact drops credentials embedded in a source URL.
func redact(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.User == nil {
		return source
	}
	return u.Redacted()
}
