// Package download fetches the BIOS images the director deploys, from a URL or a local file.
package download

import (
	"context"
	"crypto/md5" // nolint:gosec // md5 is the digest published with the images
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

var (
	downloadRetryDelay = 4 * time.Second
	// allow upto 5 minutes of timeout for downloading over slow connections
	downloadClientTimeout = 300 * time.Second

	// BIOS images are small XML documents
	maxImageSize int64 = 16 << 20

	ErrDownload = errors.New("error downloading file")
	ErrChecksum = errors.New("error validating file checksum")
	ErrFormat   = errors.New("bad checksum format")
)

// Image returns the content at source, an http(s) URL or a local path, validated against
// checksum when one is given.
func Image(ctx context.Context, source, checksum string) (string, error) {
	var data []byte
	var err error

	if u, perr := url.Parse(source); perr == nil && (u.Scheme == "http" || u.Scheme == "https") {
		data, err = fromURL(ctx, source)
	} else {
		data, err = fromFile(source)
	}

	if err != nil {
		return "", err
	}

	if checksum != "" {
		if err := ChecksumValidate(data, checksum); err != nil {
			return "", errors.Wrap(err, source)
		}
	}

	return string(data), nil
}

func fromFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(ErrDownload, err.Error())
	}

	defer f.Close()

	return readLimited(f, path)
}

func fromURL(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(ErrDownload, err.Error())
	}

	requestRetryable, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, errors.Wrap(ErrDownload, err.Error())
	}

	client := retryablehttp.NewClient()
	client.RetryWaitMin = downloadRetryDelay
	client.Logger = nil
	client.HTTPClient.Timeout = downloadClientTimeout

	resp, err := client.Do(requestRetryable)
	if err != nil {
		return nil, errors.Wrap(ErrDownload, err.Error())
	}
	defer resp.Body.Close()

	// Check server response
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrap(ErrDownload, fmt.Sprintf("URL: %s, status code %s", fileURL, resp.Status))
	}

	return readLimited(resp.Body, fileURL)
}

func readLimited(r io.Reader, source string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImageSize+1))
	if err != nil {
		return nil, errors.Wrap(ErrDownload, err.Error())
	}

	if int64(len(data)) > maxImageSize {
		return nil, errors.Wrap(ErrDownload, fmt.Sprintf("%s is larger than %d bytes", source, maxImageSize))
	}

	return data, nil
}

// ChecksumValidate checks data against checksum, given as "md5sum:<hex>", "sha256:<hex>"
// or a bare md5 hex digest.
func ChecksumValidate(data []byte, checksum string) error {
	// no checksum prefix, default to md5sum
	if !strings.Contains(checksum, ":") {
		return validate(md5.New(), data, checksum) // nolint:gosec // see import
	}

	parts := strings.Split(checksum, ":")
	if len(parts) != 2 {
		return errors.Wrap(ErrFormat, "invalid checksum: "+checksum)
	}

	switch parts[0] {
	case "md5sum":
		return validate(md5.New(), data, parts[1]) // nolint:gosec // see import
	case "sha256":
		return validate(sha256.New(), data, parts[1])
	default:
		return errors.Wrap(ErrFormat, "unsupported digest: "+parts[0])
	}
}

func validate(h hash.Hash, data []byte, expected string) error {
	_, _ = h.Write(data)

	calculated := fmt.Sprintf("%x", h.Sum(nil))
	if !strings.EqualFold(expected, calculated) {
		return errors.Wrap(ErrChecksum, fmt.Sprintf("expected: %s, got: %s", expected, calculated))
	}

	return nil
}
