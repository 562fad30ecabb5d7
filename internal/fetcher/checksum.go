package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrChecksumUnavailable marks checksum lookups that failed for transport
// reasons. The release itself stays usable, the asset just carries no digest.
var ErrChecksumUnavailable = errors.New("checksum unavailable")

// ChecksumFetcher resolves the sha256 digest published next to an asset.
type ChecksumFetcher interface {
	Checksum(ctx context.Context, asset ReleaseAsset) (string, error)
}

// HTTPChecksumFetcher downloads the ".sha256" sidecar file of an asset.
type HTTPChecksumFetcher struct {
	client *http.Client
}

func NewHTTPChecksumFetcher() *HTTPChecksumFetcher {
	return &HTTPChecksumFetcher{client: &http.Client{Timeout: 10 * time.Second}}
}

// Checksum fetches and parses the sidecar. The expected format is the output
// of "sha256sum -b": one line with the digest and "*<filename>", separated by
// whitespace. A sidecar that exists but does not match the asset is a hard
// error, an unreachable sidecar returns ErrChecksumUnavailable.
func (h *HTTPChecksumFetcher) Checksum(ctx context.Context, asset ReleaseAsset) (string, error) {
	url := asset.DownloadURL + ".sha256"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build checksum request for %s: %w", asset.Name, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch checksum of %s: %w", asset.Name, ErrChecksumUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch checksum of %s: status %d: %w", asset.Name, resp.StatusCode, ErrChecksumUnavailable)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read checksum of %s: %w", asset.Name, ErrChecksumUnavailable)
	}
	return parseChecksum(string(body), asset.Name)
}

func parseChecksum(sidecar, assetName string) (string, error) {
	fields := strings.Fields(sidecar)
	if len(fields) != 2 {
		return "", fmt.Errorf("checksum of %s: expected two fields, got %d", assetName, len(fields))
	}
	name, ok := strings.CutPrefix(fields[1], "*")
	if !ok {
		return "", fmt.Errorf("checksum of %s: filename field %q lacks binary marker", assetName, fields[1])
	}
	if name != assetName {
		return "", fmt.Errorf("checksum names %q, asset is %q", name, assetName)
	}
	return fields[0], nil
}
