package channels

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
)

// MaxThumbnailDimension caps the longest edge of an inline image attachment
// before it is handed to the agent, keeping turn payloads small.
const MaxThumbnailDimension = 768

// FetchImageThumbnail downloads the image at url, downsamples it so its
// longest edge is at most MaxThumbnailDimension, and returns it as a
// data: URL suitable for a ChannelMessage's Metadata. Adapters call this for
// image attachments (Discord/Telegram) before forwarding to the agent.
func FetchImageThumbnail(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build thumbnail request: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20)) // 16MB cap
	if err != nil {
		return "", fmt.Errorf("read attachment body: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode attachment image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > MaxThumbnailDimension || bounds.Dy() > MaxThumbnailDimension {
		img = imaging.Fit(img, MaxThumbnailDimension, MaxThumbnailDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
