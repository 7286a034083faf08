package bridge

import (
	"bytes"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

// maxImageDim is the largest edge accepted before an inbound image is
// downscaled. Provider originals regularly exceed what session runners
// accept as input.
const maxImageDim = 2048

// NormalizeImage downscales an inbound image so neither edge exceeds
// maxImageDim, re-encoding as JPEG. Non-image payloads and images already
// within bounds pass through untouched.
func NormalizeImage(att Attachment) Attachment {
	if !strings.HasPrefix(att.MimeType, "image/") || strings.Contains(att.MimeType, "gif") {
		return att
	}
	img, _, err := image.Decode(bytes.NewReader(att.Data))
	if err != nil {
		return att
	}
	b := img.Bounds()
	if b.Dx() <= maxImageDim && b.Dy() <= maxImageDim {
		return att
	}

	resized := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return att
	}
	att.Data = buf.Bytes()
	att.MimeType = "image/jpeg"
	if i := strings.LastIndexByte(att.Name, '.'); i > 0 {
		att.Name = att.Name[:i] + ".jpg"
	}
	return att
}
