package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
)

const dataURIPrefix = "data:image/jpeg;base64,"

// encodeDataURI encodes img as a JPEG data URI
func encodeDataURI(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("failed to encode frame: %w", err)
	}

	out := make([]byte, len(dataURIPrefix)+base64.StdEncoding.EncodedLen(buf.Len()))
	copy(out, dataURIPrefix)
	base64.StdEncoding.Encode(out[len(dataURIPrefix):], buf.Bytes())
	return string(out), nil
}
