package backends

import (
	"encoding/base64"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DetectImage sniffs the MIME type of image and rejects anything that is not
// a raster image the upstream services accept.
func DetectImage(image []byte) (string, *Error) {
	if len(image) == 0 {
		return "", Errorf(KindInvalidInput, "empty image")
	}
	mt := mimetype.Detect(image)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", Errorf(KindInvalidInput, "unsupported content type %s", mt.String())
	}
	return mt.String(), nil
}

func encodeImage(image []byte) string {
	return base64.StdEncoding.EncodeToString(image)
}

func dataURI(mime string, image []byte) string {
	return "data:" + mime + ";base64," + encodeImage(image)
}
