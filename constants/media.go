package constants

import "strings"

// DocumentFormats holds the formats the loader can rasterize.
const (
	PDF   = "PDF"
	IMAGE = "IMAGE"
)

// imageMediaTypes holds the image media types the loader can decode.
var imageMediaTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
	"image/gif":  {},
	"image/heic": {},
	"image/heif": {},
}

// NormalizeMediaType lowercases and strips parameters from a media type,
// e.g. "Image/JPEG; charset=binary" -> "image/jpeg".
func NormalizeMediaType(mt string) string {
	mt = strings.TrimSpace(strings.ToLower(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

// MapMediaTypeToFormat maps a declared media type onto a document format.
// Returns "" for anything the loader cannot handle.
func MapMediaTypeToFormat(mt string) string {
	mt = NormalizeMediaType(mt)
	if mt == "application/pdf" {
		return PDF
	}
	if _, ok := imageMediaTypes[mt]; ok {
		return IMAGE
	}
	return ""
}
