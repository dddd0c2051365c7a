package imaging

import (
	exif "github.com/dsoprea/go-exif/v3"
)

// Metadata carries the EXIF fields worth logging for a crawled image. Most
// web images have none; the zero value means nothing was found.
type Metadata struct {
	CameraMake  string
	CameraModel string
	Software    string
	TakenAt     string
	HasGPS      bool
}

// Empty reports whether no metadata was extracted.
func (m Metadata) Empty() bool {
	return m == Metadata{}
}

// ExtractMetadata pulls selected EXIF tags from encoded image bytes. Images
// without an EXIF segment (most PNGs, stripped JPEGs) yield the zero value;
// extraction never fails the caller.
func ExtractMetadata(data []byte) Metadata {
	var meta Metadata

	rawExif, err := exif.SearchAndExtractExif(data)
	if err != nil || rawExif == nil {
		return meta
	}
	entries, _, err := exif.GetFlatExifData(rawExif, nil)
	if err != nil {
		return meta
	}
	for _, entry := range entries {
		switch entry.TagName {
		case "Make":
			meta.CameraMake = entry.Formatted
		case "Model":
			meta.CameraModel = entry.Formatted
		case "Software":
			meta.Software = entry.Formatted
		case "DateTimeOriginal":
			meta.TakenAt = entry.Formatted
		case "GPSLatitude", "GPSLongitude":
			meta.HasGPS = true
		}
	}
	return meta
}
