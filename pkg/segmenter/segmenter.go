package segmenter

import (
	"log/slog"
	"unicode/utf16"
)

const (
	// Max lengths per segment (approximate, depends on exact UDH)
	maxGSM7Single    = 160
	maxGSM7Multipart = 153 // 160 - 7 bytes for UDH
	maxUCS2Single    = 70
	maxUCS2Multipart = 67 // 70 - 3 code units (6 bytes) for UDH
)

// SMPP data_coding values the segmenter distinguishes.
const (
	DataCodingDefault = 0
	DataCodingLatin1  = 3
	DataCodingUCS2    = 8
)

// Coding is the alphabet a message is sent in.
type Coding int

const (
	CodingAuto Coding = iota // pick GSM7 when the content allows it
	CodingGSM7
	CodingUCS2
)

// CodingFor maps a data_coding value to a Coding. Unknown values are
// decided from the content.
func CodingFor(dataCoding int, known bool) Coding {
	if !known {
		return CodingAuto
	}
	switch dataCoding {
	case DataCodingDefault, DataCodingLatin1:
		return CodingGSM7
	case DataCodingUCS2:
		return CodingUCS2
	}
	return CodingAuto
}

// Plan is the result of splitting a message.
type Plan struct {
	Segments []string
	UCS2     bool
}

// Count is the number of submit_sm PDUs the message needs.
func (p Plan) Count() int { return len(p.Segments) }

// Multipart reports whether the message is concatenated.
func (p Plan) Multipart() bool { return len(p.Segments) > 1 }

// DataCoding is the data_coding to send the segments with.
func (p Plan) DataCoding() int {
	if p.UCS2 {
		return DataCodingUCS2
	}
	return DataCodingDefault
}

// isGSM7 checks if a string contains only GSM-7 characters (simplified check).
// Anything outside basic ASCII is treated as requiring UCS2.
func isGSM7(s string) bool {
	for _, r := range s {
		if r > 0x7F {
			return false
		}
	}
	return true
}

// Split cuts content into submit_sm sized segments. An empty message is a
// single empty segment.
func Split(content string, coding Coding) Plan {
	ucs2 := coding == CodingUCS2 || (coding == CodingAuto && !isGSM7(content))
	if content == "" {
		return Plan{Segments: []string{""}, UCS2: ucs2}
	}

	if ucs2 {
		units := utf16.Encode([]rune(content))
		size := maxUCS2Single
		if len(units) > maxUCS2Single {
			size = maxUCS2Multipart
		}
		var segments []string
		for pos := 0; pos < len(units); pos += size {
			end := min(pos+size, len(units))
			segments = append(segments, string(utf16.Decode(units[pos:end])))
		}
		slog.Debug("Segmented message using UCS2", slog.Int("segments", len(segments)), slog.Int("units", len(units)))
		return Plan{Segments: segments, UCS2: true}
	}

	size := maxGSM7Single
	if len(content) > maxGSM7Single {
		size = maxGSM7Multipart
	}
	var segments []string
	for pos := 0; pos < len(content); pos += size {
		end := min(pos+size, len(content))
		segments = append(segments, content[pos:end])
	}
	slog.Debug("Segmented message using GSM7", slog.Int("segments", len(segments)), slog.Int("chars", len(content)))
	return Plan{Segments: segments}
}
