// Package attachment classifies message attachments by content type and
// resolves the display metadata and actions available for each kind.
package attachment

import "strings"

type Kind int

const (
	KindOther Kind = iota
	KindImage
	KindPDF
	KindAudio
	KindVideo
	KindArchive
	KindCode
	KindText
	KindDocument
)

var kindNames = map[Kind]string{
	KindOther:    "other",
	KindImage:    "image",
	KindPDF:      "pdf",
	KindAudio:    "audio",
	KindVideo:    "video",
	KindArchive:  "archive",
	KindCode:     "code",
	KindText:     "text",
	KindDocument: "document",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Classify maps a MIME content type onto a Kind. The matching is
// substring-based because upload widgets report inconsistent subtype
// strings for office formats.
func Classify(contentType string) Kind {
	ct := strings.ToLower(contentType)

	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case strings.Contains(ct, "pdf"):
		return KindPDF
	case strings.HasPrefix(ct, "audio/"):
		return KindAudio
	case strings.HasPrefix(ct, "video/"):
		return KindVideo
	case containsAny(ct, "zip", "rar", "tar", "compressed", "7z"):
		return KindArchive
	case containsAny(ct, "javascript", "json", "css", "html", "xml", "x-sh"):
		return KindCode
	case containsAny(ct, "word", "msword", "document", "excel", "spreadsheet", "powerpoint", "presentation"):
		return KindDocument
	case strings.HasPrefix(ct, "text/"):
		return KindText
	default:
		return KindOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Display describes how the UI renders one attachment kind.
type Display struct {
	Icon        string
	Color       string
	Previewable bool
}

// displayTable is the single source of truth for icon, color and
// preview capability per kind. Viewer components consume this instead
// of re-matching content-type strings.
var displayTable = map[Kind]Display{
	KindImage:    {Icon: "file-image", Color: "#3182ce", Previewable: true},
	KindPDF:      {Icon: "file-pdf", Color: "#e53e3e", Previewable: true},
	KindAudio:    {Icon: "file-audio", Color: "#d53f8c", Previewable: true},
	KindVideo:    {Icon: "file-video", Color: "#805ad5", Previewable: false},
	KindArchive:  {Icon: "file-archive", Color: "#718096", Previewable: false},
	KindCode:     {Icon: "file-code", Color: "#2c5282", Previewable: false},
	KindText:     {Icon: "file-alt", Color: "#4a5568", Previewable: true},
	KindDocument: {Icon: "file-word", Color: "#3182ce", Previewable: false},
	KindOther:    {Icon: "file", Color: "#4a5568", Previewable: false},
}

func (k Kind) Display() Display {
	return displayTable[k]
}

// ExtLabel derives a short uppercase extension badge, preferring the
// file name's own extension over a content-type guess.
func ExtLabel(name, contentType string) string {
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		return strings.ToUpper(name[i+1:])
	}

	switch Classify(contentType) {
	case KindPDF:
		return "PDF"
	case KindImage:
		return "IMG"
	case KindAudio:
		return "AUDIO"
	case KindVideo:
		return "VIDEO"
	case KindArchive:
		return "ZIP"
	case KindText:
		return "TXT"
	case KindDocument:
		return "DOC"
	default:
		return "FILE"
	}
}
