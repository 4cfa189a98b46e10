package attachment

import (
	"github.com/studyhall/studysync/internal/types"
)

type Action string

const (
	ActionDownload Action = "download"
	ActionOpen     Action = "open"
	ActionPreview  Action = "preview"
)

// View is the render-ready description of one attachment: kind,
// display metadata, resolved URL and the actions the UI may offer.
// One generic attachment component consumes this for every kind.
type View struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Ext     string   `json:"ext"`
	Icon    string   `json:"icon"`
	Color   string   `json:"color"`
	URL     string   `json:"url"`
	Actions []Action `json:"actions"`
}

// Resolve builds the View for f. Inline attachments resolve to a data
// URL; stored ones to the blob store's address.
func Resolve(f *types.Attachment, blobs BlobStore) View {
	kind := Classify(f.ContentType)
	display := kind.Display()

	url := f.Payload
	if f.IsBase64 {
		url = "data:" + f.ContentType + ";base64," + f.Payload
	} else if blobs != nil {
		url = blobs.URL(f.Payload)
	}

	actions := []Action{ActionDownload, ActionOpen}
	if display.Previewable {
		actions = append(actions, ActionPreview)
	}

	return View{
		Name:    f.Name,
		Kind:    kind.String(),
		Ext:     ExtLabel(f.Name, f.ContentType),
		Icon:    display.Icon,
		Color:   display.Color,
		URL:     url,
		Actions: actions,
	}
}
