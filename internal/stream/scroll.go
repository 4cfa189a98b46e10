package stream

// DefaultScrollThreshold is the percentage of the scrollable range,
// measured from the bottom, within which an incoming snapshot asks the
// view to follow to the new bottom.
const DefaultScrollThreshold = 30

// ScrollHint tells the view what to do with its scroll position after
// rendering a new snapshot.
type ScrollHint string

const (
	// ScrollKeep leaves the position alone so a reader of history is
	// not interrupted.
	ScrollKeep ScrollHint = ""
	// ScrollBottom follows the conversation to the newest message.
	ScrollBottom ScrollHint = "bottom"
	// ScrollPreserve restores the visual offset after a load-more grew
	// the window above the viewport: top = newHeight - oldHeight.
	ScrollPreserve ScrollHint = "preserve"
)

// ScrollState is the view-reported geometry of the message list.
type ScrollState struct {
	Top      int `json:"top"`
	Height   int `json:"height"`
	Viewport int `json:"viewport"`
}

// NearBottom reports whether the view sits within threshold percent of
// the bottom of its scrollable range. An unscrollable view counts as
// at the bottom.
func (s ScrollState) NearBottom(threshold int) bool {
	scrollable := s.Height - s.Viewport
	if scrollable <= 0 {
		return true
	}

	pct := 100 * s.Top / scrollable
	return pct >= 100-threshold
}

// PreservedTop computes the scroll offset that keeps previously visible
// content in place after the list grew from oldHeight to newHeight.
func PreservedTop(oldHeight, newHeight int) int {
	if newHeight <= oldHeight {
		return 0
	}
	return newHeight - oldHeight
}
