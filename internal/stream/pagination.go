package stream

// Paginator grows a stream's page bound on demand. It is the only
// component that re-issues the subscription with a larger limit.
type Paginator struct {
	stream   *MessageStream
	pageSize int
}

func NewPaginator(s *MessageStream) *Paginator {
	return &Paginator{stream: s, pageSize: s.pageSize}
}

// CanLoadMore reports whether history may extend beyond the current
// window: once the live result count drops below the requested bound,
// the history is exhausted.
func (p *Paginator) CanLoadMore() bool {
	return p.stream.LiveCount() >= p.stream.Limit()
}

// LoadMore grows the bound by one page and re-opens the subscription.
// When the window already shows fewer messages than the bound allows it
// is a no-op, so repeated calls against exhausted history neither
// duplicate entries nor re-subscribe. Returns whether a larger window
// was requested.
func (p *Paginator) LoadMore() (bool, error) {
	if !p.CanLoadMore() {
		return false, nil
	}

	next := p.stream.Limit() + p.pageSize
	if err := p.stream.resubscribe(next); err != nil {
		return false, err
	}
	return true, nil
}
