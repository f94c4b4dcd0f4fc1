package metadata

import (
	"context"
	"time"
)

const streamPageSize = 1000

// ObjectStream is a lazy, finite, non-restartable sequence of object
// pages (spec.md §4.D "Streaming helpers", §9 "Streaming sequences").
// Consumers range over Pages() and may stop early without leaking the
// underlying cursor: the producing goroutine exits as soon as ctx is
// canceled or the consumer stops draining.
type ObjectStream struct {
	pages chan Page
	errc  chan error
}

// Pages returns the channel of pages to range over.
func (st *ObjectStream) Pages() <-chan Page { return st.pages }

// Err returns the terminal error, if any, after Pages() has closed.
func (st *ObjectStream) Err() error {
	select {
	case err := <-st.errc:
		return err
	default:
		return nil
	}
}

// ListObjectsStream streams bucketID's live objects in pages of up to
// 1000, ordered by (name, version) (spec.md §4.D). A non-zero before
// restricts the stream to objects last updated before that time, used
// by the orphan scanner's DB-orphan pass (spec.md §4.I).
func (s *Store) ListObjectsStream(ctx context.Context, bucketID string, before time.Time) *ObjectStream {
	st := &ObjectStream{pages: make(chan Page), errc: make(chan error, 1)}

	go func() {
		defer close(st.pages)

		var cursor *Cursor
		for {
			page, err := s.listObjectsBefore(bucketID, streamPageSize, cursor, before)
			if err != nil {
				select {
				case st.errc <- err:
				default:
				}
				return
			}

			select {
			case st.pages <- page:
			case <-ctx.Done():
				return
			}

			if page.Next == nil {
				return
			}
			cursor = page.Next
		}
	}()

	return st
}
