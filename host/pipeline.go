package host

import (
	"fmt"

	"github.com/ardnew/sdhci/pkg"
)

// PrepareRequest maps the data buffers of req ahead of submission so the
// mapping overlaps the request in flight. Only one request may be staged.
// It does nothing for requests without data or on a PIO-only host.
func (h *Host) PrepareRequest(req *Request) error {
	if req == nil || req.Data == nil || !h.dmaCapable {
		return nil
	}
	d := req.Data
	if d.cookie != cookieUnmapped {
		return nil
	}

	h.nextMutex.Lock()
	defer h.nextMutex.Unlock()
	if h.next != nil && h.next != req {
		return fmt.Errorf("%w: another request is staged", pkg.ErrBusy)
	}
	segs, err := h.dma.Map(d.Bufs, d.direction())
	if err != nil {
		return err
	}
	d.segs = segs
	d.cookie = cookiePreMapped
	h.next = req
	return nil
}

// UnprepareRequest releases a mapping made by PrepareRequest. It must be
// called after the request completed, or instead of submitting it.
func (h *Host) UnprepareRequest(req *Request) {
	if req == nil || req.Data == nil {
		return
	}
	h.nextMutex.Lock()
	defer h.nextMutex.Unlock()
	if h.next == req {
		h.next = nil
	}
	d := req.Data
	if d.cookie != cookiePreMapped {
		return
	}
	h.dma.Unmap(d.segs, d.direction())
	d.segs = nil
	d.cookie = cookieUnmapped
}

// claimStaged takes req off the staging slot when it is submitted.
func (h *Host) claimStaged(req *Request) {
	h.nextMutex.Lock()
	defer h.nextMutex.Unlock()
	if h.next == req {
		h.next = nil
	}
}
