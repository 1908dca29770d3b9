package orchestrator

import (
	"context"
	"time"

	"github.com/rescale/rescale-int/internal/codec"
	"github.com/rescale/rescale-int/internal/constants"
	"github.com/rescale/rescale-int/internal/events"
	"github.com/rescale/rescale-int/internal/httpclient"
	"github.com/rescale/rescale-int/internal/planner"
)

// DownloadSegment implements scheduler.Downloader: builds the Range
// request, enforces the TTFB deadline, and on success persists the
// ciphertext to the Resume Store (spec §4.5).
func (o *Orchestrator) DownloadSegment(ctx context.Context, seg *planner.Segment) error {
	o.mu.Lock()
	url, err := o.man.ResolvedURL()
	headers := o.man.Headers
	method := o.man.Method
	o.mu.Unlock()
	if err != nil {
		return err
	}

	ttfb := clampDuration(
		time.Duration(o.settings.TTFBTimeoutSeconds)*time.Second,
		constants.MinTTFBTimeoutSeconds*time.Second,
		constants.MaxTTFBTimeoutSeconds*time.Second,
	)

	underlyingTo := seg.Mapping.UnderlyingOffset + seg.Mapping.UnderlyingLimit - 1
	body, _, err := o.rangeClient.Fetch(ctx, httpclient.Request{
		Method:         method,
		URL:            url,
		Headers:        headers,
		UnderlyingFrom: seg.Mapping.UnderlyingOffset,
		UnderlyingTo:   underlyingTo,
		TTFBTimeout:    ttfb,
	})
	if err != nil {
		return err
	}

	if o.man.Mode == codec.ModePlain && int64(len(body)) > seg.Length {
		overfetch := int64(len(body)) - seg.Length
		body = body[:seg.Length]
		o.mu.Lock()
		o.progress.rollback(overfetch)
		o.mu.Unlock()
	}

	seg.Cipher = body

	o.mu.Lock()
	o.progress.onSegmentDone(seg, o.man.Mode)
	o.mu.Unlock()

	if err := o.store.PutSegment(o.key, seg.Index, o.planMeta.Signature(), body); err != nil && o.logger != nil {
		o.logger.Logf(events.WarnLevel, o.key, err, "failed to persist segment %d to resume store", seg.Index)
	}

	return nil
}

func (o *Orchestrator) isZeroNonce() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, b := range o.baseNonce {
		if b != 0 {
			return false
		}
	}
	return true
}

// fetchBaseNonce reads just the file header bytes so the decrypt pool's
// workers can be initialized once with the correct base nonce, per spec
// §4.7 ("each worker is initialized once with ... base nonce").
func (o *Orchestrator) fetchBaseNonce(ctx context.Context) error {
	o.mu.Lock()
	url, err := o.man.ResolvedURL()
	headers := o.man.Headers
	method := o.man.Method
	o.mu.Unlock()
	if err != nil {
		return err
	}

	ttfb := clampDuration(
		time.Duration(o.settings.TTFBTimeoutSeconds)*time.Second,
		constants.MinTTFBTimeoutSeconds*time.Second,
		constants.MaxTTFBTimeoutSeconds*time.Second,
	)

	body, _, err := o.rangeClient.Fetch(ctx, httpclient.Request{
		Method:         method,
		URL:            url,
		Headers:        headers,
		UnderlyingFrom: 0,
		UnderlyingTo:   int64(constants.FileHeaderSize) - 1,
		TTFBTimeout:    ttfb,
	})
	if err != nil {
		return err
	}
	h, err := codec.ParseCryptHeader(body)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.baseNonce = h.BaseNonce
	o.mu.Unlock()
	return nil
}
