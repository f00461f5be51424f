package client

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sheerbytes/dcxfer/internal/integrity"
)

// ScenarioSize is the payload size of the two-phase check.
const ScenarioSize = 131072

// Phase is one download of the scenario.
type Phase struct {
	SHA256   string
	CDNParts int
	CDNDC    int
	Elapsed  time.Duration
}

// Report is the outcome of Scenario.
type Report struct {
	Ref    string
	DCID   int
	Size   int
	SHA256 string
	Direct Phase
	CDN    Phase
}

// Scenario uploads size random bytes, locates them by reference and
// downloads them twice. Datacenters that redirect repeated downloads serve
// the second one through a CDN. Both downloads must hash to the uploaded
// digest; a mismatch is an integrity.ErrIntegrity.
func (c *Client) Scenario(ctx context.Context, size int) (Report, error) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return Report{}, fmt.Errorf("scenario: random payload: %w", err)
	}
	want := sha256.Sum256(data)

	media, err := c.Upload(ctx, data)
	if err != nil {
		return Report{}, fmt.Errorf("scenario: upload: %w", err)
	}
	located, err := c.Locate(ctx, media.Ref)
	if err != nil {
		return Report{}, fmt.Errorf("scenario: %w", err)
	}
	rep := Report{Ref: located.Ref, DCID: located.DCID, Size: size, SHA256: hex.EncodeToString(want[:])}

	for i, phase := range []*Phase{&rep.Direct, &rep.CDN} {
		start := time.Now()
		res, err := c.engine.Fetch(ctx, located)
		if err != nil {
			return rep, fmt.Errorf("scenario: download %d: %w", i+1, err)
		}
		got := sha256.Sum256(res.Data)
		*phase = Phase{
			SHA256:   hex.EncodeToString(got[:]),
			CDNParts: res.CDNParts,
			CDNDC:    res.CDNDC,
			Elapsed:  time.Since(start),
		}
		if got != want || len(res.Data) != size {
			return rep, fmt.Errorf("scenario: download %d: %w", i+1, integrity.ErrIntegrity)
		}
		c.logger.Info("scenario download verified", "phase", i+1, "cdn_parts", res.CDNParts, "cdn_dc", res.CDNDC)
	}
	return rep, nil
}
