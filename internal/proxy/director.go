package proxy

import (
	"sync"

	"github.com/coldbrook/crawlgate/internal/kernel"
)

// Director hands out egress endpoints for a tier, rotating round-robin within
// the tier's list. An empty list means direct egress for that tier, which is
// always the case for TierDirect.
type Director struct {
	mu          sync.Mutex
	datacenter  []string
	residential []string
	dcIdx       int
	resIdx      int
}

// NewDirector builds a Director from the per-tier endpoint lists.
func NewDirector(datacenter, residential []string) *Director {
	return &Director{
		datacenter:  append([]string(nil), datacenter...),
		residential: append([]string(nil), residential...),
	}
}

// Endpoint returns the proxy URL to use for the tier, or "" for direct
// egress.
func (d *Director) Endpoint(tier kernel.ProxyTier) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch tier {
	case kernel.TierDatacenter:
		if len(d.datacenter) == 0 {
			return ""
		}
		url := d.datacenter[d.dcIdx%len(d.datacenter)]
		d.dcIdx++
		return url
	case kernel.TierResidential:
		if len(d.residential) == 0 {
			return ""
		}
		url := d.residential[d.resIdx%len(d.residential)]
		d.resIdx++
		return url
	default:
		return ""
	}
}
