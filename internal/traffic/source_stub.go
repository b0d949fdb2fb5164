//go:build !linux

package traffic

import (
	"context"
	"errors"
)

// NetlinkSource is only available on Linux.
type NetlinkSource struct {
	Exclude []string
}

func (s *NetlinkSource) Counters(ctx context.Context) (Counters, error) {
	return Counters{}, errors.New("interface counters are not supported on this platform")
}
