//go:build linux

package traffic

import (
	"context"
	"fmt"
	"sort"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
)

// NetlinkSource sums link statistics of every interface via netlink. Link
// speeds come from ethtool when the driver reports them.
type NetlinkSource struct {
	// Exclude lists interface names left out of the totals.
	Exclude []string
}

func (s *NetlinkSource) Counters(ctx context.Context) (Counters, error) {
	if err := ctx.Err(); err != nil {
		return Counters{}, err
	}
	links, err := netlink.LinkList()
	if err != nil {
		return Counters{}, fmt.Errorf("failed to list links: %w", err)
	}

	skip := make(map[string]bool, len(s.Exclude))
	for _, name := range s.Exclude {
		skip[name] = true
	}

	var et *ethtool.Ethtool
	if h, err := ethtool.NewEthtool(); err == nil {
		et = h
		defer et.Close()
	}

	var c Counters
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || attrs.Statistics == nil || skip[attrs.Name] {
			continue
		}
		ic := InterfaceCounters{
			Name:    attrs.Name,
			RxBytes: attrs.Statistics.RxBytes,
			TxBytes: attrs.Statistics.TxBytes,
		}
		if et != nil {
			if settings, err := et.GetLinkSettings(attrs.Name); err == nil && settings.Speed != ^uint32(0) {
				ic.SpeedMbps = settings.Speed
			}
		}
		c.RxBytes += ic.RxBytes
		c.TxBytes += ic.TxBytes
		c.Interfaces = append(c.Interfaces, ic)
	}
	sort.Slice(c.Interfaces, func(i, j int) bool { return c.Interfaces[i].Name < c.Interfaces[j].Name })
	return c, nil
}
