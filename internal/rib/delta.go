package rib

import (
	"fmt"
	"strings"

	"github.com/stiltzkin10/bgp-ai-agent/internal/packet"
)

// Updates converts the delta into wire messages: at most one withdrawal
// UPDATE followed by one UPDATE per distinct attribute set, NLRI grouped.
func (d *Delta) Updates() []*packet.Update {
	var updates []*packet.Update
	if len(d.Withdraw) > 0 {
		updates = append(updates, &packet.Update{Withdrawn: d.Withdraw})
	}
	groups := make(map[string]*packet.Update)
	var order []string
	for _, route := range d.Advertise {
		key := attrKey(route)
		update, ok := groups[key]
		if !ok {
			attrs := &packet.PathAttrs{
				Origin:  route.Origin,
				ASPath:  append([]uint16(nil), route.ASPath...),
				NextHop: route.NextHop,
			}
			// A zero MED is indistinguishable from an absent one in the RIB,
			// so zero is never put on the wire.
			if route.MED != 0 {
				med := route.MED
				attrs.MED = &med
			}
			update = &packet.Update{Attrs: attrs}
			groups[key] = update
			order = append(order, key)
		}
		update.NLRI = append(update.NLRI, route.Prefix)
	}
	for _, key := range order {
		updates = append(updates, groups[key])
	}
	return updates
}

// Empty reports whether the delta carries no change.
func (d *Delta) Empty() bool {
	return len(d.Advertise) == 0 && len(d.Withdraw) == 0
}

func (d *Delta) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "delta{peer=%s", d.Peer)
	if len(d.Advertise) > 0 {
		sb.WriteString(" advertise=[")
		for i, route := range d.Advertise {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(route.Prefix.String())
		}
		sb.WriteString("]")
	}
	if len(d.Withdraw) > 0 {
		fmt.Fprintf(&sb, " withdraw=%v", d.Withdraw)
	}
	sb.WriteString("}")
	return sb.String()
}

func attrKey(route *Route) string {
	return fmt.Sprintf("%s|%v|%d|%d", route.NextHop, route.ASPath, route.Origin, route.MED)
}
