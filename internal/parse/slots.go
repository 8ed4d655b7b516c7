package parse

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"winedispense-backend/internal/model"
	"winedispense-backend/internal/store"
)

var slotKeyRe = regexp.MustCompile(`^bottles\[(\d+)\]\[bottle_id\]$`)

// SlotPlan reads the bulk slot form, whose fields look like
// bottles[<slot>][bottle_id]=<id>. An empty value clears the slot.
// Unrelated fields are ignored.
func SlotPlan(form url.Values) (store.SlotPlan, error) {
	plan := make(store.SlotPlan)
	for key, values := range form {
		m := slotKeyRe.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		slot, err := strconv.Atoi(m[1])
		if err != nil || !model.ValidSlotNumber(slot) {
			return nil, fmt.Errorf("slot %q is outside 0..%d", m[1], model.SlotCount-1)
		}
		if len(values) > 1 {
			return nil, fmt.Errorf("slot %d is listed more than once", slot)
		}

		raw := ""
		if len(values) == 1 {
			raw = strings.TrimSpace(values[0])
		}
		if raw == "" {
			plan[slot] = nil
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("slot %d: %q is not a bottle id", slot, raw)
		}
		plan[slot] = &id
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("no bottles[<slot>][bottle_id] fields in form")
	}
	return plan, nil
}
