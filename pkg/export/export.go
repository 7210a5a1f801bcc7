// Package export renders ledger trails for compliance audits.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/medifleet/dispatch/core/ledger"
)

// WriteJSON writes the audit trail to w in JSON format.
func WriteJSON(w io.Writer, events []ledger.Event) error {
	enc := json.NewEncoder(w)
	return enc.Encode(events)
}

// WriteCSV writes the audit trail to w as CSV. Detail fields are flattened
// into key=value pairs so the row stays greppable.
func WriteCSV(w io.Writer, events []ledger.Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "delivery_id", "kind", "timestamp", "actor", "detail", "corrects_id"}); err != nil {
		return err
	}
	for _, e := range events {
		rec := []string{
			e.ID,
			e.DeliveryID,
			string(e.Kind),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Actor,
			flattenDetail(e.Detail),
			e.CorrectsID,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func flattenDetail(detail map[string]string) string {
	if len(detail) == 0 {
		return ""
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+detail[k])
	}
	return strings.Join(parts, ";")
}
