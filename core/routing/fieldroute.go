package routing

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/signalcore/substrate/core/corerr"
	"github.com/signalcore/substrate/core/signal"
)

// idFieldCandidates is the naming convention used to recognize an
// id-typed field in a payload when no SchemaRegistry field metadata is
// available. Checked in order; the first present, non-empty field wins.
var idFieldCandidates = []string{"id", "entity_id", "target_id", "aggregate_id"}

// FirstIDField implements spec.md §4.2's default route — "first
// id-typed field of message" — by scanning the payload's raw JSON for a
// field matching the naming convention above. It is the Go-native
// stand-in for schema-driven field discovery: a live SchemaRegistry
// would supply exact field metadata instead.
func FirstIDField(s signal.Signal, env signal.Envelope) ([]string, error) {
	if len(s.Payload.Bytes) == 0 {
		return nil, nil
	}

	for _, field := range idFieldCandidates {
		result := gjson.GetBytes(s.Payload.Bytes, field)
		if result.Exists() && result.String() != "" {
			return []string{result.String()}, nil
		}
	}

	if s.Kind == signal.KindCommand {
		return nil, corerr.New(corerr.CodeRouteFailed,
			fmt.Sprintf("no id-typed field found in payload of class %q", env.MessageClass))
	}
	return nil, nil
}

// WithCustomFields builds a default Func that additionally checks the
// given field names, in order, before falling back to FirstIDField's
// built-in convention.
func WithCustomFields(fields ...string) Func {
	return func(s signal.Signal, env signal.Envelope) ([]string, error) {
		for _, field := range fields {
			result := gjson.GetBytes(s.Payload.Bytes, field)
			if result.Exists() && result.String() != "" {
				return []string{result.String()}, nil
			}
		}
		return FirstIDField(s, env)
	}
}
