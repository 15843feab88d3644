package federation

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Caller is the subset of Client the joiner needs.
type Caller interface {
	Call(ctx context.Context, service, operation string, params map[string]string, body any, opts Options) (json.RawMessage, error)
}

// Relation describes how remote records R attach to local records T.
type Relation[T, R any] struct {
	Service   string
	Operation string

	// ForeignKey extracts the key of t to look up remotely. Empty means none.
	ForeignKey func(t T) string
	// JoinKey extracts the key a remote record groups under.
	JoinKey func(r R) string
	// Attach returns t carrying its matched group (possibly empty).
	Attach func(t T, group []R) T
}

// Join enriches items with remote records in a single batched call. The
// result has one entry per input entry, in input order. When no item has a
// foreign key no call is made; when the call fails every item gets an empty
// group.
func Join[T, R any](ctx context.Context, c Caller, items []T, rel Relation[T, R]) []T {
	out := make([]T, len(items))

	keys := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		k := rel.ForeignKey(item)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	groups := map[string][]R{}
	if len(keys) > 0 {
		remote, err := fetch[R](ctx, c, rel.Service, rel.Operation, keys)
		if err != nil {
			slog.Warn("join degraded to empty relation",
				"service", rel.Service, "operation", rel.Operation, "keys", len(keys), "error", err)
		}
		for _, r := range remote {
			k := rel.JoinKey(r)
			groups[k] = append(groups[k], r)
		}
	}

	for i, item := range items {
		var group []R
		if k := rel.ForeignKey(item); k != "" {
			group = groups[k]
		}
		if group == nil {
			group = []R{}
		}
		out[i] = rel.Attach(item, group)
	}
	return out
}

func fetch[R any](ctx context.Context, c Caller, service, operation string, keys []string) ([]R, error) {
	data, err := c.Call(ctx, service, operation, nil, IDs{IDs: keys}, Internal)
	if err != nil {
		return nil, err
	}
	var remote []R
	if len(data) > 0 {
		if err := json.Unmarshal(data, &remote); err != nil {
			return nil, err
		}
	}
	return remote, nil
}
