package telemetry

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/grafana/pyroscope-go"
)

// Profiling label keys
const (
	ProfileLabelTenantID  = "tenant_id"
	ProfileLabelOperation = "operation"
)

// maxProfileLabelLength bounds label values kept on profiles
const maxProfileLabelLength = 64

// unboundedProfileLabels are never attached to profiles; one series per
// document or submission would swamp the profiler.
var unboundedProfileLabels = map[string]bool{
	"document_id": true,
	"track_id":    true,
	"folio":       true,
	"trace_id":    true,
}

// WithProfileLabels runs fn with labels attached to every sample it records.
// Empty and unbounded labels are dropped.
func WithProfileLabels(ctx context.Context, labels map[string]string, fn func(context.Context)) {
	pairs := profileLabelPairs(labels)
	if len(pairs) == 0 {
		fn(ctx)
		return
	}
	pyroscope.TagWrapper(ctx, pyroscope.Labels(pairs...), fn)
}

// ProfileTenantOperation runs fn labelled with the tenant and operation
func ProfileTenantOperation(ctx context.Context, tenantID uuid.UUID, operation string, fn func(context.Context)) {
	labels := map[string]string{ProfileLabelOperation: operation}
	if tenantID != uuid.Nil {
		labels[ProfileLabelTenantID] = tenantID.String()
	}
	WithProfileLabels(ctx, labels, fn)
}

func profileLabelPairs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		key := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		value := labels[k]
		if key == "" || value == "" || unboundedProfileLabels[key] {
			continue
		}
		if len(value) > maxProfileLabelLength {
			value = value[:maxProfileLabelLength]
		}
		pairs = append(pairs, key, value)
	}
	return pairs
}
