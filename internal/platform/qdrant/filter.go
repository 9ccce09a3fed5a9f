package qdrant

const (
	payloadOwnerKey    = "owner_id"
	payloadWidgetKey   = "widget_id"
	payloadDocumentKey = "document_id"
)

// Filter narrows a search, count, or delete to points matching every set
// field (conditions AND together). The zero Filter matches everything.
// Composition policy (which fields to set) belongs to the caller; the store
// is filter-agnostic.
type Filter struct {
	OwnerID    string
	WidgetID   string
	DocumentID string
}

func (f Filter) IsZero() bool {
	return f.OwnerID == "" && f.WidgetID == "" && f.DocumentID == ""
}

func (f Filter) asMap() map[string]any {
	must := make([]any, 0, 3)
	if f.OwnerID != "" {
		must = append(must, matchCondition(payloadOwnerKey, f.OwnerID))
	}
	if f.WidgetID != "" {
		must = append(must, matchCondition(payloadWidgetKey, f.WidgetID))
	}
	if f.DocumentID != "" {
		must = append(must, matchCondition(payloadDocumentKey, f.DocumentID))
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func matchCondition(key string, value any) map[string]any {
	return map[string]any{
		"key": key,
		"match": map[string]any{
			"value": value,
		},
	}
}
