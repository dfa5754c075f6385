// Package event implements the event shaper: it turns a raw Kubernetes
// Event object into a vectorizable envelope. Events carry no dedup state:
// every non-dropped event is vectorized exactly once, on arrival.
package event

import (
	"encoding/json"

	"github.com/clusterlens/streamcore/engine/domain"
)

// Shape converts one Event object's JSON into a point, or reports ok=false
// for an event this pipeline drops (type == "Normal").
func Shape(obj map[string]any) (domain.EventPointMeta, bool) {
	if eventType, _ := obj["type"].(string); eventType == "Normal" {
		return domain.EventPointMeta{}, false
	}

	if metadata, ok := obj["metadata"].(map[string]any); ok {
		delete(metadata, "managedFields")
	}

	apiVersion, _ := obj["apiVersion"].(string)
	message, _ := obj["message"].(string)
	reason, _ := obj["reason"].(string)
	eventType, _ := obj["type"].(string)

	involved := domain.InvolvedObject{}
	if raw, ok := obj["involvedObject"].(map[string]any); ok {
		involved.Kind, _ = raw["kind"].(string)
		involved.UID, _ = raw["uid"].(string)
		involved.Name, _ = raw["name"].(string)
		involved.Namespace, _ = raw["namespace"].(string)
	}

	data, _ := json.Marshal(obj)
	meta := domain.NewEventPointMeta(apiVersion, message, reason, eventType, involved, string(data))
	return meta, true
}
