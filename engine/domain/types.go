package domain

import (
	"strings"

	"github.com/google/uuid"
)

// EventType is the Kubernetes watch event kind carried on the ingest envelope.
type EventType string

const (
	EventApply     EventType = "Apply"
	EventInitApply EventType = "InitApply"
	EventDelete    EventType = "Delete"
)

// KubeApiData is the wire envelope for Resource/CustomResource/Event
// records. JSON is decoded into a generic map so the reconciler can walk
// arbitrary Kubernetes object shapes without a typed client-go dependency.
// TenantID travels with the envelope (set by the ingest HTTP boundary) so
// a message consumed off a shared partition subject can still be routed to
// the right tenant's KV namespace and vector collection.
type KubeApiData struct {
	TenantID  string         `json:"tenant_id"`
	Timestamp int64          `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	JSON      map[string]any `json:"json"`
}

// LogRecord is a parsed raw log line, immutable after creation.
type LogRecord struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	RecordID  string `json:"record_id"`
}

// NewLogRecord builds a LogRecord, generating a stable record id if none is given.
func NewLogRecord(timestamp int64, message, recordID string) LogRecord {
	if recordID == "" {
		recordID = uuid.NewString()
	}
	return LogRecord{Timestamp: timestamp, Message: message, RecordID: recordID}
}

// PreprocessedLogRecord is a LogRecord plus its ordered token sequence and
// the tenant/key/namespace/container tags carried through from ingest.
type PreprocessedLogRecord struct {
	LogRecord
	PreprocessedMessage []string `json:"preprocessed_message"`
	Length              int      `json:"length"`
	TenantID            string   `json:"tenant_id"`
	Key                 string   `json:"key"`
	Namespace           string   `json:"namespace"`
	Container           string   `json:"container"`
}

// ItemKind distinguishes a fixed token position from a variable one.
type ItemKind uint8

const (
	ItemFix ItemKind = iota
	ItemVar
)

// Item is one position of a Class template: either a fixed token or a
// variable position that narrowed away from disagreeing fixed tokens.
type Item struct {
	Kind ItemKind
	Text string // only meaningful when Kind == ItemFix
}

// Fix constructs a fixed-token item.
func Fix(text string) Item { return Item{Kind: ItemFix, Text: text} }

// Var is the single variable-position item value.
var Var = Item{Kind: ItemVar}

// Mask returns the item's comparable text: the fixed token, or "" for a
// variable position. "" never equals a real token, so Var positions never
// match during similarity comparison.
func (i Item) Mask() string {
	if i.Kind == ItemFix {
		return i.Text
	}
	return ""
}

// Render renders the item for a human-readable class representation.
func (i Item) Render() string {
	if i.Kind == ItemFix {
		return i.Text
	}
	return "<var>"
}

// Class is a log template: an ordered sequence of Items plus
// bookkeeping. Invariant: Length == len(Items); preserved by every mutator
// in this package.
type Class struct {
	Items      []Item `json:"items"`
	Count      uint64 `json:"count"`
	Length     int    `json:"length"`
	ClassID    string `json:"class_id"`
	TokenCount uint64 `json:"token_count"`
	Key        string `json:"key"`
	Namespace  string `json:"namespace"`
	Container  string `json:"container"`
}

// NewClass mints a Class from a preprocessed log record. Every position
// starts Fix; narrowing to Var only happens on disagreement during a
// future classify() call.
func NewClass(log PreprocessedLogRecord) Class {
	items := make([]Item, len(log.PreprocessedMessage))
	for i, tok := range log.PreprocessedMessage {
		items[i] = Fix(tok)
	}
	id, err := uuid.NewV7()
	classID := id.String()
	if err != nil {
		classID = uuid.NewString()
	}
	return Class{
		Items:     items,
		Count:     1,
		Length:    len(items),
		ClassID:   classID,
		Key:       log.Key,
		Namespace: log.Namespace,
		Container: log.Container,
	}
}

// MaskItems returns the class's comparable token sequence: Fix items map to
// their text, Var items map to "".
func (c Class) MaskItems() []string {
	out := make([]string, len(c.Items))
	for i, it := range c.Items {
		out[i] = it.Mask()
	}
	return out
}

// UpdateItems narrows Fix positions that disagree with the incoming tokens
// to Var. Monotone: a position once Var always stays Var, because this
// function never turns a Var back into a Fix. tokens must be the same
// length as c.Items; positions beyond len(tokens) are left untouched.
func (c *Class) UpdateItems(tokens []string) {
	for i := range c.Items {
		if i >= len(tokens) {
			break
		}
		if c.Items[i].Kind == ItemFix && c.Items[i].Text != tokens[i] {
			c.Items[i] = Var
		}
	}
}

// Representation renders the class as fixed tokens verbatim and Var
// positions as "<var>", for storage in the vector index's metadata.
func (c Class) Representation() string {
	parts := make([]string, len(c.Items))
	for i, it := range c.Items {
		parts[i] = it.Render()
	}
	return strings.Join(parts, " ")
}

// VectorPayload is the tiny capability set shared by everything the
// embedding batcher turns into a vector point: a stable id and a flat
// payload map. ClassPointMeta, ResourcePointMeta, and EventPointMeta each implement
// it; there is no need for reflection or a larger interface.
type VectorPayload interface {
	PointID() string
	PayloadData() map[string]any
}

// ResourceDataType names which sub-document of a K8s object a point holds.
type ResourceDataType string

const (
	DataTypeMetadata ResourceDataType = "metadata"
	DataTypeSpec     ResourceDataType = "spec"
	DataTypeStatus   ResourceDataType = "status"
)

// ResourcePointMeta is the vector-index metadata for one resource sub-document.
type ResourcePointMeta struct {
	Kind         string           `json:"kind"`
	QdrantUID    string           `json:"qdrant_uid"`
	ResourceUID  string           `json:"resource_uid"`
	Name         string           `json:"name"`
	Namespace    string           `json:"namespace"`
	Data         string           `json:"data"`
	DataType     ResourceDataType `json:"data_type"`
}

// NewResourcePointMeta builds metadata for a resource sub-document, minting
// a fresh point id distinct from the resource's own (stable) uid.
func NewResourcePointMeta(kind, resourceUID, name, namespace, data string, dataType ResourceDataType) ResourcePointMeta {
	return ResourcePointMeta{
		Kind:        kind,
		QdrantUID:   uuid.NewString(),
		ResourceUID: resourceUID,
		Name:        name,
		Namespace:   namespace,
		Data:        data,
		DataType:    dataType,
	}
}

func (m ResourcePointMeta) PointID() string { return m.QdrantUID }

func (m ResourcePointMeta) PayloadData() map[string]any {
	return map[string]any{
		"kind":         m.Kind,
		"resource_uid": m.ResourceUID,
		"name":         m.Name,
		"namespace":    m.Namespace,
		"data":         m.Data,
		"data_type":    string(m.DataType),
		"deleted":      false,
	}
}

// InvolvedObject identifies the resource an event refers to.
type InvolvedObject struct {
	Kind      string `json:"kind"`
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// EventPointMeta is the vector-index metadata for a shaped K8s event.
type EventPointMeta struct {
	QdrantUID      string         `json:"qdrant_uid"`
	APIVersion     string         `json:"apiversion"`
	Message        string         `json:"message"`
	Reason         string         `json:"reason"`
	EventType      string         `json:"event_type"`
	InvolvedObject InvolvedObject `json:"involvedObject"`
	Data           string         `json:"data"`
}

func NewEventPointMeta(apiVersion, message, reason, eventType string, obj InvolvedObject, data string) EventPointMeta {
	return EventPointMeta{
		QdrantUID:      uuid.NewString(),
		APIVersion:     apiVersion,
		Message:        message,
		Reason:         reason,
		EventType:      eventType,
		InvolvedObject: obj,
		Data:           data,
	}
}

func (m EventPointMeta) PointID() string { return m.QdrantUID }

func (m EventPointMeta) PayloadData() map[string]any {
	return map[string]any{
		"apiversion":               m.APIVersion,
		"message":                  m.Message,
		"reason":                   m.Reason,
		"event_type":               m.EventType,
		"involvedObject_kind":      m.InvolvedObject.Kind,
		"involvedObject_uid":       m.InvolvedObject.UID,
		"involvedObject_name":      m.InvolvedObject.Name,
		"involvedObject_namespace": m.InvolvedObject.Namespace,
		"data":                     m.Data,
		"deleted":                  false,
	}
}

// ClassPointMeta is the vector-index metadata stored with a Class's point.
type ClassPointMeta struct {
	Class          Class  `json:"class"`
	Representation string `json:"representation"`
	TokenCountCut  uint64 `json:"token_count_cut"`
}

func NewClassPointMeta(c Class, tokenCountCut uint64) ClassPointMeta {
	return ClassPointMeta{
		Class:          c,
		Representation: c.Representation(),
		TokenCountCut:  tokenCountCut,
	}
}

// PointID returns the class's own stable ClassID, not a freshly minted id,
// so re-embedding an evolving class (the classifier re-emits it on every
// merge) upserts over the same vector point instead of duplicating it.
func (m ClassPointMeta) PointID() string { return m.Class.ClassID }

func (m ClassPointMeta) PayloadData() map[string]any {
	return map[string]any{
		"class_id":         m.Class.ClassID,
		"length":           m.Class.Length,
		"count":            m.Class.Count,
		"key":              m.Class.Key,
		"namespace":        m.Class.Namespace,
		"container":        m.Class.Container,
		"representation":   m.Representation,
		"token_count":      m.Class.TokenCount,
		"token_count_cut":  m.TokenCountCut,
	}
}
