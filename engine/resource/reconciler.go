// Package resource implements the reconciler: it merges an incoming
// Kubernetes Resource/CustomResource record with its cached prior state and
// decides whether the change is worth re-embedding.
package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clusterlens/streamcore/engine/domain"
	"github.com/clusterlens/streamcore/pkg/kv"
)

// notNamespaced is the placeholder namespace for cluster-scoped objects.
const notNamespaced = "not_namespaced"

// Owner is one entry of the object's ownerReferences, surfaced so the
// ownership-graph enrichment can mirror it without re-parsing the object.
type Owner struct {
	Kind string
	UID  string
}

// Result is everything the reconciler decided for one record.
type Result struct {
	Skipped               bool // true for kinds the core reconciler ignores (ReplicaSet)
	Deleted               bool
	DeletedKey            string // derived key to mark-deleted in the vector index, set only when Deleted
	RequiresVectorization bool
	Kind                  string
	Name                  string
	Namespace             string
	UID                   string // the object's own metadata.uid
	Key                   string // derived dedup/state key (resource_uid everywhere downstream)
	Owners                []Owner
	SubDocuments          []domain.ResourcePointMeta
}

// Reconciler merges incoming objects against KV-cached prior state.
type Reconciler struct {
	kv *kv.Store
	db string
}

// New builds a Reconciler over a KV store. db is the namespace prefix
// baked into every state key (`<db>_<tenant>_<kind>_<uid>`).
func New(store *kv.Store, db string) *Reconciler {
	return &Reconciler{kv: store, db: db}
}

// state is what's cached per (tenant, kind, key) in the KV store.
type state struct {
	JSON map[string]any `json:"json"`
}

func (r *Reconciler) stateKey(tenant, kind, key string) string {
	return fmt.Sprintf("%s_%s_%s_%s", r.db, tenant, kind, key)
}

// Reconcile runs one envelope through the reconciler.
func (r *Reconciler) Reconcile(ctx context.Context, tenant string, env domain.KubeApiData) (Result, error) {
	kind, _ := env.JSON["kind"].(string)
	if kind == "ReplicaSet" {
		return Result{Skipped: true}, nil
	}

	metadata, _ := env.JSON["metadata"].(map[string]any)
	if metadata != nil {
		delete(metadata, "managedFields")
	}

	name := strField(metadata, "name")
	uid := strField(metadata, "uid")
	if uid == "" {
		return Result{}, domain.NewMissingFieldError("metadata.uid")
	}
	namespace := strField(metadata, "namespace")
	if namespace == "" {
		namespace = notNamespaced
	}

	owners := ownerReferences(metadata)
	key := deriveKey(kind, uid, owners)

	if env.EventType == domain.EventDelete {
		return Result{
			Deleted:    true,
			DeletedKey: key,
			Kind:       kind,
			Name:       name,
			Namespace:  namespace,
			UID:        uid,
			Key:        key,
		}, nil
	}

	requiresEmbedding := true
	if kind == "Pod" || kind == "Deployment" {
		conditions := decodeConditions(statusConditions(env.JSON))
		requiresEmbedding = hasFalse(conditions)
	}

	requiresVectorization := requiresEmbedding
	if kind == "Pod" || kind == "Deployment" {
		stepResult, err := r.mergeState(ctx, tenant, kind, key, env.JSON)
		if err != nil {
			return Result{}, err
		}
		requiresVectorization = requiresEmbedding && stepResult
	}

	result := Result{
		Kind:      kind,
		Name:      name,
		Namespace: namespace,
		UID:       uid,
		Key:       key,
		Owners:    decodeOwners(owners),
	}
	if !requiresVectorization {
		return result, nil
	}

	result.RequiresVectorization = true
	result.SubDocuments = splitSubDocuments(kind, key, name, namespace, env.JSON)
	return result, nil
}

// mergeState loads previous state for (tenant,kind,key), merges status
// conditions with the incoming object if present, stores the result, and
// reports whether the merge grew the condition count.
func (r *Reconciler) mergeState(ctx context.Context, tenant, kind, key string, incoming map[string]any) (bool, error) {
	stateKey := r.stateKey(tenant, kind, key)

	var previous state
	err := r.kv.Get(ctx, stateKey, &previous)
	switch {
	case err == kv.ErrNotFound:
		if putErr := r.kv.Set(ctx, stateKey, state{JSON: incoming}, 0); putErr != nil {
			return false, putErr
		}
		return true, nil
	case err != nil:
		return false, err
	}

	prevConditions := decodeConditions(statusConditions(previous.JSON))
	currConditions := decodeConditions(statusConditions(incoming))
	merged := mergeConditions(kind, prevConditions, currConditions)

	newState := cloneJSON(incoming)
	status, _ := newState["status"].(map[string]any)
	if status == nil {
		status = map[string]any{}
		newState["status"] = status
	}
	status["conditions"] = conditionsToAny(merged)

	if err := r.kv.Set(ctx, stateKey, state{JSON: newState}, 0); err != nil {
		return false, err
	}
	return len(merged) > len(prevConditions), nil
}

// splitSubDocuments builds up to three vectorisable sub-documents from the
// object: metadata (remainder after spec/status removed, re-attached as a
// minimal stub), spec, and status.
func splitSubDocuments(kind, key, name, namespace string, full map[string]any) []domain.ResourcePointMeta {
	remainder := cloneJSON(full)
	spec, hasSpec := remainder["spec"]
	status, hasStatus := remainder["status"]
	delete(remainder, "spec")
	delete(remainder, "status")
	remainder["spec"] = minimalStub
	remainder["status"] = minimalStub

	var docs []domain.ResourcePointMeta
	docs = append(docs, domain.NewResourcePointMeta(kind, key, name, namespace, mustJSON(remainder), domain.DataTypeMetadata))
	if hasSpec {
		docs = append(docs, domain.NewResourcePointMeta(kind, key, name, namespace, mustJSON(spec), domain.DataTypeSpec))
	}
	if hasStatus {
		docs = append(docs, domain.NewResourcePointMeta(kind, key, name, namespace, mustJSON(status), domain.DataTypeStatus))
	}
	return docs
}

var minimalStub = map[string]any{}

func deriveKey(kind, uid string, owners []map[string]any) string {
	if kind != "Pod" || len(owners) == 0 {
		return uid
	}
	uids := make([]string, 0, len(owners))
	for _, o := range owners {
		if u := strField(o, "uid"); u != "" {
			uids = append(uids, u)
		}
	}
	if len(uids) == 0 {
		return uid
	}
	return strings.Join(uids, "_")
}

func decodeOwners(raw []map[string]any) []Owner {
	owners := make([]Owner, 0, len(raw))
	for _, o := range raw {
		u := strField(o, "uid")
		if u == "" {
			continue
		}
		owners = append(owners, Owner{Kind: strField(o, "kind"), UID: u})
	}
	return owners
}

func ownerReferences(metadata map[string]any) []map[string]any {
	raw, _ := metadata["ownerReferences"].([]any)
	owners := make([]map[string]any, 0, len(raw))
	for _, o := range raw {
		if m, ok := o.(map[string]any); ok {
			owners = append(owners, m)
		}
	}
	return owners
}

func statusConditions(obj map[string]any) []any {
	status, _ := obj["status"].(map[string]any)
	if status == nil {
		return nil
	}
	conds, _ := status["conditions"].([]any)
	return conds
}

func decodeConditions(raw []any) []Condition {
	out := make([]Condition, 0, len(raw))
	for _, r := range raw {
		data, err := json.Marshal(r)
		if err != nil {
			continue
		}
		var c Condition
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func conditionsToAny(conditions []Condition) []any {
	out := make([]any, len(conditions))
	for i, c := range conditions {
		data, _ := json.Marshal(c)
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		out[i] = m
	}
	return out
}

func cloneJSON(m map[string]any) map[string]any {
	data, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func mustJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func strField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
