// Package resourcegraph mirrors Kubernetes ownerReferences into a Neo4j
// graph (Pod -> ReplicaSet -> Deployment, and similar owner chains), so a
// downstream chat/RAG service can traverse ancestry without re-deriving it
// from raw object JSON. This is additive enrichment fed by the resource
// reconciler; it never blocks or alters the reconciler's own vectorization
// decision.
package resourcegraph

// Node is one Kubernetes object tracked in the ownership graph.
type Node struct {
	Tenant    string `json:"tenant"`
	Kind      string `json:"kind"`
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// ID is the graph node key: (tenant, kind, uid) flattened to a string.
func (n Node) ID() string {
	return n.Tenant + "/" + n.Kind + "/" + n.UID
}

// OwnerEdge is a directed edge from an owned object to its owner, mirroring
// one entry of the object's ownerReferences. The owner's Node may not have
// been observed yet, so only its uid/kind (not its full Node) travel with
// the edge.
type OwnerEdge struct {
	FromID string // owned object's Node.ID()
	ToUID  string
	ToKind string
}
