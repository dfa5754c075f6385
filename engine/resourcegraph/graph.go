package resourcegraph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/clusterlens/streamcore/pkg/repo"
)

// Store owns all graph operations for the resource-ownership graph.
type Store struct {
	driver   neo4j.DriverWithContext
	nodeRepo *repo.Neo4jRepo[Node, string]
}

// New builds a Store over an existing Neo4j driver.
func New(driver neo4j.DriverWithContext) *Store {
	nodeRepo := repo.NewNeo4jRepo[Node, string](driver, "Resource", nodeToMap, nodeFromRecord)
	return &Store{driver: driver, nodeRepo: nodeRepo}
}

// GetNode looks up a single Resource node by its composed (tenant, kind, uid)
// id, for callers that already know the id rather than walking Ancestors.
func (s *Store) GetNode(ctx context.Context, id string) (Node, error) {
	return s.nodeRepo.Get(ctx, id)
}

func nodeToMap(n Node) map[string]any {
	return map[string]any{
		"id":        n.ID(),
		"tenant":    n.Tenant,
		"kind":      n.Kind,
		"uid":       n.UID,
		"name":      n.Name,
		"namespace": n.Namespace,
	}
}

func nodeFromRecord(rec *neo4j.Record) (Node, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Node{}, err
	}
	return nodeFromProps(node.Props), nil
}

// UpsertNode merges a Resource node keyed by (tenant, kind, uid), updating
// its name/namespace if it was already present (e.g. as an owner placeholder
// created before the owner itself was ever observed).
func (s *Store) UpsertNode(ctx context.Context, n Node) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (r:Resource {id: $id})
	           SET r.tenant = $tenant, r.kind = $kind, r.uid = $uid, r.name = $name, r.namespace = $namespace`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"id":        n.ID(),
		"tenant":    n.Tenant,
		"kind":      n.Kind,
		"uid":       n.UID,
		"name":      n.Name,
		"namespace": n.Namespace,
	})
	if err != nil {
		return fmt.Errorf("resourcegraph: upsert node %s: %w", n.ID(), err)
	}
	return nil
}

// UpsertOwnerEdge merges an OWNED_BY edge from owned to an owner placeholder
// node identified by (tenant, owner kind, ownerUID). A placeholder created
// here carries only tenant, kind and uid; its name and namespace are filled
// in if/when it is itself reconciled.
func (s *Store) UpsertOwnerEdge(ctx context.Context, tenant string, owned Node, edge OwnerEdge) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	ownerID := tenant + "/" + edge.ToKind + "/" + edge.ToUID
	cypher := `MERGE (owner:Resource {id: $ownerID})
	           ON CREATE SET owner.tenant = $tenant, owner.kind = $ownerKind, owner.uid = $ownerUID
	           MERGE (owned:Resource {id: $ownedID})
	           MERGE (owned)-[:OWNED_BY]->(owner)`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"ownerID":   ownerID,
		"ownedID":   owned.ID(),
		"tenant":    tenant,
		"ownerKind": edge.ToKind,
		"ownerUID":  edge.ToUID,
	})
	if err != nil {
		return fmt.Errorf("resourcegraph: upsert owner edge %s -> %s: %w", owned.ID(), ownerID, err)
	}
	return nil
}

// Ancestors returns every Resource reachable by following OWNED_BY edges
// from nodeID, up to depth hops (Pod -> ReplicaSet -> Deployment being the
// canonical chain, depth 2 suffices for it).
func (s *Store) Ancestors(ctx context.Context, nodeID string, depth int) ([]Node, error) {
	if depth <= 0 {
		depth = 1
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (start:Resource {id: $id})-[:OWNED_BY*1..%d]->(n:Resource)
		 RETURN DISTINCT n`, depth)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": nodeID})
	if err != nil {
		return nil, fmt.Errorf("resourcegraph: ancestors of %s: %w", nodeID, err)
	}

	var nodes []Node
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, nodeFromProps(node.Props))
	}
	return nodes, nil
}

func nodeFromProps(props map[string]any) Node {
	return Node{
		Tenant:    strProp(props, "tenant"),
		Kind:      strProp(props, "kind"),
		UID:       strProp(props, "uid"),
		Name:      strProp(props, "name"),
		Namespace: strProp(props, "namespace"),
	}
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}
