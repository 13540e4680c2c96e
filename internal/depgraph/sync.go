package depgraph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// SyncToMemgraph pushes one template's dependency graph to Memgraph
// for interactive exploration. Existing nodes for the same stack are
// replaced so repeated syncs stay idempotent.
func SyncToMemgraph(ctx context.Context, g *Graph, driver neo4j.DriverWithContext, stackName string, logger *slog.Logger) error {
	session := driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	logger.Info("clearing previous graph", "stack", stackName)
	_, err := session.Run(ctx,
		"MATCH (n:Resource {stack: $stack}) DETACH DELETE n",
		map[string]any{"stack": stackName})
	if err != nil {
		return fmt.Errorf("clearing memgraph: %w", err)
	}

	for _, cypher := range []string{
		"CREATE INDEX ON :Resource(id)",
		"CREATE INDEX ON :Resource(stack)",
	} {
		if _, err := session.Run(ctx, cypher, nil); err != nil {
			logger.Warn("creating index (may already exist)", "error", err)
		}
	}

	logger.Info("syncing nodes to memgraph", "count", len(g.Nodes))
	nodeParams := make([]map[string]any, 0, len(g.Nodes)+1)
	for _, n := range g.Nodes {
		nodeParams = append(nodeParams, map[string]any{"id": n, "stack": stackName})
	}
	if len(g.DanglingReferences()) > 0 {
		nodeParams = append(nodeParams, map[string]any{"id": DanglingTarget, "stack": stackName})
	}
	_, err = session.Run(ctx, `
		UNWIND $nodes AS n
		CREATE (:Resource {id: n.id, stack: n.stack})
	`, map[string]any{"nodes": nodeParams})
	if err != nil {
		return fmt.Errorf("syncing nodes: %w", err)
	}

	logger.Info("syncing edges to memgraph", "count", len(g.Edges))
	edgeParams := make([]map[string]any, 0, len(g.Edges))
	for _, e := range g.Edges {
		edgeParams = append(edgeParams, map[string]any{
			"from": e.From, "to": e.To, "kind": string(e.Kind), "path": e.Path,
		})
	}
	_, err = session.Run(ctx, `
		UNWIND $edges AS e
		MATCH (from:Resource {id: e.from, stack: $stack})
		MATCH (to:Resource {id: e.to, stack: $stack})
		CREATE (from)-[:DEPENDS_ON {kind: e.kind, path: e.path}]->(to)
	`, map[string]any{"edges": edgeParams, "stack": stackName})
	if err != nil {
		return fmt.Errorf("syncing edges: %w", err)
	}

	logger.Info("memgraph sync complete", "stack", stackName, "nodes", len(g.Nodes), "edges", len(g.Edges))
	return nil
}
