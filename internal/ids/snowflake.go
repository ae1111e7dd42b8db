// Package ids generates time-ordered int64 ids for audit rows.
package ids

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator hands out snowflake ids for one node
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a generator for nodeID (0..1023). Replicas sharing a
// database need distinct node ids.
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &Generator{node: node}, nil
}

// Next returns a new id, unique and increasing per node
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}
