package gen

import (
	"fmt"

	"bountypay/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gen", fx.Provide(NewNode))

// NewNode returns the ID generator of this process. Every replica writing to
// the same database needs its own SNOWFLAKE_NODE.
func NewNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.SnowflakeNode, err)
	}
	zap.L().Info("[Snowflake] node ready", zap.Int64("node", cfg.SnowflakeNode))
	return node, nil
}
