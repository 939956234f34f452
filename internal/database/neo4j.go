package database

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jconfig "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/logger"
)

// Neo4jClient wraps the Neo4j driver with additional functionality
type Neo4jClient struct {
	driver neo4j.DriverWithContext
	logger *logger.Logger
	config config.DatabaseConfig
}

// NewNeo4jClient creates a new Neo4j client
func NewNeo4jClient(cfg config.DatabaseConfig, log *logger.Logger) (*Neo4jClient, error) {
	auth := neo4j.BasicAuth(cfg.Username, cfg.Password, "")

	driverConfig := func(conf *neo4jconfig.Config) {
		conf.MaxConnectionPoolSize = cfg.MaxConns
		conf.ConnectionAcquisitionTimeout = 30 * time.Second
		conf.SocketConnectTimeout = 5 * time.Second
		conf.SocketKeepalive = true
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, driverConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	client := &Neo4jClient{
		driver: driver,
		logger: log.WithService("neo4j"),
		config: cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.VerifyConnectivity(ctx); err != nil {
		driver.Close(context.Background())
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}

	client.logger.Info("Connected to Neo4j database",
		zap.String("uri", cfg.URI),
		zap.String("database", cfg.Database),
	)

	return client, nil
}

// VerifyConnectivity verifies the connection to Neo4j
func (c *Neo4jClient) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// Close closes the Neo4j driver
func (c *Neo4jClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// ExecuteQuery executes a query with parameters
func (c *Neo4jClient) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) (*neo4j.EagerResult, error) {
	start := time.Now()
	result, err := neo4j.ExecuteQuery(ctx, c.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(c.config.Database))
	duration := time.Since(start).Seconds() * 1000

	c.logger.LogDatabaseQuery(query, duration, err)

	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	return result, nil
}

// HealthCheck performs a health check on the Neo4j connection
func (c *Neo4jClient) HealthCheck(ctx context.Context) error {
	_, err := c.ExecuteQuery(ctx, "RETURN 1 as health", nil)
	return err
}

// CreateConstraints creates the uniqueness constraints that back the
// engine's idempotent-insert contracts: artifact composite keys, run ids,
// per-run checkpoint names, and per-user link rows.
func (c *Neo4jClient) CreateConstraints(ctx context.Context) error {
	constraints := []string{
		"CREATE CONSTRAINT run_id_unique IF NOT EXISTS FOR (r:Run) REQUIRE r.id IS UNIQUE",
		"CREATE CONSTRAINT checkpoint_key_unique IF NOT EXISTS FOR (c:Checkpoint) REQUIRE (c.run_id, c.name) IS UNIQUE",
		"CREATE CONSTRAINT artifact_key_unique IF NOT EXISTS FOR (a:Artifact) REQUIRE (a.content_hmac, a.algorithm_version, a.params_fingerprint, a.kind, a.page, a.sub_key) IS UNIQUE",
		"CREATE CONSTRAINT link_key_unique IF NOT EXISTS FOR (l:UserDocumentLink) REQUIRE (l.user_id, l.document_id, l.page, l.artifact_id) IS UNIQUE",
		"CREATE CONSTRAINT progress_run_unique IF NOT EXISTS FOR (p:Progress) REQUIRE p.run_id IS UNIQUE",
	}

	for _, constraint := range constraints {
		if _, err := c.ExecuteQuery(ctx, constraint, nil); err != nil {
			c.logger.Warn("Failed to create constraint",
				zap.String("constraint", constraint),
				zap.Error(err),
			)
			// Continue with other constraints even if one fails
		}
	}

	c.logger.Info("Database constraints created/verified")
	return nil
}

// CreateIndexes creates database indexes for recovery and lookup paths
func (c *Neo4jClient) CreateIndexes(ctx context.Context) error {
	indexes := []string{
		"CREATE INDEX run_document_idx IF NOT EXISTS FOR (r:Run) ON (r.document_id, r.user_id)",
		"CREATE INDEX run_status_idx IF NOT EXISTS FOR (r:Run) ON (r.status)",
		"CREATE INDEX run_heartbeat_idx IF NOT EXISTS FOR (r:Run) ON (r.heartbeat_at)",
		"CREATE INDEX artifact_address_idx IF NOT EXISTS FOR (a:Artifact) ON (a.content_hmac, a.algorithm_version, a.params_fingerprint)",
		"CREATE INDEX link_user_idx IF NOT EXISTS FOR (l:UserDocumentLink) ON (l.user_id, l.document_id)",
		"CREATE INDEX link_address_idx IF NOT EXISTS FOR (l:UserDocumentLink) ON (l.content_hmac, l.algorithm_version, l.params_fingerprint)",
	}

	for _, index := range indexes {
		if _, err := c.ExecuteQuery(ctx, index, nil); err != nil {
			c.logger.Warn("Failed to create index",
				zap.String("index", index),
				zap.Error(err),
			)
		}
	}

	c.logger.Info("Database indexes created/verified")
	return nil
}
