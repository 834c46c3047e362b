package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config holds database configuration
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"` // postgres or sqlite3
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// Client manages database connections and the async audit writer.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger
	config Config

	// Write queue for async audit records
	writeQueue chan writeRequest
	stopCh     chan struct{}
	stopOnce   sync.Once
	workerWg   sync.WaitGroup
}

type writeRequest struct {
	audit    *ControlAudit
	callback func(error)
}

// Open connects to the configured database, verifies it with a ping and
// starts the write workers.
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	switch config.Driver {
	case "postgres", "sqlite3":
	case "":
		return nil, fmt.Errorf("database driver is required")
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.IdleConnections)
	db.SetConnMaxLifetime(config.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := NewClient(db, config, logger)
	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.config.Workers),
	)
	return client, nil
}

// NewClient wraps an existing connection and starts the write workers.
func NewClient(db *sqlx.DB, config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	c := &Client{
		db:         db,
		logger:     logger,
		config:     config,
		writeQueue: make(chan writeRequest, config.QueueSize),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < config.Workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
	return c
}

// DB returns the underlying connection for direct queries.
func (c *Client) DB() *sqlx.DB { return c.db }

// Ping checks database connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.SaveControlAudit(ctx, req.audit)
	if req.callback != nil {
		req.callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to write control audit",
			zap.String("process_id", req.audit.ProcessID),
			zap.Error(err),
		)
	}
}

// drainQueue processes remaining requests during shutdown
func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueControlAudit hands audit to the write workers. A full queue falls
// back to a synchronous write so records are never dropped.
func (c *Client) QueueControlAudit(audit *ControlAudit, callback func(error)) {
	req := writeRequest{audit: audit, callback: callback}
	select {
	case <-c.stopCh:
		c.processWrite(req)
		return
	default:
	}
	select {
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write")
		c.processWrite(req)
	}
}

// Close stops the workers after draining the queue and closes the
// connection.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	c.logger.Info("Database client closed")
	return nil
}
