package testutils

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client mirrors clickhouse.Client; it is redeclared here so tests inside
// package clickhouse can use this package without an import cycle.
type Client interface {
	Conn() driver.Conn
	Ping(ctx context.Context) error
	Close() error
}

// NewTestClient wraps conn, typically a *MockConn, in a Client.
func NewTestClient(conn driver.Conn) Client {
	return &testClient{conn: conn}
}

type testClient struct {
	conn driver.Conn
}

func (c *testClient) Conn() driver.Conn              { return c.conn }
func (c *testClient) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }
func (c *testClient) Close() error                   { return c.conn.Close() }
