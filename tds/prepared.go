package tds

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PreparedStatement is a statement handle returned by the server from
// sp_prepare/sp_prepexec, cached so repeat executions skip re-parsing.
type PreparedStatement struct {
	Handle    int32
	SQL       string
	ParamDefs string
	Columns   []Column
	CreatedAt time.Time
	ExecCount int64
}

// StatementExecutor runs the RPCs that back prepared-statement lifecycle:
// sp_prepare, sp_execute, sp_unprepare. A *Connection implements it; the
// interface exists so PreparedStatementCache has no import-cycle back onto
// Connection.
type StatementExecutor interface {
	Prepare(ctx context.Context, sql, paramDefs string) (handle int32, columns []Column, err error)
	ExecutePrepared(ctx context.Context, handle int32, params []RPCParam) (*QueryResult, error)
	Unprepare(ctx context.Context, handle int32) error
}

// QueryResult collects everything a single batch produced: zero or more
// result sets plus the final row count and return status.
type QueryResult struct {
	Columns      []Column
	Rows         [][]any
	RowsAffected int64
	ReturnStatus int32
}

// RPCParam is one input or output parameter passed to an RPC call
// (sp_execute included).
type RPCParam struct {
	Name     string
	Type     TypeInfo
	Value    any
	Output   bool
}

// HandlePool allocates small reusable integer handles, used both for
// prepared-statement ids and MARS session ids.
type HandlePool struct {
	mu       sync.Mutex
	next     int32
	released []int32
}

func NewHandlePool() *HandlePool {
	return &HandlePool{next: 1, released: make([]int32, 0, 16)}
}

func (p *HandlePool) Acquire() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.released); n > 0 {
		h := p.released[n-1]
		p.released = p.released[:n-1]
		return h
	}
	h := p.next
	p.next++
	return h
}

func (p *HandlePool) Release(handle int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, handle)
}

// PreparedStatementCache keys cached handles by the exact SQL+paramDefs pair
// so repeated calls to the same query text reuse the server-side plan
// instead of re-running sp_prepare every time.
type PreparedStatementCache struct {
	mu         sync.RWMutex
	byKey      map[string]*PreparedStatement
	executor   StatementExecutor
}

func NewPreparedStatementCache(executor StatementExecutor) *PreparedStatementCache {
	return &PreparedStatementCache{
		byKey:    make(map[string]*PreparedStatement),
		executor: executor,
	}
}

func cacheKey(sql, paramDefs string) string {
	return sql + "\x00" + paramDefs
}

// Prepare returns a cached handle for (sql, paramDefs) or asks the executor
// to prepare a new one.
func (c *PreparedStatementCache) Prepare(ctx context.Context, sql, paramDefs string) (*PreparedStatement, error) {
	key := cacheKey(sql, paramDefs)

	c.mu.RLock()
	ps, ok := c.byKey[key]
	c.mu.RUnlock()
	if ok {
		return ps, nil
	}

	handle, columns, err := c.executor.Prepare(ctx, sql, paramDefs)
	if err != nil {
		return nil, err
	}
	ps = &PreparedStatement{
		Handle: handle, SQL: sql, ParamDefs: paramDefs,
		Columns: columns, CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.byKey[key] = ps
	c.mu.Unlock()
	return ps, nil
}

// Execute runs a cached prepared statement by handle.
func (c *PreparedStatementCache) Execute(ctx context.Context, ps *PreparedStatement, params []RPCParam) (*QueryResult, error) {
	c.mu.Lock()
	ps.ExecCount++
	c.mu.Unlock()
	return c.executor.ExecutePrepared(ctx, ps.Handle, params)
}

// Evict unprepares and drops a cached statement; call when the underlying
// connection is reset (sp_reset_connection invalidates server-side handles).
func (c *PreparedStatementCache) Evict(ctx context.Context, sql, paramDefs string) error {
	key := cacheKey(sql, paramDefs)

	c.mu.Lock()
	ps, ok := c.byKey[key]
	delete(c.byKey, key)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.executor.Unprepare(ctx, ps.Handle)
}

// EvictAll drops every cached handle without attempting sp_unprepare — use
// when the connection itself is gone and the handles are already void.
func (c *PreparedStatementCache) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[string]*PreparedStatement)
}

// PreparedStatementError reports a failure tied to a specific handle.
type PreparedStatementError struct {
	Handle  int32
	Message string
}

func (e *PreparedStatementError) Error() string {
	return fmt.Sprintf("tds: prepared statement %d: %s", e.Handle, e.Message)
}
