package servicenow

import (
	"context"
	"net/http"
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/anguspalmer/servicenow/coerce"
	"github.com/anguspalmer/servicenow/errs"
	"github.com/anguspalmer/servicenow/gateway"
	"github.com/anguspalmer/servicenow/ratelimit"
	"github.com/anguspalmer/servicenow/reconcile"
	"github.com/anguspalmer/servicenow/recordcache"
	"github.com/anguspalmer/servicenow/rowmerge"
	"github.com/anguspalmer/servicenow/schema"
	"github.com/anguspalmer/servicenow/transport"
)

// Client is the root aggregate: one HTTP client bound to one
// ServiceNow-style instance, wiring the rate limiter, schema cache,
// gateway and every reconciler/merge collaborator on top of it. It
// holds the process's shared mutable state (schema cache, token
// buckets) — none of that state lives at package scope.
type Client struct {
	cfg Config

	Gateway       *gateway.Gateway
	Schemas       *schema.Cache
	Tables        *reconcile.Table
	Columns       *reconcile.ColumnReconciler
	Choices       *reconcile.Choice
	Policies      *reconcile.Policy
	Relationships *reconcile.Relationship
	Rows          *rowmerge.Merger

	logger hclog.Logger
}

// New builds a Client from cfg, validating it first. A non-empty
// cfg.Username scopes the data-policy sub-reconciler's ownership
// condition (see Policy.WithUser) and the table reconciler's column
// delete planning (see Table.WithUser).
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := hclog.NewNullLogger()
	if cfg.Debug {
		logger = hclog.New(&hclog.LoggerOptions{Name: "servicenow", Level: hclog.Debug})
	}

	var httpClient *http.Client
	if cfg.usesFakeTransport() {
		httpClient = &http.Client{Transport: transport.NewFake()}
	}

	t := transport.New(transport.Config{
		Instance:   cfg.Instance,
		Username:   cfg.Username,
		Password:   cfg.Password,
		Timeout:    cfg.Timeout(),
		HTTPClient: httpClient,
		Logger:     logger,
	})

	limiter := ratelimit.New(cfg.ReadConcurrency, cfg.WriteConcurrency)
	schemas := schema.New(t, schema.DefaultTTL, logger)
	gw := gateway.New(gateway.Config{
		Transport: t,
		Limiter:   limiter,
		Schemas:   schemas,
		ReadOnly:  cfg.ReadOnly,
		Logger:    logger,
	})

	policy := reconcile.NewPolicy(gw, logger)
	tables := reconcile.NewTable(gw, logger)
	if cfg.Username != "" {
		policy = policy.WithUser(cfg.Username)
		tables = tables.WithUser(cfg.Username)
	}

	rows := rowmerge.NewMerger(rowmerge.Config{
		Gateway: gw,
		Schemas: schemas,
		Policy:  policy,
		Logger:  logger,
	})

	return &Client{
		cfg:           cfg,
		Gateway:       gw,
		Schemas:       schemas,
		Tables:        tables,
		Columns:       reconcile.NewColumn(gw, logger),
		Choices:       reconcile.NewChoice(gw, logger),
		Policies:      policy,
		Relationships: reconcile.NewRelationship(gw, logger),
		Rows:          rows,
		logger:        logger.Named("client"),
	}, nil
}

// GetTableSchema returns the cached (or freshly fetched) column
// dictionary for table.
func (c *Client) GetTableSchema(ctx context.Context, table string) (TableSchema, error) {
	return c.Schemas.Get(ctx, table)
}

// GetRecords fetches every row matching opts.Query from opts.Table,
// decoded against the table's schema.
func (c *Client) GetRecords(ctx context.Context, opts gateway.GetRecordsOptions) ([]Row, error) {
	rows, err := c.Gateway.GetRecords(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row(r)
	}
	return out, nil
}

// GetRecord fetches a single row by sys_id, decoded against the
// table's schema.
func (c *Client) GetRecord(ctx context.Context, table, sysID string) (Row, error) {
	if !coerce.IsGUID(sysID) {
		return nil, errs.New(errs.KindRequestValidation, "%q is not a valid sys_id", sysID)
	}
	result, err := c.Gateway.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v2/table/" + table + "/" + sysID,
		Table:  table,
	})
	if err != nil {
		return nil, err
	}
	return Row(result.Row), nil
}

// MergeRows reconciles table's row set against opts.Rows under
// opts.PrimaryKey, bracketing writes with the data-policy toggle when
// a policy owner has been configured.
func (c *Client) MergeRows(ctx context.Context, opts rowmerge.Options) (*MergeResult, error) {
	return c.Rows.Merge(ctx, opts)
}

// SyncTable diffs desired against the remote's merged descriptor,
// executing the resulting plan (table create, then columns in sorted
// name order) when commit is true.
func (c *Client) SyncTable(ctx context.Context, desired *TableDescriptor, commit bool) ([]PendingAction, error) {
	columnOrder := make([]string, 0, len(desired.Columns))
	for name := range desired.Columns {
		columnOrder = append(columnOrder, name)
	}
	sort.Strings(columnOrder)

	result, err := c.Tables.Sync(ctx, desired, columnOrder, commit)
	if result != nil {
		return result.Actions, err
	}
	return nil, err
}

// NewRecordCache returns the in-memory reference Cache implementation,
// convenient for callers that just need MergeRows' opt-in caching
// without standing up a persistent store.
func NewRecordCache() recordcache.Cache {
	return recordcache.NewMemory()
}

// Close releases resources held by the client. It exists for symmetry
// with collaborators that hold connections; Client currently holds
// none that require explicit shutdown, so Close is a no-op today.
func (c *Client) Close() error {
	return nil
}
