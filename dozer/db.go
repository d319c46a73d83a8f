package dozer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
)

const (
	// versionsTable is the reserved table tracking the schema version of
	// every registered table.
	versionsTable = "versions"

	columnGuildID   = "guild_id"
	columnChannelID = "channel_id"
	columnUserID    = "user_id"
	columnRoleID    = "role_id"
)

var (
	// storeOperationTimeout is applied to store operations whose context
	// has no deadline of its own.
	storeOperationTimeout = 15 * time.Second

	identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

var (
	// ErrTableNotRegistered indicates an operation referenced a table name
	// that was never added to the Registry.
	ErrTableNotRegistered = errors.New("table not registered")

	// ErrEmptyDelete is returned by [Store.DeleteWhere] when called with no
	// conditions. An unconditional delete is never interpreted as
	// "delete everything".
	ErrEmptyDelete = errors.New("refusing to delete with no conditions")

	// ErrSchemaVersionNewer indicates the version recorded in the store is
	// ahead of the migrations defined for the table - usually a rollback to
	// an older build. Startup must not proceed past this.
	ErrSchemaVersionNewer = errors.New("stored schema version newer than defined migrations")
)

// ColumnError indicates a record or query referenced a column that isn't
// declared on the registered schema. This is a programmer error, not a
// runtime condition to recover from.
type ColumnError struct {
	Table  string
	Column string
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("table %q has no column %q", e.Table, e.Column)
}

// ConstraintError indicates an upsert hit a uniqueness constraint outside
// the schema's declared unique column set, which the ON CONFLICT clause
// can't resolve. The schema declaration and the actual table disagree.
type ConstraintError struct {
	Table      string
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf(
		"table %q: conflict on constraint %q not covered by declared unique columns: %v",
		e.Table, e.Constraint, e.Err,
	)
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// MigrationError wraps a failure from a specific migration step, so a bad
// migration can be told apart from the store being unreachable.
type MigrationError struct {
	Table   string
	Version int
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf(
		"migration step %d for table %q failed: %v",
		e.Version, e.Table, e.Err,
	)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// Record is one row of a registered table, keyed by column name. A key
// that's absent (or nil) is left untouched by [Store.Upsert] on existing
// rows.
type Record map[string]any

// Int64 returns the named column as an int64, or 0 if absent or another
// type.
func (r Record) Int64(column string) int64 {
	v, _ := r[column].(int64)
	return v
}

// String returns the named column as a string, or "" if absent or another
// type.
func (r Record) String(column string) string {
	v, _ := r[column].(string)
	return v
}

// Column declares one column of a [TableSchema]. Type is the SQL column
// definition (ex: "bigint NOT NULL").
type Column struct {
	Name string
	Type string
}

// Querier is the subset of [pgxpool.Pool] the store uses. Each call
// acquires a connection from the pool and releases it on every exit path.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MigrationStep is a single versioned schema change. Steps are 1-indexed:
// step N advances a table from version N-1 to version N.
type MigrationStep func(ctx context.Context, q Querier) error

// ExecStep returns a MigrationStep that executes the given statements in
// order.
func ExecStep(stmts ...string) MigrationStep {
	return func(ctx context.Context, q Querier) error {
		for _, stmt := range stmts {
			if _, err := q.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

// TableSchema declares one table: its name, columns, the column set
// carrying the uniqueness constraint, and the ordered migration steps that
// evolve existing installations.
//
// The initial CREATE always produces the table at its latest shape, so a
// fresh table starts at LatestVersion and never runs the migration list.
type TableSchema struct {
	Name    string
	Columns []Column

	// Uniques is the column set used as the upsert conflict target. Must
	// be a non-empty subset of Columns.
	Uniques []string

	// Migrations evolve a pre-existing table, one version at a time. This
	// list is append-only: reordering or truncating it will desync every
	// deployed database.
	Migrations []MigrationStep
}

// LatestVersion is the version a fully-migrated table reports: the number
// of defined migration steps.
func (s *TableSchema) LatestVersion() int {
	return len(s.Migrations)
}

// HasColumn reports whether the schema declares the named column.
func (s *TableSchema) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (s *TableSchema) columnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// createSQL builds the initial CREATE TABLE statement. Identifiers are
// validated at registration, never taken from user input.
func (s *TableSchema) createSQL() string {
	defs := make([]string, 0, len(s.Columns)+1)
	for _, c := range s.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", c.Name, c.Type))
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(s.Uniques, ", ")))
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s)",
		s.Name,
		strings.Join(defs, ", "),
	)
}

func (s *TableSchema) validate() error {
	if !identifierPattern.MatchString(s.Name) {
		return fmt.Errorf("invalid table name %q", s.Name)
	}
	if s.Name == versionsTable {
		return fmt.Errorf("table name %q is reserved", versionsTable)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("table %q declares no columns", s.Name)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if !identifierPattern.MatchString(c.Name) {
			return fmt.Errorf("table %q: invalid column name %q", s.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %q: duplicate column %q", s.Name, c.Name)
		}
		seen[c.Name] = true
	}
	if len(s.Uniques) == 0 {
		return fmt.Errorf("table %q declares no unique columns", s.Name)
	}
	for _, u := range s.Uniques {
		if !seen[u] {
			return fmt.Errorf(
				"table %q: unique column %q is not a declared column",
				s.Name, u,
			)
		}
	}
	return nil
}

func (s *TableSchema) isUnique(column string) bool {
	for _, u := range s.Uniques {
		if u == column {
			return true
		}
	}
	return false
}

// Registry is the process-wide set of table schemas. It's built statically
// during startup (each cog registers its tables before [Store.Migrate]
// runs) and read-only afterwards.
type Registry struct {
	tables []*TableSchema
	byName map[string]*TableSchema
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]*TableSchema{}}
}

// Register validates the schema and adds it to the registry. Registering
// the same table name twice is an error.
func (r *Registry) Register(s *TableSchema) error {
	if err := s.validate(); err != nil {
		return err
	}
	if _, ok := r.byName[s.Name]; ok {
		return fmt.Errorf("table %q already registered", s.Name)
	}
	r.tables = append(r.tables, s)
	r.byName[s.Name] = s
	return nil
}

// Table returns the schema registered under the given name.
func (r *Registry) Table(name string) (*TableSchema, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Tables returns every registered schema, in registration order.
func (r *Registry) Tables() []*TableSchema {
	out := make([]*TableSchema, len(r.tables))
	copy(out, r.tables)
	return out
}

// Condition is one ANDed column = value predicate for [Store.QueryWhere]
// and [Store.DeleteWhere].
type Condition struct {
	Column string
	Value  any
}

// Store translates Records to SQL against a PostgreSQL pool. All values
// are parameterized; all identifiers are checked against the registry
// before they're interpolated into a statement.
type Store struct {
	pool     Querier
	registry *Registry
	logger   *slog.Logger
}

func NewStore(pool Querier, registry *Registry, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:     pool,
		registry: registry,
		logger:   logger.With(loggerNameKey, "store"),
	}
}

// Connect creates a pgx connection pool for the given DSN, with query
// logging attached, and verifies connectivity.
func Connect(
	ctx context.Context,
	dsn string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("error parsing database config: %w", err)
	}
	poolCfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   newPgxSlogger(handler, slowThreshold),
		LogLevel: tracelog.LogLevelInfo,
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error reaching database: %w", err)
	}
	return pool, nil
}

// opContext applies the default store timeout when the caller's context
// carries no deadline.
func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, storeOperationTimeout)
}

// Migrate brings every registered table up to its latest schema version.
//
// A missing table is created at its latest shape and recorded at
// LatestVersion, so a second startup is a no-op. An existing table with a
// stored version below the latest has exactly the steps in
// (stored, latest] applied, in order, with the stored version bumped after
// each step succeeds - a failure mid-list leaves the version row pointing
// at the last completed step.
func (st *Store) Migrate(ctx context.Context) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	if _, err := st.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			table_name text PRIMARY KEY,
			version_num int NOT NULL
		)`, versionsTable,
	)); err != nil {
		return fmt.Errorf("error creating %s table: %w", versionsTable, err)
	}

	for _, schema := range st.registry.Tables() {
		if err := st.migrateTable(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func (st *Store) migrateTable(ctx context.Context, schema *TableSchema) error {
	logger := st.logger.With("table", schema.Name)

	var exists bool
	err := st.pool.QueryRow(
		ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables WHERE table_name = $1
		)`,
		schema.Name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("error checking table %q: %w", schema.Name, err)
	}

	latest := schema.LatestVersion()

	if !exists {
		logger.Info("creating table", "version", latest)
		if _, err = st.pool.Exec(ctx, schema.createSQL()); err != nil {
			return &MigrationError{Table: schema.Name, Version: latest, Err: err}
		}
		return st.setStoredVersion(ctx, schema.Name, latest)
	}

	stored, err := st.storedVersion(ctx, schema.Name)
	if err != nil {
		return err
	}

	switch {
	case stored > latest:
		return fmt.Errorf(
			"%w: table %q stored version %d, defined %d",
			ErrSchemaVersionNewer, schema.Name, stored, latest,
		)
	case stored == latest:
		logger.Debug("table up to date", "version", stored)
		return nil
	}

	logger.Info("migrating table", "from", stored, "to", latest)
	for v := stored + 1; v <= latest; v++ {
		if err = schema.Migrations[v-1](ctx, st.pool); err != nil {
			return &MigrationError{Table: schema.Name, Version: v, Err: err}
		}
		if err = st.setStoredVersion(ctx, schema.Name, v); err != nil {
			return err
		}
		logger.Info("applied migration step", "version", v)
	}
	return nil
}

// storedVersion reads the version row for a table. A table that exists
// without a version row predates version tracking, and is treated as
// version 0 so every migration step runs.
func (st *Store) storedVersion(ctx context.Context, table string) (int, error) {
	var version int
	err := st.pool.QueryRow(
		ctx,
		fmt.Sprintf("SELECT version_num FROM %s WHERE table_name = $1", versionsTable),
		table,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("error reading stored version for %q: %w", table, err)
	}
	return version, nil
}

func (st *Store) setStoredVersion(ctx context.Context, table string, version int) error {
	_, err := st.pool.Exec(
		ctx,
		fmt.Sprintf(
			`INSERT INTO %s (table_name, version_num) VALUES ($1, $2)
			ON CONFLICT (table_name) DO UPDATE SET version_num = EXCLUDED.version_num`,
			versionsTable,
		),
		table, version,
	)
	if err != nil {
		return fmt.Errorf("error recording version %d for %q: %w", version, table, err)
	}
	return nil
}

// Upsert inserts the record, or - on a conflict against the schema's
// declared unique columns - updates every non-unique field the record
// carries, leaving absent fields untouched on the existing row. It's a
// merge, not a replace.
//
// A uniqueness violation on any constraint outside the declared unique set
// is returned as a [ConstraintError]: the ON CONFLICT target can't absorb
// it, and silently retrying would corrupt data.
func (st *Store) Upsert(ctx context.Context, table string, rec Record) error {
	schema, ok := st.registry.Table(table)
	if !ok {
		return fmt.Errorf("%w: %q", ErrTableNotRegistered, table)
	}

	stmt, values, err := upsertSQL(schema, rec)
	if err != nil {
		return err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	if _, err = st.pool.Exec(ctx, stmt, values...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return &ConstraintError{
				Table:      table,
				Constraint: pgErr.ConstraintName,
				Err:        err,
			}
		}
		return fmt.Errorf("error upserting into %q: %w", table, err)
	}
	return nil
}

// upsertSQL builds the insert-or-merge statement for a record. Column
// order follows the schema declaration so statements are deterministic.
func upsertSQL(schema *TableSchema, rec Record) (string, []any, error) {
	for col := range rec {
		if !schema.HasColumn(col) {
			return "", nil, &ColumnError{Table: schema.Name, Column: col}
		}
	}

	var cols []string
	var values []any
	for _, c := range schema.Columns {
		v, ok := rec[c.Name]
		if !ok || v == nil {
			continue
		}
		cols = append(cols, c.Name)
		values = append(values, v)
	}
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("table %q: record has no fields set", schema.Name)
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var updates []string
	for _, col := range cols {
		if schema.isUnique(col) {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	conflict := fmt.Sprintf(
		"ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(schema.Uniques, ", "),
		strings.Join(updates, ", "),
	)
	if len(updates) == 0 {
		// Every set field is part of the unique key: nothing to merge.
		conflict = fmt.Sprintf(
			"ON CONFLICT (%s) DO NOTHING",
			strings.Join(schema.Uniques, ", "),
		)
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) %s",
		schema.Name,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		conflict,
	)
	return stmt, values, nil
}

// QueryWhere returns every record matching all of the given conditions,
// ordered by the schema's unique columns.
func (st *Store) QueryWhere(
	ctx context.Context,
	table string,
	conds []Condition,
) ([]Record, error) {
	schema, ok := st.registry.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotRegistered, table)
	}

	var where string
	var values []any
	if len(conds) > 0 {
		preds := make([]string, len(conds))
		for i, c := range conds {
			if !schema.HasColumn(c.Column) {
				return nil, &ColumnError{Table: table, Column: c.Column}
			}
			preds[i] = fmt.Sprintf("%s = $%d", c.Column, i+1)
			values = append(values, c.Value)
		}
		where = " WHERE " + strings.Join(preds, " AND ")
	}

	stmt := fmt.Sprintf(
		"SELECT %s FROM %s%s ORDER BY %s",
		strings.Join(schema.columnNames(), ", "),
		schema.Name,
		where,
		strings.Join(schema.Uniques, ", "),
	)

	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := st.pool.Query(ctx, stmt, values...)
	if err != nil {
		return nil, fmt.Errorf("error querying %q: %w", table, err)
	}
	return scanRecords(rows)
}

// QueryByAttribute returns every record whose column matches the given
// value. An empty result is not an error.
func (st *Store) QueryByAttribute(
	ctx context.Context,
	table string,
	column string,
	value any,
) ([]Record, error) {
	return st.QueryWhere(ctx, table, []Condition{{Column: column, Value: value}})
}

// QueryAll returns every record in the table.
func (st *Store) QueryAll(ctx context.Context, table string) ([]Record, error) {
	return st.QueryWhere(ctx, table, nil)
}

// GetByGuild returns records matching the default guild ID column.
func (st *Store) GetByGuild(ctx context.Context, table string, guildID int64) ([]Record, error) {
	return st.QueryByAttribute(ctx, table, columnGuildID, guildID)
}

// GetByChannel returns records matching the default channel ID column.
func (st *Store) GetByChannel(ctx context.Context, table string, channelID int64) ([]Record, error) {
	return st.QueryByAttribute(ctx, table, columnChannelID, channelID)
}

// GetByUser returns records matching the default user ID column.
func (st *Store) GetByUser(ctx context.Context, table string, userID int64) ([]Record, error) {
	return st.QueryByAttribute(ctx, table, columnUserID, userID)
}

// GetByRole returns records matching the default role ID column.
func (st *Store) GetByRole(ctx context.Context, table string, roleID int64) ([]Record, error) {
	return st.QueryByAttribute(ctx, table, columnRoleID, roleID)
}

// DeleteWhere deletes every row matching all of the given conditions and
// returns the number of rows removed. Calling it with no conditions
// returns [ErrEmptyDelete].
func (st *Store) DeleteWhere(
	ctx context.Context,
	table string,
	conds []Condition,
) (int64, error) {
	if len(conds) == 0 {
		return 0, fmt.Errorf("%w (table %q)", ErrEmptyDelete, table)
	}
	schema, ok := st.registry.Table(table)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrTableNotRegistered, table)
	}

	preds := make([]string, len(conds))
	values := make([]any, len(conds))
	for i, c := range conds {
		if !schema.HasColumn(c.Column) {
			return 0, &ColumnError{Table: table, Column: c.Column}
		}
		preds[i] = fmt.Sprintf("%s = $%d", c.Column, i+1)
		values[i] = c.Value
	}

	stmt := fmt.Sprintf(
		"DELETE FROM %s WHERE %s",
		schema.Name,
		strings.Join(preds, " AND "),
	)

	ctx, cancel := opContext(ctx)
	defer cancel()

	tag, err := st.pool.Exec(ctx, stmt, values...)
	if err != nil {
		return 0, fmt.Errorf("error deleting from %q: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// scanRecords drains the rows into Records keyed by column name. The
// rows are always closed.
func scanRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := make(Record, len(fields))
		for i, fd := range fields {
			rec[string(fd.Name)] = values[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// StoredVersions returns the contents of the version-tracking table, for
// the status API.
func (st *Store) StoredVersions(ctx context.Context) (map[string]int, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := st.pool.Query(
		ctx,
		fmt.Sprintf("SELECT table_name, version_num FROM %s", versionsTable),
	)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", versionsTable, err)
	}
	defer rows.Close()

	versions := map[string]int{}
	for rows.Next() {
		var name string
		var version int
		if err = rows.Scan(&name, &version); err != nil {
			return nil, err
		}
		versions[name] = version
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return versions, nil
}
