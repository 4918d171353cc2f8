//go:build integration

package pipeline

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tsuite "github.com/stretchr/testify/suite"
	tc "github.com/testcontainers/testcontainers-go"
	tcpsql "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/JonMunkholm/seedloader/internal/csvrows"
	"github.com/JonMunkholm/seedloader/internal/store"
)

const schemaSQL = `
CREATE TABLE persons (
	id    BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	name  TEXT NOT NULL,
	email TEXT
);
CREATE TABLE assets (
	id       BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	serial   TEXT NOT NULL UNIQUE,
	location TEXT
);
CREATE TABLE skills (
	id    SERIAL PRIMARY KEY,
	name  TEXT NOT NULL,
	level INTEGER
);
CREATE TABLE work_orders (
	id        BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	person_id BIGINT NOT NULL REFERENCES persons(id),
	title     TEXT NOT NULL
);
CREATE TABLE work_activities (
	id            BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	work_order_id BIGINT NOT NULL REFERENCES work_orders(id),
	asset_id      BIGINT REFERENCES assets(id),
	person_id     BIGINT REFERENCES persons(id),
	note          TEXT
);
CREATE TABLE work_order_assets (
	work_order_id BIGINT NOT NULL REFERENCES work_orders(id),
	asset_id      BIGINT NOT NULL REFERENCES assets(id),
	PRIMARY KEY (work_order_id, asset_id)
);
CREATE TABLE work_order_skills (
	work_order_id BIGINT NOT NULL REFERENCES work_orders(id),
	skill_id      INTEGER NOT NULL REFERENCES skills(id),
	PRIMARY KEY (work_order_id, skill_id)
);
CREATE TABLE tickets (
	id        BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	person_id BIGINT REFERENCES persons(id),
	subject   TEXT NOT NULL
);
CREATE TABLE attachments (
	id               BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	work_order_id    BIGINT REFERENCES work_orders(id),
	asset_id         BIGINT REFERENCES assets(id),
	work_activity_id BIGINT REFERENCES work_activities(id),
	ticket_id        BIGINT REFERENCES tickets(id),
	url              TEXT NOT NULL
);
`

// PostgresTestSuite runs the pipeline against a real PostgreSQL.
type PostgresTestSuite struct {
	tsuite.Suite
	ctr     *tcpsql.PostgresContainer
	ctx     context.Context
	connURL string
	verify  *pgx.Conn
}

// TestPostgresTestSuite is the entrypoint for go test -tags integration.
func TestPostgresTestSuite(t *testing.T) {
	tsuite.Run(t, new(PostgresTestSuite))
}

func (suite *PostgresTestSuite) SetupSuite() {
	suite.ctx = context.Background()

	dir := suite.T().TempDir()
	initScript := filepath.Join(dir, "schema.sql")
	if err := os.WriteFile(initScript, []byte(schemaSQL), 0o600); err != nil {
		log.Fatal(err)
	}

	ctr, err := tcpsql.Run(
		suite.ctx,
		"postgres:16-alpine",
		tcpsql.BasicWaitStrategies(),
		tcpsql.WithInitScripts(initScript),
		tcpsql.WithDatabase("field_ops"),
	)
	if err != nil {
		log.Fatal(err)
	}
	suite.ctr = ctr

	suite.connURL, err = ctr.ConnectionString(suite.ctx, "sslmode=disable")
	if err != nil {
		log.Fatal(err)
	}
	suite.verify, err = pgx.Connect(suite.ctx, suite.connURL)
	if err != nil {
		log.Fatal(err)
	}
}

func (suite *PostgresTestSuite) TearDownSuite() {
	if suite.verify != nil {
		_ = suite.verify.Close(suite.ctx)
	}
	tc.CleanupContainer(suite.T(), suite.ctr)
}

func (suite *PostgresTestSuite) run(dir string, mode store.ResetMode) (*Result, error) {
	s, err := store.Connect(suite.ctx, suite.connURL)
	require.NoError(suite.T(), err)
	defer s.Close(suite.ctx)

	return New(s, Options{DataDir: dir, ResetMode: mode, BatchSize: 2}).Run(suite.ctx)
}

func (suite *PostgresTestSuite) count(table string) int {
	var n int
	err := suite.verify.QueryRow(suite.ctx, "SELECT count(*) FROM "+table).Scan(&n)
	require.NoError(suite.T(), err)
	return n
}

func (suite *PostgresTestSuite) snapshot() map[string]int {
	out := make(map[string]int, len(wantRows))
	for table := range wantRows {
		out[table] = suite.count(table)
	}
	return out
}

func (suite *PostgresTestSuite) TestShouldLoadAllTables() {
	t := suite.T()
	dir := writeSources(t, sources)

	for _, mode := range []store.ResetMode{store.ResetCascade, store.ResetSequential} {
		res, err := suite.run(dir, mode)
		require.NoError(t, err, "mode %s", mode)
		assert.Equal(t, StateCommitted, res.State)
		assert.Equal(t, wantRows, suite.snapshot(), "mode %s", mode)
	}
}

func (suite *PostgresTestSuite) TestShouldStoreNulls() {
	t := suite.T()
	_, err := suite.run(writeSources(t, sources), store.ResetCascade)
	require.NoError(t, err)

	var level *int
	err = suite.verify.QueryRow(suite.ctx, "SELECT level FROM skills WHERE name = 'Welding'").Scan(&level)
	require.NoError(t, err)
	assert.Nil(t, level)

	err = suite.verify.QueryRow(suite.ctx, "SELECT level FROM skills WHERE name = 'Wiring'").Scan(&level)
	require.NoError(t, err)
	require.NotNil(t, level)
	assert.Equal(t, 3, *level)
}

func (suite *PostgresTestSuite) TestShouldRestartSequences() {
	t := suite.T()
	for _, mode := range []store.ResetMode{store.ResetCascade, store.ResetSequential} {
		_, err := suite.run(writeSources(t, sources), mode)
		require.NoError(t, err)

		// skills rows carry explicit ids, so the sequence is untouched by the load
		var next int
		err = suite.verify.QueryRow(suite.ctx, "SELECT nextval(pg_get_serial_sequence('skills', 'id'))").Scan(&next)
		require.NoError(t, err)
		assert.Equal(t, 1, next, "mode %s", mode)
	}
}

func (suite *PostgresTestSuite) TestShouldRollbackOnForeignKeyViolation() {
	t := suite.T()
	_, err := suite.run(writeSources(t, sources), store.ResetCascade)
	require.NoError(t, err)
	before := suite.snapshot()

	files := make(map[string]string, len(sources))
	for k, v := range sources {
		files[k] = v
	}
	files["work_orders.csv"] = "id,person_id,title\n100,1,Replace pump\n101,99,Orphan\n"

	res, err := suite.run(writeSources(t, files), store.ResetCascade)

	var serr *store.StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "work_orders", serr.Table)
	assert.Equal(t, 3, serr.Line)
	assert.ErrorContains(t, err, "23503")
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, before, suite.snapshot())
}

func (suite *PostgresTestSuite) TestShouldAbortOnMissingSource() {
	t := suite.T()
	_, err := suite.run(writeSources(t, sources), store.ResetCascade)
	require.NoError(t, err)
	before := suite.snapshot()

	files := make(map[string]string, len(sources))
	for k, v := range sources {
		files[k] = v
	}
	delete(files, "persons.csv")

	_, err = suite.run(writeSources(t, files), store.ResetCascade)

	var missing *csvrows.MissingSourceError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, before, suite.snapshot())
}
