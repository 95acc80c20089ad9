package sqlengine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	postgresTableDDL = `CREATE TABLE IF NOT EXISTS %s (
	entity_type TEXT NOT NULL,
	identity TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 0,
	fields JSONB NOT NULL,
	PRIMARY KEY (entity_type, identity)
)`

	sqliteTableDDL = `CREATE TABLE IF NOT EXISTS %s (
	entity_type TEXT NOT NULL,
	identity TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	fields TEXT NOT NULL,
	PRIMARY KEY (entity_type, identity)
)`
)

// CreateSchema creates the entity table if it does not exist yet.
func (e *Engine) CreateSchema(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ddl := postgresTableDDL
	if e.dialect == dialectSQLite {
		ddl = sqliteTableDDL
	}

	statement := fmt.Sprintf(ddl, e.tableName)

	start := time.Now()
	_, execErr := e.executor().Exec(ctx, statement)
	e.logQueryWithDuration(statement, logActionSchema, time.Since(start))

	if execErr != nil {
		e.logError(logMsgDBExecFailed, execErr, logAttrQuery, statement)
		return errors.Join(ErrCreatingSchemaFailed, execErr)
	}

	e.logOperation(logActionSchema, logAttrTable, e.tableName)

	return nil
}
