package sqlengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	jsoniter "github.com/json-iterator/go"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Load selects the row of the identity. Pessimistic modes lock the row on PostgreSQL and need an
// open transaction.
func (e *Engine) Load(ctx context.Context, id entitymanager.Identity, mode entitymanager.LockMode) (entitymanager.StoredRow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var empty entitymanager.StoredRow

	if mode.IsPessimistic() && e.tx == nil {
		return empty, entitymanager.ErrTransactionRequired
	}

	selectStmt := e.withLockClause(
		e.builder().From(e.tableName).Select(colVersion, colFields).Where(e.identityFilter(id)...),
		mode,
	)

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		e.logError(logMsgBuildQueryFailed, toSQLErr)
		return empty, errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := e.executeQuery(ctx, sqlQuery, logActionLoad)
	if queryErr != nil {
		return empty, queryErr
	}
	defer e.closeRows(rows)

	if !rows.Next() {
		if rowsErr := rows.Err(); rowsErr != nil {
			e.logError(logMsgScanRowFailed, rowsErr)
			return empty, errors.Join(ErrScanningRowFailed, rowsErr)
		}

		return empty, errors.Join(entitymanager.ErrEntityNotFound, fmt.Errorf("identity %s", id))
	}

	var version int64
	var rawFields []byte

	if scanErr := rows.Scan(&version, &rawFields); scanErr != nil {
		e.logError(logMsgScanRowFailed, scanErr)
		return empty, errors.Join(ErrScanningRowFailed, scanErr)
	}

	fields := make(entitymanager.Row)
	if decodeErr := jsonCodec.Unmarshal(rawFields, &fields); decodeErr != nil {
		return empty, errors.Join(entitymanager.ErrDecodingRowFailed, decodeErr)
	}

	return entitymanager.StoredRow{Fields: fields, Version: version}, nil
}

// Insert stores a new row. Inserting an existing identity fails with the primary key violation.
func (e *Engine) Insert(ctx context.Context, id entitymanager.Identity, row entitymanager.StoredRow) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	encodedFields, encodeErr := encodeFields(row.Fields)
	if encodeErr != nil {
		return encodeErr
	}

	insertStmt := e.builder().Insert(e.tableName).Rows(goqu.Record{
		colEntityType: string(id.Type),
		colIdentity:   id.Key,
		colVersion:    row.Version,
		colFields:     encodedFields,
	})

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		e.logError(logMsgBuildQueryFailed, toSQLErr)
		return errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	if _, execErr := e.executeStatement(ctx, sqlQuery, logActionInsert); execErr != nil {
		return execErr
	}

	return nil
}

// Update overwrites the row if its stored version equals expectedVersion.
func (e *Engine) Update(
	ctx context.Context,
	id entitymanager.Identity,
	row entitymanager.StoredRow,
	expectedVersion int64,
) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	encodedFields, encodeErr := encodeFields(row.Fields)
	if encodeErr != nil {
		return encodeErr
	}

	filter := append(e.identityFilter(id), goqu.C(colVersion).Eq(expectedVersion))
	updateStmt := e.builder().Update(e.tableName).
		Set(goqu.Record{colVersion: row.Version, colFields: encodedFields}).
		Where(filter...)

	sqlQuery, _, toSQLErr := updateStmt.ToSQL()
	if toSQLErr != nil {
		e.logError(logMsgBuildQueryFailed, toSQLErr)
		return errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	rowsAffected, execErr := e.executeStatement(ctx, sqlQuery, logActionUpdate)
	if execErr != nil {
		return execErr
	}

	if rowsAffected > 0 {
		return nil
	}

	found, existsErr := e.exists(ctx, id, entitymanager.LockNone)
	if existsErr != nil {
		return existsErr
	}

	if !found {
		return errors.Join(entitymanager.ErrEntityNotFound, fmt.Errorf("identity %s", id))
	}

	if e.logger != nil {
		e.logger.Warn(
			logMsgConcurrencyConflict,
			logAttrIdentity, id.String(),
			logAttrExpectedVersion, expectedVersion,
			logAttrRowsAffected, rowsAffected,
		)
	}

	return errors.Join(
		entitymanager.ErrOptimisticLockFailed,
		fmt.Errorf("identity %s: stored version differs from %d", id, expectedVersion),
	)
}

// Delete removes the row, deleting a missing row is not an error.
func (e *Engine) Delete(ctx context.Context, id entitymanager.Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sqlQuery, _, toSQLErr := e.builder().Delete(e.tableName).Where(e.identityFilter(id)...).ToSQL()
	if toSQLErr != nil {
		e.logError(logMsgBuildQueryFailed, toSQLErr)
		return errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	if _, execErr := e.executeStatement(ctx, sqlQuery, logActionDelete); execErr != nil {
		return execErr
	}

	return nil
}

// Lock locks the row with SELECT ... FOR UPDATE / FOR SHARE on PostgreSQL, other dialects only check
// that the row exists.
func (e *Engine) Lock(ctx context.Context, id entitymanager.Identity, mode entitymanager.LockMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mode.IsPessimistic() && e.tx == nil {
		return entitymanager.ErrTransactionRequired
	}

	found, err := e.exists(ctx, id, mode)
	if err != nil {
		return err
	}

	if !found {
		return errors.Join(entitymanager.ErrEntityNotFound, fmt.Errorf("identity %s", id))
	}

	e.logOperation(logActionLock, logAttrIdentity, id.String(), logAttrLockMode, mode.String())

	return nil
}

// exists reports whether a row with the identity exists. Callers hold mu.
func (e *Engine) exists(ctx context.Context, id entitymanager.Identity, mode entitymanager.LockMode) (bool, error) {
	selectStmt := e.withLockClause(
		e.builder().From(e.tableName).Select(goqu.L("1")).Where(e.identityFilter(id)...),
		mode,
	)

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		e.logError(logMsgBuildQueryFailed, toSQLErr)
		return false, errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := e.executeQuery(ctx, sqlQuery, logActionLock)
	if queryErr != nil {
		return false, queryErr
	}
	defer e.closeRows(rows)

	if rows.Next() {
		return true, nil
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		e.logError(logMsgScanRowFailed, rowsErr)
		return false, errors.Join(ErrScanningRowFailed, rowsErr)
	}

	return false, nil
}

func (e *Engine) identityFilter(id entitymanager.Identity) []exp.Expression {
	return []exp.Expression{
		goqu.C(colEntityType).Eq(string(id.Type)),
		goqu.C(colIdentity).Eq(id.Key),
	}
}

func (e *Engine) withLockClause(selectStmt *goqu.SelectDataset, mode entitymanager.LockMode) *goqu.SelectDataset {
	if e.dialect != dialectPostgres {
		return selectStmt
	}

	switch mode {
	case entitymanager.LockPessimisticWrite:
		return selectStmt.ForUpdate(exp.Wait)
	case entitymanager.LockPessimisticRead:
		return selectStmt.ForShare(exp.Wait)
	default:
		return selectStmt
	}
}

func encodeFields(fields entitymanager.Row) (string, error) {
	if fields == nil {
		fields = entitymanager.Row{}
	}

	encoded, err := jsonCodec.Marshal(fields)
	if err != nil {
		return "", errors.Join(entitymanager.ErrEncodingRowFailed, err)
	}

	return string(encoded), nil
}
