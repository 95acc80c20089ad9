// Package entitymanager provides an entity manager with nested transactions that roll back both the
// database writes and the in-memory state of the managed object graph.
//
// The manager keeps a stack of unit of work snapshots. BeginTransaction pushes a clone of the current
// snapshot: the clone shares the live entities but owns its bookkeeping (identity map, original field
// values, scheduled writes). Commit flushes, commits the database transaction and drops the level below
// the top. RollbackEntities pops the top and writes the original field values recorded by the new top
// back into every managed entity, so embedded values and associations return to their state at the
// begin of the rolled-back transaction. Rollback pops without touching entities.
//
// Entity types are described by an explicit descriptor table (ClassMetadata) with typed accessors, no
// reflection over entity structs is involved. Storage is abstracted by the Connection and Persister
// interfaces, see the sqlengine and memoryengine packages.
//
// Common usage pattern:
//
//	manager, err := entitymanager.NewTransactionalManager(engine, engine, metadata,
//		entitymanager.WithLogger(slog.Default()))
//
//	if err = manager.BeginTransaction(ctx); err != nil {
//		// handle error
//	}
//
//	article.Title = "changed"
//
//	if err = validate(article); err != nil {
//		_ = manager.RollbackEntities(ctx) // article.Title is back to its previous value
//		return err
//	}
//
//	err = manager.Commit(ctx)
package entitymanager
