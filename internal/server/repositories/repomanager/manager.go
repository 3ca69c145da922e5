// Package repomanager vends repositories bound to a DBTX handle so services
// can run the same code inside or outside a transaction.
package repomanager

import (
	"context"

	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/connections"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/devices"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/histories"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(ctx context.Context) error
	// Ping reports whether the store answers. A failure wraps
	// common.ErrStoreUnavailable.
	Ping(ctx context.Context) error
	// Runner returns the transaction runner matching this store.
	Runner() dbx.TxRunner
	// Conn is the non-transactional handle passed to the factories below.
	Conn() dbx.DBTX

	Users(db dbx.DBTX) users.Repository
	Devices(db dbx.DBTX) devices.Repository
	Connections(db dbx.DBTX) connections.Repository
	Histories(db dbx.DBTX) histories.Repository
}
