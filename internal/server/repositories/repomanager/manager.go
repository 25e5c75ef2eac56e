package repomanager

import (
	"context"
	"database/sql"

	"github.com/seclink/server/internal/dbx"
	"github.com/seclink/server/internal/server/repositories/devices"
	"github.com/seclink/server/internal/server/repositories/keys"
	"github.com/seclink/server/internal/server/repositories/messages"
)

// RepositoryManager hands out repositories bound to a DBTX, so services can
// run several repos against one transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Keys(db dbx.DBTX) keys.Repository
	Devices(db dbx.DBTX) devices.Repository
	Messages(db dbx.DBTX) messages.Repository
}
