package app

import (
	"github.com/stacklok/pos-sync/internal/registry"
	"github.com/stacklok/pos-sync/internal/rowstore"
	"github.com/stacklok/pos-sync/internal/service"
	syncengine "github.com/stacklok/pos-sync/internal/sync"
	"github.com/stacklok/pos-sync/internal/sync/coordinator"
	"github.com/stacklok/pos-sync/internal/sync/recovery"
	"github.com/stacklok/pos-sync/internal/sync/state"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Registry is the ordered set of synchronized tables
	Registry *registry.Registry

	// RowStore holds the local business rows
	RowStore rowstore.Store

	// StateStore tracks watermarks, failures and recovery state
	StateStore state.Store

	// Engine runs sync cycles
	Engine syncengine.Controller

	// Recovery performs full resyncs. Nil on a master.
	Recovery *recovery.Manager

	// SyncService is the operation surface served over HTTP
	SyncService service.SyncService

	// SyncCoordinator schedules background cycles
	SyncCoordinator coordinator.Coordinator
}
