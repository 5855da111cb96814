package ingest

import (
	"github.com/Hoffylo/CuriTransporteDos/internal/model"
	"github.com/Hoffylo/CuriTransporteDos/internal/route"
)

// Action is what the pipeline did with a sample.
type Action string

const (
	ActionDeduped         Action = "DEDUPED"
	ActionRejectedRoute   Action = "REJECTED_ROUTE"
	ActionRejectedVehicle Action = "REJECTED_VEHICLE"
	ActionDeviated        Action = "DEVIATED"
	ActionJoined          Action = "JOINED_EXISTING"
	ActionJoinedWider     Action = "JOINED_WIDER_MATCH"
	ActionConsolidated    Action = "CONSOLIDATED"
	ActionCreated         Action = "CREATED"
	ActionSolo            Action = "SOLO"
	ActionReleased        Action = "RELEASED"
)

// Vehicle rejection reasons.
const (
	ReasonVehicleUnknown          = "VEHICLE_UNKNOWN"
	ReasonVehicleRequired         = "VEHICLE_REQUIRED"
	ReasonPlateMismatch           = "PLATE_MISMATCH"
	ReasonVehicleAlreadyClustered = "VEHICLE_ALREADY_CLUSTERED"
)

// Outcome is the pipeline's verdict for one sample. Cluster is set for
// actions that left the rider in a cluster; Match for any sample that
// passed route validation.
type Outcome struct {
	Action       Action
	Reason       string
	Cluster      *model.Cluster
	Match        route.Match
	SampleID     int64
	RidersNeeded int // SOLO only: riders still missing for a cluster
}

// rollsBack reports whether the action discards the transaction's
// writes. Rejections leave no trace; deviations keep their sample.
func (a Action) rollsBack() bool {
	return a == ActionRejectedRoute || a == ActionRejectedVehicle
}
