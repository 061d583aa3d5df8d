// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobfleet

// A ScaleOperationRecord is the single-flight token for physical
// fleet-resize operations. RequestID is the fleet manager's id for the
// in-flight add/remove operation; empty means none is in flight.
//
// Version is incremented by the registry on every successful write so
// the autoscaler can use a conditional update and lose (rather than
// corrupt) a concurrent-writer race.
type ScaleOperationRecord struct {
	RequestID string `json:"request_id"`
	Version   int64  `json:"version"`
}
