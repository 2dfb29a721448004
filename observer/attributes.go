package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for relay spans and metrics.
var (
	AttrRunID  = attribute.Key("run.id")
	AttrMode   = attribute.Key("run.mode")
	AttrSource = attribute.Key("run.source")

	AttrSession     = attribute.Key("session.name")
	AttrDestination = attribute.Key("destination")

	AttrFileStatus = attribute.Key("file.status")
	AttrUnitStatus = attribute.Key("unit.status")
	AttrBatchSize  = attribute.Key("batch.size")
)
