// Package worker tracks the worker processes connected to the gateway.
//
// # Connection
//
// A Connection wraps one OpenChannel stream. Outbound messages go through a
// bounded queue drained by a single writer goroutine, so any number of
// goroutines may call Send while the gRPC stream only ever sees one writer.
// A full queue fails fast with ErrSendQueueFull instead of blocking the
// caller.
//
// Each connection moves forward through
//
//	Opened → Identified → Active → Closing → Closed
//
// Identified is reached once the Welcome is queued, Active once the worker
// registers its first agent type. Live reports false from Closing onwards,
// which is what the registry checks before reusing a placement.
//
// # Manager
//
// The Manager holds every live Connection by id and answers the listing
// queries behind the HTTP ops endpoints.
package worker
