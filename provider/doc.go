// Package provider defines the stream-event vocabulary shared by all model
// vendors and the Handle abstraction the rest of the system talks to.
//
// A Handle is bound to exactly one vendor, one concrete model id and one set
// of generation parameters. Handles are built per request by the resolver
// and are immutable after construction; nothing outside the resolver ever
// branches on which vendor sits behind a handle.
package provider
