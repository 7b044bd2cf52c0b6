// Package directory flattens a tenant's print-workers into the views sent to
// requesters: the client map and the printer directory.
package directory

import (
	"hiprint/transit/internal/registry"
)

const (
	// ClientIDField carries the owning session identifier.
	ClientIDField = "clientId"
	// PrinterListField carries a worker's printers inside its client descriptor.
	PrinterListField = "printerList"
	// ServerField annotates each directory entry with its owning worker.
	ServerField = "server"
)

// Source provides registry snapshots.
type Source interface {
	Snapshot(tenant string) []registry.Session
}

// Aggregator computes directory views over the current registry snapshot. It never
// blocks on I/O.
type Aggregator struct {
	source Source
}

// New wires an Aggregator to the registry.
func New(source Source) *Aggregator {
	return &Aggregator{source: source}
}

// Printers returns the flattened printer directory of tenant.
func (a *Aggregator) Printers(tenant string) []map[string]any {
	if a == nil || a.source == nil {
		return []map[string]any{}
	}
	return Flatten(a.source.Snapshot(tenant))
}

// Clients returns the client map of tenant keyed by session identifier.
func (a *Aggregator) Clients(tenant string) map[string]map[string]any {
	if a == nil || a.source == nil {
		return map[string]map[string]any{}
	}
	return ClientMap(a.source.Snapshot(tenant))
}

// Flatten emits one entry per printer, sessions in snapshot order and printers in
// list order. Each entry carries the printer fields plus a "server" object holding
// the owner's metadata and clientId, without its printer list.
func Flatten(sessions []registry.Session) []map[string]any {
	entries := make([]map[string]any, 0)
	for _, session := range sessions {
		if len(session.Printers) == 0 {
			continue
		}
		server := make(map[string]any, len(session.Metadata)+1)
		for k, v := range session.Metadata {
			server[k] = v
		}
		delete(server, PrinterListField)
		server[ClientIDField] = session.ID
		for _, printer := range session.Printers {
			entry := make(map[string]any, len(printer)+1)
			for k, v := range printer {
				entry[k] = v
			}
			entry[ServerField] = server
			entries = append(entries, entry)
		}
	}
	return entries
}

// ClientMap renders each session as its metadata plus clientId and printerList.
func ClientMap(sessions []registry.Session) map[string]map[string]any {
	out := make(map[string]map[string]any, len(sessions))
	for _, session := range sessions {
		descriptor := make(map[string]any, len(session.Metadata)+2)
		for k, v := range session.Metadata {
			descriptor[k] = v
		}
		descriptor[ClientIDField] = session.ID
		descriptor[PrinterListField] = session.Printers
		out[session.ID] = descriptor
	}
	return out
}
