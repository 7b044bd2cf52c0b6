package main

import (
	"github.com/shirou/gopsutil/mem"

	"hiprint/transit/internal/fabric"
	"hiprint/transit/internal/logging"
	"hiprint/transit/internal/protocol"
)

// memoryReader reports total and available host memory in bytes.
type memoryReader func() (total, free uint64, err error)

func hostMemory() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

// serverInfo snapshots the counts seen by a session of tenant. Counts include the
// session being greeted.
func (r *Relay) serverInfo(tenant string) protocol.ServerInfo {
	info := protocol.ServerInfo{
		Version:        version,
		CurrentClients: r.registry.Count(tenant),
		AllClients:     r.fabric.CountRole(fabric.RoleWorker),
		WebClients:     r.fabric.Members(fabric.RequesterGroup(tenant)),
		AllWebClients:  r.fabric.CountRole(fabric.RoleRequester),
	}
	total, free, err := r.memory()
	if err != nil {
		r.log.Debug("host memory unavailable", logging.Error(err))
		return info
	}
	info.TotalMem = total
	info.FreeMem = free
	return info
}
