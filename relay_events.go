package main

import (
	"time"

	"github.com/gorilla/websocket"

	"hiprint/transit/internal/fabric"
	"hiprint/transit/internal/input"
	"hiprint/transit/internal/logging"
	"hiprint/transit/internal/protocol"
	"hiprint/transit/internal/router"
)

// onConnect moves an accepted session into the Registered state: print-workers
// enter the registry and their group, requesters join their group and receive the
// current directory, probes only get serverInfo before they are dropped.
func (r *Relay) onConnect(c *connection) {
	switch c.role {
	case fabric.RoleWorker:
		r.fabric.Join(c, fabric.WorkerGroup(c.tenant))
		r.registry.Register(c.tenant, c.id)
	case fabric.RoleRequester:
		r.fabric.Join(c, fabric.RequesterGroup(c.tenant))
	}

	c.Send(protocol.MustEncode(protocol.EventServerInfo, r.serverInfo(c.tenant)))

	switch c.role {
	case fabric.RoleRequester:
		c.Send(r.clientsFrame(c.tenant))
		c.Send(r.printersFrame(c.tenant))
	case fabric.RoleProbe:
		c.probeTimer = time.AfterFunc(r.cfg.ProbeTimeout, func() {
			c.close(websocket.CloseNormalClosure, "probe complete")
		})
	}
	c.log.Info("client connected: "+c.id+" | "+string(c.role), logging.String("tenant", tenantTag(c.tenant)))
}

// disconnect moves a session to Disconnected. It runs at most once per session.
func (r *Relay) disconnect(c *connection) {
	c.teardown.Do(func() {
		c.close(websocket.CloseNormalClosure, "")
		if c.probeTimer != nil {
			c.probeTimer.Stop()
		}
		r.fabric.LeaveAll(c)
		r.inbound.Forget(c.id)

		r.mu.Lock()
		delete(r.live, c)
		r.mu.Unlock()

		if c.role == fabric.RoleWorker && r.registry.Remove(c.tenant, c.id) {
			r.fabric.Publish(fabric.RequesterGroup(c.tenant), r.clientsFrame(c.tenant))
		}
		if r.fabric.Members(fabric.WorkerGroup(c.tenant)) == 0 && r.fabric.Members(fabric.RequesterGroup(c.tenant)) == 0 {
			r.metrics.ForgetTenant(c.tenant)
		}
		if c.role != fabric.RoleProbe {
			c.log.Info("client disconnected: " + c.id)
		}
	})
}

// dispatch handles one inbound event. Events of a session are handled in arrival
// order by its read loop.
func (r *Relay) dispatch(c *connection, env protocol.Envelope) {
	if c.role == fabric.RoleProbe {
		return
	}
	switch event := env.Event; {
	case event == protocol.EventClientInfo:
		if c.role != fabric.RoleWorker {
			r.inbound.Reject(input.Frame{ClientID: c.id, Event: event}, input.DropReasonForbidden)
			return
		}
		metadata, err := env.Object()
		if err != nil {
			r.inbound.Reject(input.Frame{ClientID: c.id, Event: event}, input.DropReasonMalformed)
			return
		}
		r.registry.UpdateMetadata(c.tenant, c.id, metadata)
		r.fabric.Publish(fabric.RequesterGroup(c.tenant), r.clientsFrame(c.tenant))

	case event == protocol.EventPrinterList:
		if c.role != fabric.RoleWorker {
			r.inbound.Reject(input.Frame{ClientID: c.id, Event: event}, input.DropReasonForbidden)
			return
		}
		printers, err := env.ObjectList()
		if err != nil {
			r.inbound.Reject(input.Frame{ClientID: c.id, Event: event}, input.DropReasonMalformed)
			return
		}
		r.registry.UpdatePrinterList(c.tenant, c.id, printers)

	case event == protocol.EventGetClients:
		c.Send(r.clientsFrame(c.tenant))

	case event == protocol.EventRefreshPrinterList:
		r.triggerRefresh(c)

	case event == protocol.EventAddress:
		c.Send(protocol.MustEncode(protocol.EventAddress, protocol.AddressUnsupported))

	case router.IsJob(event):
		// A non-object payload carries no target and is reported as such.
		payload, _ := env.Object()
		_ = r.router.Route(router.Request{Tenant: c.tenant, Origin: c.id, Event: event, Payload: payload})

	case router.IsReply(event):
		reply, ok := router.ReplyFrom(c.tenant, c.id, env)
		if !ok {
			return
		}
		r.router.ReplyBack(reply)
		if event == protocol.EventSuccess || event == protocol.EventError {
			payload, _ := env.Object()
			c.log.Info(c.id+" client: print "+event,
				logging.Any("templateId", payload[protocol.FieldCorrelation]),
				logging.String("reply_to", reply.Route),
			)
		}

	default:
		c.log.Debug("unknown event ignored", logging.String("event", event))
	}
}

// triggerRefresh runs a refresh cycle for the caller's tenant without blocking its
// read loop. A caller outside the requester group still receives the result.
func (r *Relay) triggerRefresh(c *connection) {
	go func() {
		if _, err := r.scheduler.Cycle(r.ctx, c.tenant); err != nil {
			return
		}
		if c.role != fabric.RoleRequester {
			c.Send(r.printersFrame(c.tenant))
		}
	}()
}

func (r *Relay) clientsFrame(tenant string) []byte {
	return protocol.MustEncode(protocol.EventClients, r.directory.Clients(tenant))
}

func (r *Relay) printersFrame(tenant string) []byte {
	return protocol.MustEncode(protocol.EventPrinterList, r.directory.Printers(tenant))
}
