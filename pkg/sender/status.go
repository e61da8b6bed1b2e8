package sender

import (
	"time"

	"github.com/fortiblox/X1-Sender/pkg/broadcast"
	"github.com/fortiblox/X1-Sender/pkg/connpool"
	"github.com/fortiblox/X1-Sender/pkg/ingress"
	"github.com/fortiblox/X1-Sender/pkg/rpcclient"
	"github.com/fortiblox/X1-Sender/pkg/schedule"
	"github.com/fortiblox/X1-Sender/pkg/slotstream"
)

// Status is a point-in-time view of the whole service.
type Status struct {
	Network  string        `json:"network"`
	Protocol string        `json:"protocol"`
	FanOut   int           `json:"fanOut"`
	Running  bool          `json:"running"`
	Uptime   time.Duration `json:"uptime"`

	Schedule     schedule.Status            `json:"schedule"`
	Pool         connpool.Stats             `json:"pool"`
	Broadcast    broadcast.Stats            `json:"broadcast"`
	RPCEndpoints []rpcclient.EndpointStatus `json:"rpcEndpoints"`

	// Optional components, nil when disabled.
	SlotStream *slotstream.Health `json:"slotStream,omitempty"`
	Ingress    *ingress.Stats     `json:"ingress,omitempty"`

	RPCAddr     string `json:"rpcAddr,omitempty"`
	IngressAddr string `json:"ingressAddr,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// Status returns the current service status.
func (s *Service) Status() Status {
	st := Status{
		Network:      s.cfg.Network,
		Protocol:     s.cfg.Protocol.String(),
		FanOut:       s.cfg.FanOut,
		Running:      s.started.Load() && !s.closed.Load(),
		Schedule:     s.tracker.Status(),
		Pool:         s.pool.Stats(),
		Broadcast:    s.broadcaster.Stats(),
		RPCEndpoints: s.client.Endpoints(),
	}
	if st.Running {
		st.Uptime = time.Since(s.startTime).Truncate(time.Second)
	}
	if s.slots != nil {
		h := s.slots.Health()
		st.SlotStream = &h
	}
	if s.ingress != nil {
		is := s.ingress.Stats()
		st.Ingress = &is
	}
	if addr := s.RPCAddr(); addr != nil {
		st.RPCAddr = addr.String()
	}
	if addr := s.IngressAddr(); addr != nil {
		st.IngressAddr = addr.String()
	}
	if err := s.getLastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
