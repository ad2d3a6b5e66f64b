package server

import "github.com/sirupsen/logrus"

// forwardResult is the outcome of relaying one frame to a token's host.
type forwardResult int

const (
	forwardDelivered forwardResult = iota
	forwardDroppedNoPeer
	forwardTransportError
)

func (r forwardResult) String() string {
	switch r {
	case forwardDelivered:
		return "delivered"
	case forwardDroppedNoPeer:
		return "dropped_no_peer"
	case forwardTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// forward hands the live host registered for token to send. A failed write
// leaves the host stream unusable, so the host is terminated and its read
// loop unregisters it. Failures are never retried.
func (r *Relay) forward(token string, kind string, send func(host *relayConn) error) forwardResult {
	host := r.hub.lookupHost(token)
	if !host.live() {
		r.metrics.forwards.WithLabelValues(kind, forwardDroppedNoPeer.String()).Inc()
		return forwardDroppedNoPeer
	}
	if err := send(host); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"token": token,
			"host":  host.id,
			"kind":  kind,
		}).Warn("forward to host failed, terminating host")
		_ = host.terminate()
		r.metrics.forwards.WithLabelValues(kind, forwardTransportError.String()).Inc()
		return forwardTransportError
	}
	r.metrics.forwards.WithLabelValues(kind, forwardDelivered.String()).Inc()
	return forwardDelivered
}
