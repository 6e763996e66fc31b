/*
Package events provides the in-memory event broker for fleet notifications.

Every externally visible lifecycle change produces exactly one event: node
enrollment, status transitions, certificate issuance and revocation, and
reservation expiry. The broker fans events out to local subscribers over
buffered channels; the production deployment attaches a subscriber that
forwards to the external message bus.

# Event Types

Node events:
  - node.enrolled: a node joined the fleet
  - node.online: a node returned from offline
  - node.degraded: a heartbeat crossed the degradation thresholds
  - node.offline: the staleness sweep marked a node offline

Certificate events:
  - certificate.issued: a leaf certificate was created
  - certificate.renewed: a node rotated its certificate
  - certificate.revoked: a certificate was invalidated

Reservation events:
  - reservation.expired: a pending hold timed out and returned to the pool

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s: %s\n", event.NodeID, event.Type, event.Message)
		}
	}()

Publish is non-blocking: the main channel buffers 100 events and each
subscriber buffers 50. A subscriber that cannot keep up skips events rather
than stalling the broker, so delivery is best effort and the store remains the
source of truth.
*/
package events
