package invalidation

import (
	"fmt"

	"github.com/hydro78704/invalidation-client/internal/wire"
)

// maxRepeatedFields bounds how many entries a single inbound message may
// carry in any one repeated field, as a sanity check independent of the
// wire decoder's own length-prefix guard.
const maxRepeatedFields = 100000

// validateInbound rejects a decoded ServerToClientMessage that violates
// one of the protocol handler's structural assumptions before any of its
// fields are acted on. It checks only that required tokens are present,
// never their values — matching them against the core's current state
// happens later, in the protocol handler for OBJECT_CONTROL and in the
// core's own handlers for the token-changing message types.
func validateInbound(m *wire.ServerToClientMessage) error {
	switch m.MessageType {
	case wire.MessageAssignClientID:
		if len(m.Nonce) == 0 {
			return fmt.Errorf("invalidation: assign-client-id response missing nonce")
		}
		if m.Status.Code == wire.StatusSuccess && len(m.ClientID) == 0 {
			return fmt.Errorf("invalidation: assign-client-id success missing uniquifier")
		}
	case wire.MessageUpdateSession:
		if m.Status.Code == wire.StatusSuccess && len(m.SessionToken) == 0 {
			return fmt.Errorf("invalidation: update-session success missing session token")
		}
	case wire.MessageInvalidateSession, wire.MessageInvalidateClientID:
		// No additional structural requirements; the core matches the
		// session token or client id when it handles these.
	case wire.MessageObjectControl:
		if len(m.SessionToken) == 0 {
			return fmt.Errorf("invalidation: object-control message missing session token")
		}
	default:
		return fmt.Errorf("invalidation: unknown message type %d", m.MessageType)
	}

	if m.Status.Code < wire.StatusSuccess || m.Status.Code > wire.StatusUnknownClient {
		return fmt.Errorf("invalidation: status code %d out of range", m.Status.Code)
	}

	if len(m.Invalidations) > maxRepeatedFields {
		return fmt.Errorf("invalidation: %d invalidations exceeds sanity bound", len(m.Invalidations))
	}
	if len(m.RegistrationResults) > maxRepeatedFields {
		return fmt.Errorf("invalidation: %d registration results exceeds sanity bound", len(m.RegistrationResults))
	}

	for i, res := range m.RegistrationResults {
		if res.Status.Code < wire.StatusSuccess || res.Status.Code > wire.StatusUnknownClient {
			return fmt.Errorf("invalidation: registration result %d status %d out of range", i, res.Status.Code)
		}
	}

	return nil
}
