package messaging

import (
	"context"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Sender delivers outbound content to a WhatsApp user on behalf of an
// organization and returns the provider message SID.
type Sender interface {
	Send(ctx context.Context, orgID, to string, content models.OutboundContent) (string, error)
}
