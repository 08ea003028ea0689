package delivery

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	idspkg "github.com/drblury/relayflow/internal/runtime/ids"
)

// Metadata keys set on bus deliveries.
const (
	MetadataKeyContentType = "content_type"
	MetadataKeyEndpoint    = "relayflow_endpoint"
)

// BusSender publishes deliveries onto the event bus, using the endpoint
// address as topic. The bus acknowledges with a synthetic 202.
type BusSender struct {
	publisher message.Publisher
}

// NewBusSender wraps publisher.
func NewBusSender(publisher message.Publisher) (*BusSender, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	return &BusSender{publisher: publisher}, nil
}

// Send publishes one message. Publish failures are transient.
func (s *BusSender) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.URL == "" {
		return nil, Permanent(errspkg.ErrTopicRequired)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrDeliveryFailed, err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), req.Body)
	for k, v := range req.Headers {
		msg.Metadata.Set(k, v)
	}
	if req.ContentType != "" {
		msg.Metadata.Set(MetadataKeyContentType, req.ContentType)
	}
	if req.Endpoint != nil {
		msg.Metadata.Set(MetadataKeyEndpoint, req.Endpoint.ID)
	}
	msg.SetContext(ctx)

	if err := s.publisher.Publish(req.URL, msg); err != nil {
		return nil, fmt.Errorf("%w: publish to %s: %w", errspkg.ErrDeliveryFailed, req.URL, err)
	}
	return &Response{
		StatusCode: http.StatusAccepted,
		Headers:    map[string]string{"Message-Id": msg.UUID},
	}, nil
}
