package delivery

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/relayflow/internal/runtime/endpoints"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
)

// Content types for encoded bodies.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// encodeBody renders doc in the endpoint's wire encoding. Protobuf bodies
// carry the document as a google.protobuf.Struct.
func encodeBody(doc map[string]any, encoding string) ([]byte, string, error) {
	switch encoding {
	case "", endpoints.EncodingJSON:
		body, err := jsoncodec.Marshal(doc)
		if err != nil {
			return nil, "", fmt.Errorf("encode json: %w", err)
		}
		return body, ContentTypeJSON, nil
	case endpoints.EncodingProtobuf:
		normalized, err := jsoncodec.Normalize(doc)
		if err != nil {
			return nil, "", fmt.Errorf("encode protobuf: %w", err)
		}
		fields, _ := normalized.(map[string]any)
		st, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, "", fmt.Errorf("encode protobuf: %w", err)
		}
		body, err := proto.Marshal(st)
		if err != nil {
			return nil, "", fmt.Errorf("encode protobuf: %w", err)
		}
		return body, ContentTypeProtobuf, nil
	default:
		return nil, "", fmt.Errorf("unsupported encoding %q", encoding)
	}
}
