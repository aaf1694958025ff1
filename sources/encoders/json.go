package encoders

import (
	"encoding/json"

	"github.com/gokit/xid"

	"github.com/gokit/streamkit"
	"github.com/gokit/streamkit/sources"
)

// Encodable defines a format more friendly to serializers.
type Encodable struct {
	Topic string
	Ref   string
	Data  []byte
	Attr  map[string]string
}

// JSONMarshaler implements the sources.Marshaler interface, encoding
// messages as JSON for providers without their own wire format.
type JSONMarshaler struct{}

// Marshal implements the sources.Marshaler interface.
func (JSONMarshaler) Marshal(msg sources.Message) ([]byte, error) {
	return json.Marshal(Encodable{
		Topic: msg.Topic,
		Ref:   msg.Ref.String(),
		Data:  msg.Data,
		Attr:  msg.Header,
	})
}

// JSONUnmarshaler implements the sources.Unmarshaler which decodes byte
// slices produced by JSONMarshaler back into messages.
type JSONUnmarshaler struct{}

// Unmarshal implements the sources.Unmarshaler interface.
func (JSONUnmarshaler) Unmarshal(data []byte) (sources.Message, error) {
	var msg sources.Message

	var decoded Encodable
	if err := json.Unmarshal(data, &decoded); err != nil {
		return msg, err
	}

	id, err := xid.FromString(decoded.Ref)
	if err != nil {
		return msg, err
	}

	msg.Ref = id
	msg.Topic = decoded.Topic
	msg.Data = decoded.Data
	msg.Header = streamkit.Header(decoded.Attr)
	return msg, nil
}
