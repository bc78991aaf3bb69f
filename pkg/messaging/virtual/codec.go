package virtual

import (
	"encoding/base64"
	"encoding/json"

	"github.com/fenwick-systems/vtransport/pkg/errors"
)

// BodyEncoding selects how a message body is transfer-encoded in the
// canonical JSON envelope.
type BodyEncoding string

const (
	BodyEncodingRaw    BodyEncoding = "raw"
	BodyEncodingBase64 BodyEncoding = "base64"
)

// encodeBody applies the configured transfer encoding to body and returns
// the string to place in Envelope.Body along with the body_encoding value
// to record in Properties.
func encodeBody(body []byte, encoding BodyEncoding) (string, string) {
	if encoding == BodyEncodingBase64 {
		return base64.StdEncoding.EncodeToString(body), string(BodyEncodingBase64)
	}
	return string(body), ""
}

// decodeBody reverses encodeBody using the body_encoding recorded on the
// envelope's properties.
func decodeBody(env Envelope) ([]byte, error) {
	if env.Properties.BodyEncoding == string(BodyEncodingBase64) {
		b, err := base64.StdEncoding.DecodeString(env.Body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to base64-decode message body")
		}
		return b, nil
	}
	return []byte(env.Body), nil
}

// decodeEnvelope returns a copy of env with Body reversed through its
// recorded transfer encoding and BodyEncoding cleared, for handing to a
// caller that expects the original payload rather than the wire form. The
// envelope kept in the QoS unacked index is left untouched so a later
// requeue re-puts the still-encoded form the backend expects.
func decodeEnvelope(env Envelope) (Envelope, error) {
	if env.Properties.BodyEncoding == "" {
		return env, nil
	}
	body, err := decodeBody(env)
	if err != nil {
		return Envelope{}, err
	}
	env.Body = string(body)
	env.Properties.BodyEncoding = ""
	return env, nil
}

// serialize renders an envelope to its canonical JSON wire form.
func serialize(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize envelope")
	}
	return b, nil
}

// deserialize parses the canonical JSON wire form back into an envelope.
func deserialize(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "failed to deserialize envelope")
	}
	return env, nil
}
