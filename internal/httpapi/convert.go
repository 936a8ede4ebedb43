package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Protobuf bodies are google.protobuf.Struct messages whose keys are the
// JSON field names, so both encodings share one set of request types.

// decodeRequest fills v from a JSON or protobuf body.  Unknown fields are
// rejected in both encodings.
func decodeRequest(r *http.Request, v any) error {
	var body io.Reader = io.LimitReader(r.Body, maxRequestBody)

	if isProtobuf(r) {
		var st structpb.Struct
		if err := readProto(r, &st); err != nil {
			return err
		}
		b, err := protojson.Marshal(&st)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// toStruct converts a JSON-tagged response value into a Struct message.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, err
	}
	return st, nil
}
