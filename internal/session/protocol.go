package session

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relayspace/internal/relayspace"
)

//go:embed request.schema.json
var requestSchemaJSON []byte

const requestSchemaURL = "https://relayspace.local/schemas/request.json"

var loadRequestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(requestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse request schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(requestSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add request schema: %w", err)
	}
	return compiler.Compile(requestSchemaURL)
})

// Request is one client command. Parameters is positional: a bare value for
// single-argument requests, an array otherwise, absent for none.
type Request struct {
	Num        uint64          `json:"num"`
	Request    string          `json:"request"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type ReplyKind string

const (
	ReplyAuthenticationToken ReplyKind = "authentication-token"
	ReplyValidUsername       ReplyKind = "valid-username"
	ReplyUserData            ReplyKind = "user-data"
	ReplySelfData            ReplyKind = "self-data"
	ReplyEntityCreated       ReplyKind = "entity-created"
	ReplyMessages            ReplyKind = "messages"
	ReplySpreadsheet         ReplyKind = "spreadsheet"
	ReplyDocument            ReplyKind = "document"
	ReplyBucket              ReplyKind = "bucket"
	ReplyGenericSuccess      ReplyKind = "generic-success"
	ReplyGenericFailure      ReplyKind = "generic-failure"
)

type Reply struct {
	Num        uint64    `json:"num"`
	Reply      ReplyKind `json:"reply"`
	Parameters any       `json:"parameters,omitempty"`
}

func success(num uint64) Reply {
	return Reply{Num: num, Reply: ReplyGenericSuccess}
}

func failure(num uint64, err error) Reply {
	return Reply{Num: num, Reply: ReplyGenericFailure, Parameters: err.Error()}
}

// decodeRequest validates text against the request schema and decodes the
// envelope. The request number is recovered on a best-effort basis so that
// schema failures can still be answered.
func decodeRequest(text []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(text, &req); err != nil {
		return req, fmt.Errorf("%w: malformed request: %v", relayspace.ErrInvalidInput, err)
	}
	schema, err := loadRequestSchema()
	if err != nil {
		return req, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(text))
	if err != nil {
		return req, fmt.Errorf("%w: malformed request: %v", relayspace.ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return req, fmt.Errorf("%w: %s request does not match schema: %v", relayspace.ErrInvalidInput, strconv.Quote(req.Request), err)
	}
	return req, nil
}

// params splits raw into exactly n positional arguments.
func params(raw json.RawMessage, n int) ([]json.RawMessage, error) {
	if n == 1 {
		return []json.RawMessage{raw}, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: parameters: %v", relayspace.ErrInvalidInput, err)
	}
	if len(out) != n {
		return nil, fmt.Errorf("%w: want %d parameters, got %d", relayspace.ErrInvalidInput, n, len(out))
	}
	return out, nil
}

// decode unmarshals each positional argument into the matching target.
func decode(raw json.RawMessage, targets ...any) error {
	args, err := params(raw, len(targets))
	if err != nil {
		return err
	}
	for i, target := range targets {
		if err := json.Unmarshal(args[i], target); err != nil {
			return fmt.Errorf("%w: parameter %d: %v", relayspace.ErrInvalidInput, i, err)
		}
	}
	return nil
}

// MessageCursor selects the end of a message page: the latest message, or
// a specific index (exclusive).
type MessageCursor struct {
	Cursor string            `json:"cursor"`
	Index  *relayspace.Index `json:"index,omitempty"`
}

func (c MessageCursor) position() (*relayspace.Index, error) {
	switch c.Cursor {
	case "latest":
		return nil, nil
	case "specific":
		if c.Index == nil {
			return nil, fmt.Errorf("%w: specific cursor without index", relayspace.ErrInvalidInput)
		}
		return c.Index, nil
	}
	return nil, fmt.Errorf("%w: unknown cursor %q", relayspace.ErrInvalidInput, c.Cursor)
}
