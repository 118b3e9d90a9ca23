package dispatch

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Canonical command names.
const (
	CmdRemove        = "remove"
	CmdGetResponse   = "get_response"
	CmdSetRender     = "set_render"
	CmdSetCompute    = "set_compute"
	CmdCompute       = "compute"
	CmdClearResponse = "clear_response"
)

// aliases maps historical command names onto their canonical form.
var aliases = map[string]string{
	"remove_widget": CmdRemove,
	"update_view":   CmdSetRender,
}

func canonical(cmd string) string {
	if c, ok := aliases[cmd]; ok {
		return c
	}
	return cmd
}

// commandLabel bounds the metric label to the known commands.
func commandLabel(cmd string) string {
	switch cmd = canonical(cmd); cmd {
	case "":
		return "none"
	case CmdRemove, CmdGetResponse, CmdSetRender, CmdSetCompute, CmdCompute, CmdClearResponse:
		return cmd
	default:
		return "unknown"
	}
}

const (
	CodeOK         = 200
	CodeBadRequest = 400
	CodeNotFound   = 404
	CodeInternal   = 500
)

// Request is one decoded control record.
type Request struct {
	ID              string `mapstructure:"id"`
	Widget          string `mapstructure:"widget"`
	Command         string `mapstructure:"command"`
	Script          string `mapstructure:"script"`
	Code            string `mapstructure:"code"`
	ComputingScript string `mapstructure:"computing_script"`
}

// source is the payload of a bind; code is accepted for script.
func (r Request) source() string {
	if r.Script != "" {
		return r.Script
	}
	return r.Code
}

// adHoc is the optional script run before a response query.
func (r Request) adHoc() string {
	if r.ComputingScript != "" {
		return r.ComputingScript
	}
	return r.source()
}

// requestID recovers the id of a record that failed to decode, converted
// the same way DecodeRequest converts it.
func requestID(rec map[string]any) string {
	var id string
	if v, ok := rec["id"]; ok {
		_ = mapstructure.WeakDecode(v, &id)
	}
	return id
}

// DecodeRequest converts a generic record into a Request. Scalars are
// weakly converted (a numeric id becomes its decimal string).
func DecodeRequest(rec map[string]any) (Request, error) {
	var req Request
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &req,
	})
	if err != nil {
		return Request{}, err
	}
	if err := dec.Decode(rec); err != nil {
		return Request{}, err
	}
	return req, nil
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is the single reply to a Request. Exactly one of Status, the
// Response/LastError pair, or Error is set.
type Response struct {
	ID        string     `json:"id"`
	Status    string     `json:"status,omitempty"`
	Response  *string    `json:"response,omitempty"`
	LastError *string    `json:"last_error,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// Code is the response code: the error code, or 200 on success.
func (r Response) Code() int {
	if r.Error != nil {
		return r.Error.Code
	}
	return CodeOK
}

func OK(id string) Response {
	return Response{ID: id, Status: "ok"}
}

func Result(id, response, lastError string) Response {
	return Response{ID: id, Response: &response, LastError: &lastError}
}

func Failure(id string, code int, format string, args ...any) Response {
	return Response{ID: id, Error: &ErrorBody{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// ParseError answers a frame that could not be decoded at all. The id is
// unknown at that point.
func ParseError(err error) Response {
	return Failure("", CodeBadRequest, "parse json failed: %v", err)
}
