package matcher

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/thegreatape/betamax/cassette"
)

// CEL matches with a boolean CEL expression evaluated against each recorded
// request in order. The expression sees two maps, request (the live call)
// and recorded, each with method, url (normalized), headers (name to
// comma-joined values, canonical names) and body (as a string):
//
//	request.method == recorded.method && request.url == recorded.url
type CEL struct {
	expr string
	prg  cel.Program
}

func NewCEL(expr string) (*CEL, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("recorded", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile matcher expression: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("matcher expression must be bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &CEL{expr: expr, prg: prg}, nil
}

func (c *CEL) String() string {
	return c.expr
}

// IndexOf skips candidates whose evaluation errors, e.g. on a missing header
// key.
func (c *CEL) IndexOf(calls []cassette.Interaction, req *cassette.Request) int {
	live := celRequest(req)
	for i := range calls {
		out, _, err := c.prg.Eval(map[string]any{
			"request":  live,
			"recorded": celRequest(&calls[i].Request),
		})
		if err != nil {
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return i
		}
	}
	return -1
}

func celRequest(r *cassette.Request) map[string]any {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[http.CanonicalHeaderKey(k)] = strings.Join(v, ", ")
	}
	return map[string]any{
		"method":  strings.ToUpper(r.Method),
		"url":     NormalizeURL(r.URL),
		"headers": headers,
		"body":    string(r.Body),
	}
}
