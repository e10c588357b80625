package methods

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pryv/open-pryv.io-sub006/internal/audit"
	"github.com/pryv/open-pryv.io-sub006/internal/errs"
)

const touchTimeout = 5 * time.Second

// Params are the decoded request parameters of one call.
type Params map[string]any

// Result collects the response body of one call.
type Result map[string]any

// Step is one stage of a method chain.
type Step func(ctx context.Context, mc *MethodContext, p Params, r Result) error

// Register holds the method chains by dotted name.
type Register struct {
	deps    *Deps
	methods map[string][]Step
	order   []string
}

// NewRegister creates an empty register and installs the built-in methods.
func NewRegister(deps *Deps) *Register {
	reg := &Register{deps: deps, methods: make(map[string][]Step)}
	reg.registerAuth()
	reg.registerEvents()
	reg.registerStreams()
	reg.registerAccesses()
	reg.registerAccount()
	reg.Register("getAccessInfo", stepAccessInfo)
	reg.Register("callBatch", reg.stepCallBatch)
	return reg
}

// Register installs a method chain.
func (reg *Register) Register(name string, steps ...Step) {
	if _, ok := reg.methods[name]; !ok {
		reg.order = append(reg.order, name)
	}
	reg.methods[name] = steps
}

// MethodNames lists the registered methods in registration order.
func (reg *Register) MethodNames() []string {
	out := make([]string, len(reg.order))
	copy(out, reg.order)
	return out
}

// Call runs one method chain. Steps run in order; the first error aborts the
// rest; panics surface as unexpected-error; the audit record fires either
// way once an access was resolved.
func (reg *Register) Call(ctx context.Context, mc *MethodContext, name string, p Params) (result Result, err error) {
	steps, ok := reg.methods[name]
	if !ok {
		return nil, errs.UnknownResource("method", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Unexpected(fmt.Errorf("panic in %s: %v", name, rec))
		}
		err = coerceNonNil(err)
		reg.auditCall(mc, name, p, result, err)
	}()

	result = Result{}
	for _, step := range steps {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, errs.Unexpected(ctxErr)
		}
		if err = step(ctx, mc, p, result); err != nil {
			return result, errs.Coerce(err)
		}
	}
	return result, nil
}

// coerceNonNil types err while keeping nil nil.
func coerceNonNil(err error) error {
	if err == nil {
		return nil
	}
	return errs.Coerce(err)
}

func (reg *Register) auditCall(mc *MethodContext, name string, p Params, result Result, err error) {
	if mc.AccessID() == "" {
		return
	}
	user := mc.user
	if user == nil {
		return
	}
	rec := &audit.Record{
		UserID:   user.ID,
		Username: user.Username,
		AccessID: mc.AccessID(),
		Action:   name,
		Source:   mc.Source,
	}
	if p != nil {
		rec.Query = auditQuery(p)
	}
	if typed := errs.Coerce(err); typed != nil {
		rec.ErrorID = typed.ID
		rec.ErrorMessage = typed.Message
	}
	if result != nil {
		if ref, ok := result[resultAuditRef].(*audit.ResourceRef); ok {
			rec.Resource = ref
			delete(result, resultAuditRef)
		}
	}
	auditCtx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	reg.deps.Audit.Record(auditCtx, rec)
}

// resultAuditRef is the transient result key carrying the integrity
// reference of a created/modified resource into the audit record.
const resultAuditRef = "__auditRef"

// credentialParams are masked in audit records: the audit store is
// append-only, so plaintext credentials must never reach it.
var credentialParams = map[string]bool{
	"password":    true,
	"oldPassword": true,
	"newPassword": true,
}

// auditQuery copies the call params with credential values masked.
func auditQuery(p Params) map[string]any {
	q := make(map[string]any, len(p))
	for k, v := range p {
		if credentialParams[k] {
			q[k] = "(hidden)"
			continue
		}
		q[k] = v
	}
	return q
}

// --- callBatch ---

type batchCall struct {
	Method string `json:"method" validate:"required"`
	Params Params `json:"params"`
}

// stepCallBatch runs the sub-calls sharing the outer context; individual
// failures land in the per-call result instead of aborting the batch.
func (reg *Register) stepCallBatch(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	raw, ok := p["calls"]
	if !ok {
		return errs.InvalidParametersFormat("Missing \"calls\" array.")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return errs.InvalidRequestStructure(err.Error())
	}
	var calls []batchCall
	if err := json.Unmarshal(b, &calls); err != nil {
		return errs.InvalidRequestStructure("\"calls\" must be an array of {method, params}.")
	}

	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		if call.Method == "callBatch" {
			results = append(results, Result{"error": errs.InvalidOperation("Nested batch calls are not allowed.", nil)})
			continue
		}
		sub, err := reg.Call(ctx, mc, call.Method, call.Params)
		if err != nil {
			results = append(results, Result{"error": errs.Coerce(err)})
			continue
		}
		results = append(results, sub)
	}
	r["results"] = results
	return nil
}

// --- params decoding ---

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeParams maps loose params onto a typed, validated struct.
func decodeParams(p Params, into any) error {
	b, err := json.Marshal(p)
	if err != nil {
		return errs.InvalidRequestStructure(err.Error())
	}
	if err := json.Unmarshal(b, into); err != nil {
		return errs.InvalidRequestStructure("The request parameters do not have the expected shape.")
	}
	if err := validate.Struct(into); err != nil {
		return errs.InvalidParametersFormat(err.Error())
	}
	return nil
}
