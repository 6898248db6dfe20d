package actions

import "github.com/rendis/opflow/internal/expressions"

// RegisterBuiltins registers every built-in handler: passthrough, expr.eval,
// jq.transform, assert.* and crypto.*. validator backs assert.schema and may be nil.
func RegisterBuiltins(reg *Registry, validator InputValidator) error {
	for _, h := range DataHandlers() {
		if err := reg.Register(h); err != nil {
			return err
		}
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	if _, err := reg.RegisterNamespace("assert", AssertHandlers(cel, validator)); err != nil {
		return err
	}
	if _, err := reg.RegisterNamespace("crypto", CryptoHandlers()); err != nil {
		return err
	}
	return nil
}
