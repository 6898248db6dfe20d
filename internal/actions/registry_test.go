package actions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

func stub(actionType string, fn func(ctx context.Context, call Call) (any, error)) Handler {
	if fn == nil {
		fn = func(_ context.Context, call Call) (any, error) { return call.Input, nil }
	}
	return HandlerFunc{ActionType: actionType, Info: HandlerSchema{Description: actionType + " handler"}, Fn: fn}
}

func requireCode(t *testing.T, err error, code string) *schema.FlowError {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe), "expected *schema.FlowError, got %T", err)
	assert.Equal(t, code, fe.Code)
	return fe
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("test.action", nil)))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test.action"))
	assert.False(t, reg.Has("nonexistent"))

	requireCode(t, reg.Register(stub("test.action", nil)), schema.ErrCodeConflict)
	requireCode(t, reg.Register(nil), schema.ErrCodeValidation)
	requireCode(t, reg.Register(stub("", nil)), schema.ErrCodeValidation)
}

func TestRegistry_Get(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("fetch", nil)))

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Type())

	_, err = reg.Get("missing")
	requireCode(t, err, schema.ErrCodeActionUnavailable)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("z.action", nil)))
	require.NoError(t, reg.Register(stub("a.action", nil)))
	require.NoError(t, reg.Register(stub("m.action", nil)))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a.action", infos[0].Type)
	assert.Equal(t, "a.action handler", infos[0].Description)
	assert.Equal(t, "m.action", infos[1].Type)
	assert.Equal(t, "z.action", infos[2].Type)

	assert.Empty(t, NewRegistry().List())
}

func TestRegistry_RegisterNamespace(t *testing.T) {
	reg := NewRegistry()
	n, err := reg.RegisterNamespace("github", []Handler{stub("create_issue", nil), stub("list_repos", nil)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, reg.Has("github.create_issue"))
	assert.True(t, reg.Has("github.list_repos"))

	got, err := reg.Get("github.create_issue")
	require.NoError(t, err)
	assert.Equal(t, "github.create_issue", got.Type())

	_, err = reg.RegisterNamespace("", nil)
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = reg.RegisterNamespace("github", []Handler{stub("create_issue", nil)})
	requireCode(t, err, schema.ErrCodeConflict)
}

func TestRegistry_Invoke(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("echo", func(_ context.Context, call Call) (any, error) {
		return map[string]any{"agent": call.AgentID, "action": call.ActionType, "got": call.Input}, nil
	})))

	out, err := reg.Invoke(context.Background(), "bot", "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"agent": "bot", "action": "echo", "got": "hi"}, out)
}

func TestRegistry_Invoke_UnknownAction(t *testing.T) {
	_, err := NewRegistry().Invoke(context.Background(), "bot", "nope", nil)
	requireCode(t, err, schema.ErrCodeActionUnavailable)
}

func TestRegistry_Invoke_HandlerErrorKeepsMessage(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("flaky", func(context.Context, Call) (any, error) {
		return nil, errors.New("rate limited")
	})))

	_, err := reg.Invoke(context.Background(), "bot", "flaky", nil)
	fe := requireCode(t, err, schema.ErrCodeAction)
	assert.Equal(t, "rate limited", fe.Message)
}

func TestRegistry_Invoke_HandlerFlowErrorKeepsCode(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("check", func(context.Context, Call) (any, error) {
		return nil, schema.NewError(schema.ErrCodeAssertionFailed, "nope")
	})))

	_, err := reg.Invoke(context.Background(), "bot", "check", nil)
	requireCode(t, err, schema.ErrCodeAssertionFailed)
}

func TestRegistry_Invoke_Panic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("boom", func(context.Context, Call) (any, error) {
		panic("kaboom")
	})))

	out, err := reg.Invoke(context.Background(), "bot", "boom", nil)
	assert.Nil(t, out)
	fe := requireCode(t, err, schema.ErrCodeAction)
	assert.Contains(t, fe.Message, "kaboom")
}

func TestRegistry_Invoke_Authorizer(t *testing.T) {
	ctx := context.Background()
	catalog := identity.NewCatalog(store.NewMemoryStore())
	_, err := catalog.Register(ctx, &store.Agent{
		ID: "mailer", Name: "Mailer", Type: identity.AgentTypeService,
		Capabilities: []string{"echo"},
	})
	require.NoError(t, err)

	reg := NewRegistry(WithAuthorizer(catalog))
	require.NoError(t, reg.Register(stub("echo", nil)))
	require.NoError(t, reg.Register(stub("delete", nil)))

	out, err := reg.Invoke(ctx, "mailer", "echo", 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out)

	_, err = reg.Invoke(ctx, "mailer", "delete", nil)
	requireCode(t, err, schema.ErrCodeActionUnavailable)

	_, err = reg.Invoke(ctx, "ghost", "echo", nil)
	fe := requireCode(t, err, schema.ErrCodeActionUnavailable)
	assert.Contains(t, fe.Message, "ghost")
}

func TestRegistry_Invoke_InputSchema(t *testing.T) {
	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	called := false
	reg := NewRegistry(WithInputValidator(jsv))
	require.NoError(t, reg.Register(HandlerFunc{
		ActionType: "mail.send",
		Info:       HandlerSchema{InputSchema: []byte(`{"type":"object","required":["to"]}`)},
		Fn: func(context.Context, Call) (any, error) {
			called = true
			return "sent", nil
		},
	}))

	_, err = reg.Invoke(context.Background(), "bot", "mail.send", map[string]any{"subject": "hi"})
	fe := requireCode(t, err, schema.ErrCodeValidation)
	assert.Contains(t, fe.Message, "mail.send")
	assert.False(t, called)

	out, err := reg.Invoke(context.Background(), "bot", "mail.send", map[string]any{"to": "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "sent", out)
}

func TestDispatcherFunc(t *testing.T) {
	var d Dispatcher = DispatcherFunc(func(_ context.Context, agentID, actionType string, input any) (any, error) {
		return agentID + ":" + actionType, nil
	})
	out, err := d.Invoke(context.Background(), "a", "b", nil)
	require.NoError(t, err)
	assert.Equal(t, "a:b", out)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 3)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			name := "concurrent." + string(rune('a'+i%26)) + string(rune('0'+i/26))
			_ = reg.Register(stub(name, nil))
		}(i)
	}
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = reg.Invoke(context.Background(), "bot", "concurrent.a0", nil)
		}()
	}
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}

	wg.Wait()
	assert.True(t, reg.Count() > 0)
}
