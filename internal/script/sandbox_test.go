package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegisroute/internal/routable"
)

func newRoutable() *routable.Routable {
	r := routable.New(routable.MT, map[string]any{
		routable.ParamSourceAddr:      "AEGIS",
		routable.ParamDestinationAddr: "2348030000000",
		routable.ParamShortMessage:    []byte("Hello"),
	})
	r.User = &routable.User{ID: "1", GroupID: "g1", Username: "u1"}
	return r
}

func TestMutatingScript(t *testing.T) {
	sb := NewSandbox(time.Second)
	r := newRoutable()

	out, err := sb.RunSource(context.Background(), "routable.pdu.params['short_message'] = 'Intercepted message'", r)
	require.NoError(t, err)
	assert.False(t, out.Rejected)
	assert.Equal(t, "Intercepted message", out.Params[routable.ParamShortMessage])
	assert.Equal(t, "AEGIS", out.Params[routable.ParamSourceAddr])

	// the routable handed in is left alone
	assert.Equal(t, "Hello", r.Content())
}

func TestScriptSeesMetadata(t *testing.T) {
	sb := NewSandbox(time.Second)
	src := `
if (routable.user.username === 'u1' && routable.direction === 'MT') {
	routable.pdu.params['source_addr'] = routable.user.group + '-' + routable.pdu.params['short_message'];
	addTag('checked');
}`
	out, err := sb.RunSource(context.Background(), src, newRoutable())
	require.NoError(t, err)
	assert.Equal(t, "g1-Hello", out.Params[routable.ParamSourceAddr])
	assert.Equal(t, []string{"checked"}, out.Tags)
}

func TestReplacingParamsObject(t *testing.T) {
	sb := NewSandbox(time.Second)
	out, err := sb.RunSource(context.Background(), `routable.pdu.params = {short_message: 'new'}`, newRoutable())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"short_message": "new"}, out.Params)
}

func TestSyntaxErrorIsReportedAndNothingMutates(t *testing.T) {
	_, err := Compile("Default script that generates a syntax error !")
	require.Error(t, err)
	assert.Equal(t, KindSyntax, KindOf(err))

	sb := NewSandbox(time.Second)
	r := newRoutable()
	out, err := sb.RunSource(context.Background(), "Default script that generates a syntax error !", r)
	assert.Nil(t, out)
	assert.Equal(t, KindSyntax, KindOf(err))
	assert.Equal(t, "Hello", r.Content())
}

func TestRuntimeError(t *testing.T) {
	sb := NewSandbox(time.Second)
	_, err := sb.RunSource(context.Background(), "routable.missing.field = 1", newRoutable())
	require.Error(t, err)
	assert.Equal(t, KindRuntime, KindOf(err))

	_, err = sb.RunSource(context.Background(), "throw new Error('nope')", newRoutable())
	assert.Equal(t, KindRuntime, KindOf(err))
}

func TestTimeoutIsRuntimeError(t *testing.T) {
	sb := NewSandbox(50 * time.Millisecond)
	start := time.Now()
	_, err := sb.RunSource(context.Background(), "while (true) {}", newRoutable())
	require.Error(t, err)
	assert.Equal(t, KindRuntime, KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestContextCancellationInterrupts(t *testing.T) {
	sb := NewSandbox(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sb.RunSource(ctx, "for (;;) {}", newRoutable())
	assert.Equal(t, KindRuntime, KindOf(err))
}

func TestReject(t *testing.T) {
	sb := NewSandbox(time.Second)

	out, err := sb.RunSource(context.Background(), "reject('blocked destination')", newRoutable())
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Equal(t, "blocked destination", out.Reason)

	out, err = sb.RunSource(context.Background(), "http_status = 403", newRoutable())
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Equal(t, 403, out.HTTPStatus)
}

func TestRunsDoNotShareGlobals(t *testing.T) {
	sb := NewSandbox(time.Second)
	_, err := sb.RunSource(context.Background(), "var leaked = 1", newRoutable())
	require.NoError(t, err)

	out, err := sb.RunSource(context.Background(), "if (typeof leaked !== 'undefined') { reject('leak') }", newRoutable())
	require.NoError(t, err)
	assert.False(t, out.Rejected)
}

func TestProgramCache(t *testing.T) {
	sb := NewSandbox(0)
	assert.Equal(t, DefaultTimeout, sb.Timeout())
	p1, err := sb.Program("1 + 1")
	require.NoError(t, err)
	p2, err := sb.Program("1 + 1")
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	_, err = sb.Run(context.Background(), nil, newRoutable())
	assert.Equal(t, KindSyntax, KindOf(err))
}
