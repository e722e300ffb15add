package authn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
)

// fakeOutcome is the scripted result of one method.
type fakeOutcome struct {
	user      string
	presenter string
	jwt       bool
	err       error
}

func pass(user string) fakeOutcome { return fakeOutcome{user: user} }

func passJWT(user, presenter string) fakeOutcome {
	return fakeOutcome{user: user, presenter: presenter, jwt: true}
}

func fail() fakeOutcome { return fakeOutcome{err: validator.ErrNoToken} }

// fakeValidator records the methods it is asked to validate and replies
// with scripted outcomes keyed by methodLabel.
type fakeValidator struct {
	outcomes map[string]fakeOutcome

	// async completes from a new goroutine.
	async bool
	// gate, when set, delays every completion until it is closed.
	gate chan struct{}
	// fireTwice calls done a second time after the first.
	fireTwice bool

	mu    sync.Mutex
	calls []string
}

func newFakeValidator(outcomes map[string]fakeOutcome) *fakeValidator {
	return &fakeValidator{outcomes: outcomes}
}

func methodLabel(m policy.Method) string {
	switch m.Kind() {
	case policy.KindMTLS:
		return "mtls:" + string(m.MTLS.EffectiveIdentityField())
	case policy.KindJWT:
		return "jwt:" + m.JWT.Issuer
	default:
		return "unknown"
	}
}

func (f *fakeValidator) Validate(_ context.Context, method policy.Method, _ *validator.Request, done validator.Done) {
	label := methodLabel(method)
	f.mu.Lock()
	f.calls = append(f.calls, label)
	f.mu.Unlock()

	out, ok := f.outcomes[label]
	if !ok {
		out = fail()
	}

	complete := func() {
		var payload validator.Payload
		if out.err == nil {
			if out.jwt {
				payload = &validator.JWTPayload{User: out.user, Presenter: out.presenter, Audiences: []string{"aud"}}
			} else {
				payload = &validator.X509Payload{User: out.user}
			}
		}
		done(payload, out.err)
		if f.fireTwice {
			done(payload, out.err)
		}
	}

	switch {
	case f.gate != nil:
		go func() {
			<-f.gate
			complete()
		}()
	case f.async:
		go complete()
	default:
		complete()
	}
}

func (f *fakeValidator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func jwtMethod(issuer string) policy.Method {
	return policy.JWTMethod(policy.JWT{Issuer: issuer})
}

func mtlsMethod() policy.Method {
	return policy.MTLSMethod(policy.MutualTLS{})
}

// doneRecorder counts callback invocations.
type doneRecorder struct {
	mu    sync.Mutex
	calls int
	ok    bool
	ch    chan bool
}

func newDoneRecorder() *doneRecorder {
	return &doneRecorder{ch: make(chan bool, 4)}
}

func (r *doneRecorder) done(ok bool) {
	r.mu.Lock()
	r.calls++
	r.ok = ok
	r.mu.Unlock()
	r.ch <- ok
}

func (r *doneRecorder) wait(t *testing.T) bool {
	t.Helper()
	select {
	case ok := <-r.ch:
		return ok
	case <-time.After(2 * time.Second):
		require.FailNow(t, "callback not invoked")
		return false
	}
}

func (r *doneRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// counterSum adds up every sample of the named counter family.
func counterSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}
