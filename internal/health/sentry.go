package health

import (
	"github.com/getsentry/sentry-go"
)

// SentrySink reports one-shot fatal health conditions to Sentry. It is
// deliberately narrow: only non-stateful reports are forwarded, since a
// recurring stateful warning would otherwise page on every refresh tick.
type SentrySink struct {
	Tags map[string]string
}

func (s SentrySink) Report(r Report) {
	if r.Stateful {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("health_code", r.Code)
		for k, v := range s.Tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureMessage(r.Description)
	})
}
